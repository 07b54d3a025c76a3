// SPDX-License-Identifier: GPL-3.0-or-later

package ioengine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"

	"github.com/bassosimone/ioengine/idletracker"
	"github.com/bassosimone/ioengine/quota"
	"github.com/bassosimone/ioengine/taskqueue"
)

// readChunkSize bounds a single underlying conn.Read call. It governs
// how many bytes a single Read callback can deliver in one completion
// and, indirectly, how large a quota allocation a single Read needs.
const readChunkSize = 65536

// ReadCallback receives the completion status of an [*Endpoint.Read].
type ReadCallback func(status Status)

// WriteCallback receives the completion status of an [*Endpoint.Write].
type WriteCallback func(status Status)

// Endpoint is the spec's §4.4 component: a bound, established
// byte-stream connection with strict one-in-flight-read and
// one-in-flight-write contracts, immutable peer/local addresses, and
// closed-once-on-first-fatal-error socket lifetime.
//
// It generalizes the teacher's [*ObserveConnFunc]-wrapped [net.Conn]
// into an asynchronous, callback-driven primitive: I/O runs on the
// [*taskqueue.Service] worker pool and completion is always delivered
// via callback, never inline on the caller's goroutine.
type Endpoint struct {
	conn   net.Conn
	svc    *taskqueue.Service
	quota  *quota.Quota
	idle   *idletracker.Tracker
	errCls ErrClassifier
	logger SLogger
	now    func() time.Time

	laddr, raddr string
	protocol     string

	readInFlight  atomic.Bool
	writeInFlight atomic.Bool
	fatal         atomic.Bool
	closeOnce     sync.Once
}

// NewEndpoint wraps conn into an [*Endpoint]. q is the quota every
// read/write buffer allocation is charged against, typically a child
// quota reserved for this endpoint's lifetime (§4.5, Accept delivers
// each Endpoint together with an allocator reserved for it). idle may
// be nil to disable idle tracking for this endpoint.
func NewEndpoint(conn net.Conn, cfg *Config, svc *taskqueue.Service, q *quota.Quota, idle *idletracker.Tracker, logger SLogger) *Endpoint {
	return &Endpoint{
		conn:     conn,
		svc:      svc,
		quota:    q,
		idle:     idle,
		errCls:   cfg.ErrClassifier,
		logger:   logger,
		now:      cfg.TimeNow,
		laddr:    safeconn.LocalAddr(conn),
		raddr:    safeconn.RemoteAddr(conn),
		protocol: safeconn.Network(conn),
	}
}

// LocalAddress returns the endpoint's local address, valid for the
// endpoint's lifetime.
func (e *Endpoint) LocalAddress() string {
	return e.laddr
}

// PeerAddress returns the endpoint's remote address, valid for the
// endpoint's lifetime.
func (e *Endpoint) PeerAddress() string {
	return e.raddr
}

// Read appends received bytes into buffer and reports completion via
// onRead. Exactly one outstanding Read per endpoint is permitted;
// calling Read while a prior Read is still outstanding is a programmer
// error and aborts the process (§4.4).
func (e *Endpoint) Read(buffer *quota.Buffer, onRead ReadCallback) {
	runtimex.Assert(e.readInFlight.CompareAndSwap(false, true))

	if e.idle != nil {
		e.idle.IncreaseCallCount()
	}

	e.svc.RunNow(func() {
		defer e.readInFlight.Store(false)
		defer func() {
			if e.idle != nil {
				e.idle.DecreaseCallCount()
			}
		}()
		status := e.doRead(buffer)
		onRead(status)
	})
}

func (e *Endpoint) doRead(buffer *quota.Buffer) Status {
	if e.fatal.Load() {
		return NewStatus(StatusCancelled, net.ErrClosed)
	}

	slice, err := e.quota.Allocate(context.Background(), readChunkSize)
	if err != nil {
		return NewStatus(StatusResourceExhausted, err)
	}

	t0 := e.now()
	e.logger.Debug("endpointReadStart",
		slog.String("localAddr", e.laddr),
		slog.String("remoteAddr", e.raddr),
		slog.Time("t", t0))

	n, err := e.conn.Read(slice.Spare())

	e.logger.Debug("endpointReadDone",
		slog.Any("err", err),
		slog.String("errClass", e.errCls.Classify(err)),
		slog.Int("ioBytesCount", n),
		slog.String("localAddr", e.laddr),
		slog.String("remoteAddr", e.raddr),
		slog.Time("t0", t0),
		slog.Time("t", e.now()))

	if n > 0 {
		slice.CommitRead(n)
		buffer.Append(slice)
	} else {
		e.quota.Release(slice)
	}

	if err != nil {
		e.markFatal()
		return e.classifyIOError(err)
	}
	return OkStatus()
}

// Write promises that once onWritable is invoked with success, every
// byte of data has been handed to the kernel. At most one outstanding
// Write per endpoint is permitted; overlapping calls abort the
// process (§4.4).
func (e *Endpoint) Write(data *quota.Buffer, onWritable WriteCallback) {
	runtimex.Assert(e.writeInFlight.CompareAndSwap(false, true))

	if e.idle != nil {
		e.idle.IncreaseCallCount()
	}

	e.svc.RunNow(func() {
		defer e.writeInFlight.Store(false)
		defer func() {
			if e.idle != nil {
				e.idle.DecreaseCallCount()
			}
		}()
		status := e.doWrite(data)
		onWritable(status)
	})
}

func (e *Endpoint) doWrite(data *quota.Buffer) Status {
	if e.fatal.Load() {
		return NewStatus(StatusCancelled, net.ErrClosed)
	}

	t0 := e.now()
	e.logger.Debug("endpointWriteStart",
		slog.Int("ioBufferSize", data.Len()),
		slog.String("localAddr", e.laddr),
		slog.String("remoteAddr", e.raddr),
		slog.Time("t", t0))

	var err error
	for data.Len() > 0 {
		chunk := data.Consume(data.Len())
		var n int
		n, err = e.conn.Write(chunk)
		if n < len(chunk) && err == nil {
			err = net.ErrClosed
		}
		if err != nil {
			break
		}
	}

	e.logger.Debug("endpointWriteDone",
		slog.Any("err", err),
		slog.String("errClass", e.errCls.Classify(err)),
		slog.String("localAddr", e.laddr),
		slog.String("remoteAddr", e.raddr),
		slog.Time("t0", t0),
		slog.Time("t", e.now()))

	if err != nil {
		e.markFatal()
		return e.classifyIOError(err)
	}
	return OkStatus()
}

// classifyIOError maps a read/write failure to a [Status]; the
// endpoint is not reusable after any I/O failure (§4.4), which
// markFatal enforces independent of this classification.
func (e *Endpoint) classifyIOError(err error) Status {
	switch {
	case errors.Is(err, net.ErrClosed):
		return NewStatus(StatusCancelled, err)
	case isDeadlineExceeded(err):
		return NewStatus(StatusDeadlineExceeded, err)
	default:
		return NewStatus(StatusUnreachable, err)
	}
}

func (e *Endpoint) markFatal() {
	if e.fatal.CompareAndSwap(false, true) {
		e.conn.Close()
	}
}

// Close synchronously closes the underlying socket exactly once and
// marks the endpoint unusable for future Read/Write calls. Any
// pending Read/Write already queued on the worker pool still observes
// fatal and reports a cancelled [Status]; this method itself never
// blocks on I/O beyond [net.Conn.Close] (§4.4).
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.fatal.Store(true)
		err = e.conn.Close()
		if e.idle != nil {
			e.idle.Disconnect()
		}
	})
	return err
}
