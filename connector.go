// SPDX-License-Identifier: GPL-3.0-or-later

package ioengine

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/ioengine/idletracker"
	"github.com/bassosimone/ioengine/quota"
	"github.com/bassosimone/ioengine/taskqueue"
)

// ConnectCallback delivers the outcome of a [*Connector.Connect]
// attempt: endpoint is non-nil exactly when status.Ok() holds (§4.6).
type ConnectCallback func(endpoint *Endpoint, status Status)

// ConnectHandle identifies an in-flight connect attempt for
// [*Connector.CancelConnect]. The zero value never identifies a real
// attempt.
type ConnectHandle struct {
	id uint64
}

// Connector is the spec's §4.6 component: initiates outbound
// connections with a deadline and a pre-completion cancel handle. It
// composes the teacher's [*ConnectFunc] (dial) and [*ObserveConnFunc]
// (I/O logging) into one asynchronous Connect operation; the deadline
// and CancelConnect both act through the [context.WithDeadline]
// context passed to the dial.
type Connector struct {
	cfg    *Config
	svc    *taskqueue.Service
	quota  *quota.Quota
	logger SLogger

	connectFn *ConnectFunc
	observeFn *ObserveConnFunc

	mu      sync.Mutex
	pending map[uint64]context.CancelFunc
	nextID  atomic.Uint64
}

// NewConnector returns a [*Connector] dialing over network ("tcp" or
// "udp").
func NewConnector(cfg *Config, network string, svc *taskqueue.Service, q *quota.Quota, logger SLogger) *Connector {
	return &Connector{
		cfg:       cfg,
		svc:       svc,
		quota:     q,
		logger:    logger,
		connectFn: NewConnectFunc(cfg, network, logger),
		observeFn: NewObserveConnFunc(cfg, logger),
		pending:   make(map[uint64]context.CancelFunc),
	}
}

// Connect initiates an outbound connection to address, to complete by
// deadline. It returns an immediate error only when synchronous setup
// fails before any asynchronous work was scheduled; in the ok case,
// exactly one future invocation of onConnect follows, delivering
// either a new [*Endpoint] or a failure [Status] (§4.6).
func (c *Connector) Connect(address netip.AddrPort, deadline time.Time, onConnect ConnectCallback) (ConnectHandle, error) {
	if !address.IsValid() {
		return ConnectHandle{}, net.InvalidAddrError("ioengine: invalid connect target")
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)

	id := c.nextID.Add(1)
	c.mu.Lock()
	c.pending[id] = cancel
	c.mu.Unlock()

	c.svc.RunNow(func() {
		endpoint, status := c.doConnect(ctx, address)
		c.mu.Lock()
		_, stillPending := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		cancel()
		if !stillPending {
			// CancelConnect already removed this entry and will
			// report the authoritative outcome; avoid a double
			// callback. If the connection actually completed, it has
			// no other owner at this point and must still be closed.
			if endpoint != nil {
				endpoint.Close()
			}
			return
		}
		onConnect(endpoint, status)
	})

	return ConnectHandle{id: id}, nil
}

func (c *Connector) doConnect(ctx context.Context, address netip.AddrPort) (*Endpoint, Status) {
	conn, err := c.connectFn.Call(ctx, address)
	if err != nil {
		return nil, c.classifyConnectError(err)
	}

	observed, err := c.observeFn.Call(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, NewStatus(StatusInternal, err)
	}

	child := c.quota.NewChild(address.String(), quota.Unlimited)
	var idle *idletracker.Tracker
	if c.cfg.ClientIdleTimeout > 0 {
		idle = idletracker.New(c.svc, c.cfg.ClientIdleTimeout, func() {}, c.logger)
	}
	endpoint := NewEndpoint(observed, c.cfg, c.svc, child, idle, c.logger)
	return endpoint, OkStatus()
}

func (c *Connector) classifyConnectError(err error) Status {
	switch {
	case isDeadlineExceeded(err):
		return NewStatus(StatusDeadlineExceeded, err)
	case isCancelled(err):
		return NewStatus(StatusCancelled, err)
	default:
		return NewStatus(StatusUnreachable, err)
	}
}

// CancelConnect attempts to abort attempt h. It returns true if the
// attempt had not yet completed and onConnect is now guaranteed never
// to run; it returns false if the attempt has already completed, or
// is concurrently completing, in which case onConnect will still run
// with either success or a non-cancel failure (§4.6).
func (c *Connector) CancelConnect(h ConnectHandle) bool {
	c.mu.Lock()
	cancel, ok := c.pending[h.id]
	if ok {
		delete(c.pending, h.id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}
