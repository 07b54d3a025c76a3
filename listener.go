// SPDX-License-Identifier: GPL-3.0-or-later

package ioengine

import (
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/bassosimone/runtimex"

	"github.com/bassosimone/ioengine/idletracker"
	"github.com/bassosimone/ioengine/quota"
	"github.com/bassosimone/ioengine/taskqueue"
)

// AcceptCallback is invoked once per accepted connection (§4.5).
type AcceptCallback func(endpoint *Endpoint)

// ShutdownCallback is invoked exactly once when a [*Listener]
// terminates (§4.5, §4.7).
type ShutdownCallback func(status Status)

// Listener is the spec's §4.5 component: it owns zero or more bound
// sockets before Start, one or more after, and emits Endpoints to an
// [AcceptCallback] until shutdown invokes its [ShutdownCallback]
// exactly once.
//
// Its bind/accept-loop shape follows the teacher's [*ConnectFunc]
// logging conventions, generalized from a single outbound dial into a
// multi-address inbound accept loop.
type Listener struct {
	cfg      *Config
	svc      *taskqueue.Service
	quota    *quota.Quota
	logger   SLogger
	onAccept AcceptCallback
	onDown   ShutdownCallback

	mu        sync.Mutex
	listeners []net.Listener
	started   bool
	wg        sync.WaitGroup

	shutdownOnce sync.Once
}

// NewListener returns a [*Listener] bound to nothing yet: call Bind
// one or more times, then Start.
func NewListener(cfg *Config, svc *taskqueue.Service, q *quota.Quota, onAccept AcceptCallback, onShutdown ShutdownCallback, logger SLogger) *Listener {
	return &Listener{
		cfg:      cfg,
		svc:      svc,
		quota:    q,
		logger:   logger,
		onAccept: onAccept,
		onDown:   onShutdown,
	}
}

// Bind reserves address for listening and returns the concrete port
// bound (resolving port 0 to an ephemeral assignment). Bind
// accumulates: repeated calls for different addresses add more
// listening sockets. Callable only before Start.
func (l *Listener) Bind(address string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	runtimex.Assert(!l.started)

	ln, err := net.Listen("tcp", address)
	if err != nil {
		l.logger.Info("listenerBindFailed",
			slog.String("address", address),
			slog.Any("err", err),
			slog.String("errClass", l.cfg.ErrClassifier.Classify(err)))
		return 0, err
	}

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		ln.Close()
		return 0, err
	}

	l.listeners = append(l.listeners, ln)
	l.logger.Info("listenerBound", slog.String("localAddr", ln.Addr().String()))
	return port, nil
}

// Start begins accepting on every bound socket. After Start, Bind
// fails.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	runtimex.Assert(!l.started)
	l.started = true

	for _, ln := range l.listeners {
		l.wg.Add(1)
		go l.acceptLoop(ln)
	}
	return nil
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.logger.Info("listenerAcceptDone",
				slog.String("localAddr", ln.Addr().String()),
				slog.Any("err", err),
				slog.String("errClass", l.cfg.ErrClassifier.Classify(err)))
			// Shutdown itself closes every listener and already
			// reports StatusCancelled; an Accept failure from any
			// other cause (e.g. file-descriptor exhaustion) must
			// still terminate and report through the same path, with
			// its own classified status. Run in its own goroutine:
			// shutdownWithStatus waits on l.wg, which this goroutine
			// is still a member of until it returns.
			go l.shutdownWithStatus(NewStatusFromError(err))
			return
		}
		l.dispatchAccepted(conn)
	}
}

func (l *Listener) dispatchAccepted(conn net.Conn) {
	// Every accepted Endpoint gets its own child quota, reserved for
	// its lifetime, per §4.5.
	child := l.quota.NewChild(conn.RemoteAddr().String(), quota.Unlimited)
	var idle *idletracker.Tracker
	if l.cfg.ClientIdleTimeout > 0 {
		idle = idletracker.New(l.svc, l.cfg.ClientIdleTimeout, func() {}, l.logger)
	}
	endpoint := NewEndpoint(conn, l.cfg, l.svc, child, idle, l.logger)

	l.svc.RunNow(func() {
		l.onAccept(endpoint)
	})
}

// Shutdown stops accepting, closes every bound socket, waits for the
// accept loops to exit, then invokes the listener's
// [ShutdownCallback] exactly once with a terminal status (§4.5).
func (l *Listener) Shutdown() {
	l.shutdownWithStatus(NewStatus(StatusCancelled, net.ErrClosed))
}

func (l *Listener) shutdownWithStatus(status Status) {
	l.shutdownOnce.Do(func() {
		l.mu.Lock()
		listeners := l.listeners
		l.mu.Unlock()

		for _, ln := range listeners {
			ln.Close()
		}
		l.wg.Wait()

		l.svc.RunNow(func() {
			l.onDown(status)
		})
	})
}
