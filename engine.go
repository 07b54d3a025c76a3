// SPDX-License-Identifier: GPL-3.0-or-later

package ioengine

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"

	"github.com/bassosimone/ioengine/quota"
	"github.com/bassosimone/ioengine/taskqueue"
)

// Engine is the spec's §4.7 Engine Façade: it aggregates the
// Task/Timer service and the root quota, and is the single factory for
// Listeners, Connectors, and Resolvers so that every component an
// application creates shares one worker pool, one timer-manager
// goroutine, and one memory accounting tree.
//
// Engine holds no mutable user state beyond what its contained
// services require. Its destruction precondition is that no
// outstanding listeners, connect attempts, tasks, or DNS lookups
// remain; [*Engine.Close] asserts this via
// [github.com/bassosimone/runtimex.Assert] rather than leaving it
// undefined behavior, following the teacher's convention of aborting
// on programmer error instead of silently corrupting state. Open
// Endpoints are not counted: Close detects an Endpoint only while it
// has a Read or Write (or an idle-tracker timer) pending on the
// Task/Timer service.
type Engine struct {
	cfg    *Config
	svc    *taskqueue.Service
	quota  *quota.Quota
	logger SLogger

	liveListeners atomic.Int64
}

// NewEngine starts an [*Engine] with workers worker goroutines (0 or
// negative means [runtime.GOMAXPROCS](0)) backing its Task/Timer
// service, and logger for every component it creates.
func NewEngine(cfg *Config, workers int, logger SLogger) *Engine {
	if logger == nil {
		logger = DefaultSLogger()
	}
	return &Engine{
		cfg:    cfg,
		svc:    taskqueue.NewService(workers, cfg.TimeNow, logger),
		quota:  cfg.Quota,
		logger: logger,
	}
}

// RunNow schedules closure for earliest-possible execution on the
// engine's Task/Timer service (§4.2).
func (e *Engine) RunNow(closure func()) {
	e.svc.RunNow(closure)
}

// RunAt schedules closure to run at deadline on the engine's
// Task/Timer service, returning a cancellable handle (§4.2).
func (e *Engine) RunAt(deadline time.Time, closure func()) taskqueue.Handle {
	return e.svc.RunAt(deadline, closure)
}

// CancelTask cancels a handle returned by [*Engine.RunAt] (§4.2).
func (e *Engine) CancelTask(h taskqueue.Handle) bool {
	return e.svc.Cancel(h)
}

// NewListener returns a [*Listener] that creates its accepted
// Endpoints against the engine's quota and Task/Timer service.
func (e *Engine) NewListener(onAccept AcceptCallback, onShutdown ShutdownCallback) *Listener {
	e.liveListeners.Add(1)
	wrapped := func(status Status) {
		e.liveListeners.Add(-1)
		onShutdown(status)
	}
	return NewListener(e.cfg, e.svc, e.quota, onAccept, wrapped, e.logger)
}

// NewConnector returns a [*Connector] dialing over network ("tcp" or
// "udp") that creates its Endpoint against the engine's quota and
// Task/Timer service.
func (e *Engine) NewConnector(network string) *Connector {
	return NewConnector(e.cfg, network, e.svc, e.quota, e.logger)
}

// NewResolver returns a [*Resolver] sharing the engine's configuration,
// Task/Timer service, and logger.
func (e *Engine) NewResolver(strategy Strategy, serverAddr netip.AddrPort, serverName, dohURL string) *Resolver {
	return NewResolver(e.cfg, strategy, serverAddr, serverName, dohURL, e.svc, e.logger)
}

// Close asserts that no listener created by this engine is still
// live, then closes the Task/Timer service. Connectors and Resolvers
// have no separate lifetime of their own: every connect attempt and
// DNS lookup they run is itself a closure dispatched through e.svc, so
// the service's own outstanding-work assertion (in [*taskqueue.Service.Close])
// already covers "no outstanding connect attempts or DNS lookups"
// without a redundant counter here.
func (e *Engine) Close() {
	runtimex.Assert(e.liveListeners.Load() == 0)
	e.svc.Close()
}
