// Package model owns the lifecycle of the speech-recognition engine:
// loading it once per configuration, sharing it between callers and
// releasing it on reconfiguration or shutdown.
package model

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gostt-dictate/internal/fault"
	"github.com/chaz8081/gostt-dictate/internal/transcribe"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("model: loader closed")

// DefaultLoadTimeout bounds how long EnsureLoaded waits.
const DefaultLoadTimeout = 60 * time.Second

// Options configures a Loader.
type Options struct {
	LoadTimeout time.Duration
	Logger      *slog.Logger
}

// Loader is a guarded state machine around one engine handle:
// Unloaded -> Loading -> Ready | Failed. Concurrent EnsureLoaded calls share
// one load.
type Loader struct {
	factory transcribe.Factory
	timeout time.Duration
	log     *slog.Logger

	ctx    context.Context // loads run under this; canceled by Close
	cancel context.CancelFunc

	mu       sync.Mutex
	current  *Handle
	released chan struct{} // closed when the last retired engine is gone
	nextID   uint64
	target   *transcribe.Options
	closed   bool
	loads    sync.WaitGroup
}

// NewLoader creates a Loader that builds engines with factory.
func NewLoader(factory transcribe.Factory, opts Options) *Loader {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	released := make(chan struct{})
	close(released)
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		factory:  factory,
		timeout:  opts.LoadTimeout,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		released: released,
	}
}

// State reports the loader's state; Unloaded when no handle is current.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return StateUnloaded
	}
	return l.current.State()
}

// Target returns the options passed to the last Reconfigure, if any.
func (l *Loader) Target() (transcribe.Options, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.target == nil {
		return transcribe.Options{}, false
	}
	return *l.target, true
}

// EnsureLoaded returns a Ready handle built from cfg, loading it if needed.
// While a load is in flight callers wait for it instead of starting
// another. Waiting longer than the load timeout yields a LoadTimeout error
// while the load keeps running; a failed load yields EngineLoadFailure.
func (l *Loader) EnsureLoaded(ctx context.Context, cfg transcribe.Options) (*Handle, error) {
	deadline := time.Now().Add(l.timeout)
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}

		released := l.released
		select {
		case <-released:
		default:
			l.mu.Unlock()
			if err := l.wait(ctx, released, deadline); err != nil {
				return nil, err
			}
			continue
		}

		h := l.current
		switch {
		case h == nil:
			h = l.startLocked(cfg)
		case h.State() == StateLoading && (h.stale || h.cfg != cfg):
			// A queued reconfigure or a different config: let the
			// in-flight load finish first, then start over.
			l.mu.Unlock()
			if err := l.wait(ctx, h.done, deadline); err != nil {
				return nil, err
			}
			continue
		case h.cfg != cfg || h.State() == StateFailed:
			l.retireLocked(h, "replaced")
			l.mu.Unlock()
			continue
		}
		l.mu.Unlock()

		if err := l.wait(ctx, h.done, deadline); err != nil {
			return nil, err
		}
		if h.err != nil {
			return nil, h.err
		}
		return h, nil
	}
}

// Reconfigure releases the current engine so that the next EnsureLoaded
// builds a fresh one. A load in flight completes first and is torn down
// right after.
func (l *Loader) Reconfigure(cfg transcribe.Options) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = &cfg
	h := l.current
	if h == nil {
		return
	}
	h.stale = true
	if h.State() == StateLoading {
		l.log.Info("model: reconfigure queued behind load", "handle", h.id, "engine", cfg)
		return
	}
	l.retireLocked(h, "reconfigured")
}

// Reload replaces h with a fresh engine built from the same options. If h
// was already replaced, the current handle for those options is returned.
// A handle superseded by Reconfigure is never rebuilt; the engine for the
// reconfigured options is returned instead.
func (l *Loader) Reload(ctx context.Context, h *Handle) (*Handle, error) {
	l.mu.Lock()
	cfg := h.cfg
	switch {
	case h.stale && l.target != nil:
		cfg = *l.target
	case l.current == h && h.State() != StateLoading:
		l.retireLocked(h, "reload")
	}
	l.mu.Unlock()
	return l.EnsureLoaded(ctx, cfg)
}

// Close releases the engine and rejects further loads. It waits, bounded by
// ctx, for in-flight loads and teardowns to finish.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cancel()
	if h := l.current; h != nil {
		if h.State() == StateLoading {
			h.stale = true
		} else {
			l.retireLocked(h, "closed")
		}
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.loads.Wait()
		l.mu.Lock()
		released := l.released
		l.mu.Unlock()
		<-released
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loader) startLocked(cfg transcribe.Options) *Handle {
	l.nextID++
	h := newHandle(l.nextID, cfg)
	l.current = h
	l.loads.Add(1)
	l.log.Info("model: loading engine", "handle", h.id, "engine", cfg)
	go l.load(h)
	return h
}

func (l *Loader) load(h *Handle) {
	defer l.loads.Done()
	start := time.Now()
	engine, err := l.factory(l.ctx, h.cfg)

	l.mu.Lock()
	defer l.mu.Unlock()

	h.mu.Lock()
	h.engine = engine
	h.mu.Unlock()
	if err != nil {
		h.err = fault.New(fault.EngineLoadFailure, "model: load", err)
		h.state.Store(int32(StateFailed))
		l.log.Warn("model: engine load failed", "handle", h.id, "error", err,
			"host_incompatible", errors.Is(err, transcribe.ErrHostIncompatible))
	} else {
		h.state.Store(int32(StateReady))
		l.log.Info("model: engine ready", "handle", h.id, "elapsed", time.Since(start).Round(time.Millisecond))
	}
	close(h.done)

	if h.stale && l.current == h {
		l.retireLocked(h, "reconfigured during load")
	}
}

// retireLocked detaches h and tears it down in the background. New loads
// wait on l.released until the engine is closed. l.mu must be held.
func (l *Loader) retireLocked(h *Handle, reason string) {
	if l.current == h {
		l.current = nil
	}
	if h.retired.Swap(true) {
		return
	}
	prev := l.released
	released := make(chan struct{})
	l.released = released
	l.log.Debug("model: releasing engine", "handle", h.id, "reason", reason)
	go func() {
		<-prev
		if err := h.teardown(); err != nil {
			l.log.Warn("model: closing engine", "handle", h.id, "error", err)
		}
		close(released)
	}()
}

// wait blocks until ch is closed, ctx is done or the deadline passes.
func (l *Loader) wait(ctx context.Context, ch <-chan struct{}, deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fault.Newf(fault.LoadTimeout, "model: ensure loaded", "engine not ready after %s", l.timeout)
	}
}
