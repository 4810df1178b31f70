package model

import (
	"sync"
	"sync/atomic"

	"github.com/chaz8081/gostt-dictate/internal/fault"
	"github.com/chaz8081/gostt-dictate/internal/transcribe"
)

// State is the lifecycle state of an engine handle.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle is the single live reference to one engine instance and the
// options it was built from. Only the Loader changes it.
type Handle struct {
	id    uint64
	cfg   transcribe.Options
	state atomic.Int32
	done  chan struct{} // closed once Ready or Failed

	// set before done is closed, read-only afterwards
	err error

	retired atomic.Bool
	stale   bool // superseded by Reconfigure or Close; guarded by Loader.mu

	mu     sync.RWMutex // shared by users, exclusive for teardown
	engine transcribe.Engine
}

func newHandle(id uint64, cfg transcribe.Options) *Handle {
	h := &Handle{id: id, cfg: cfg, done: make(chan struct{})}
	h.state.Store(int32(StateLoading))
	return h
}

// ID identifies the handle in logs.
func (h *Handle) ID() uint64 { return h.id }

// Config returns the options the engine was built from.
func (h *Handle) Config() transcribe.Options { return h.cfg }

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Err returns the load failure of a Failed handle.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Retired reports whether the loader has released this handle.
func (h *Handle) Retired() bool { return h.retired.Load() }

// Acquire returns the engine for one use. The engine stays valid until
// release is called; teardown waits for outstanding releases. A retired or
// failed handle yields an EngineCrash error.
func (h *Handle) Acquire() (transcribe.Engine, func(), error) {
	h.mu.RLock()
	if h.retired.Load() || h.engine == nil {
		h.mu.RUnlock()
		return nil, nil, fault.Newf(fault.EngineCrash, "model: acquire", "engine %d is not available", h.id)
	}
	var once sync.Once
	return h.engine, func() { once.Do(h.mu.RUnlock) }, nil
}

// teardown waits for current users and closes the engine.
func (h *Handle) teardown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine == nil {
		return nil
	}
	err := h.engine.Close()
	h.engine = nil
	return err
}
