// Package hotkey turns a global key combination into start/stop commands
// using gohook. In "hold" mode the combo records while held; in "toggle"
// mode each press flips between recording and idle.
package hotkey

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	hook "github.com/robotn/gohook"
)

// Command is what the listener asks the controller to do.
type Command int

const (
	CommandStart Command = iota
	CommandStop
)

func (c Command) String() string {
	if c == CommandStart {
		return "start"
	}
	return "stop"
}

// Mode selects how key presses map to commands.
type Mode string

const (
	ModeHold   Mode = "hold"
	ModeToggle Mode = "toggle"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeHold, ModeToggle:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("hotkey: unknown mode %q", s)
	}
}

// machine translates key transitions into commands. Auto-repeated key-down
// events while held produce nothing.
type machine struct {
	mode   Mode
	held   bool
	active bool
}

// press handles a key-down of the combo.
func (m *machine) press() (Command, bool) {
	if m.held {
		return 0, false
	}
	m.held = true
	switch m.mode {
	case ModeToggle:
		m.active = !m.active
		if m.active {
			return CommandStart, true
		}
		return CommandStop, true
	default:
		m.active = true
		return CommandStart, true
	}
}

// release handles a key-up of the combo.
func (m *machine) release() (Command, bool) {
	if !m.held {
		return 0, false
	}
	m.held = false
	if m.mode == ModeHold && m.active {
		m.active = false
		return CommandStop, true
	}
	return 0, false
}

// Listener emits commands for a global hotkey.
type Listener struct {
	keys    []string
	ch      chan Command
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64

	mu sync.Mutex
	m  machine
}

// NewListener creates a Listener for the given key combo and mode.
// keys should be lowercase key names (e.g., ["ctrl", "shift", "r"]).
func NewListener(keys []string, mode Mode) *Listener {
	return &Listener{
		keys: keys,
		ch:   make(chan Command, 16),
		done: make(chan struct{}),
		m:    machine{mode: mode},
	}
}

// Commands returns the channel that receives commands.
// The channel is closed when the listener stops.
func (l *Listener) Commands() <-chan Command {
	return l.ch
}

// Dropped returns how many commands were discarded because the channel
// was full.
func (l *Listener) Dropped() int64 { return l.dropped.Load() }

// Start begins listening for the global hotkey.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(hook.Event) {
		l.mu.Lock()
		cmd, ok := l.m.press()
		l.mu.Unlock()
		if ok {
			l.emit(cmd)
		}
	})
	hook.Register(hook.KeyUp, l.keys, func(hook.Event) {
		l.mu.Lock()
		cmd, ok := l.m.release()
		l.mu.Unlock()
		if ok {
			l.emit(cmd)
		}
	})

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

func (l *Listener) emit(cmd Command) {
	select {
	case l.ch <- cmd:
	default: // don't block the hook thread
		l.dropped.Add(1)
		slog.Warn("hotkey: command dropped", "command", cmd)
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
