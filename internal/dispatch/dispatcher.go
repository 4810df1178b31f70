// Package dispatch runs recognition on finished recordings. It classifies
// failures, retries what is retryable within a wall-clock budget and
// decides what happens to the audio file afterwards.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/chaz8081/gostt-dictate/internal/fault"
	"github.com/chaz8081/gostt-dictate/internal/model"
	"github.com/chaz8081/gostt-dictate/internal/recording"
)

// ErrInFlight is returned when a file is already being transcribed or has
// a transcript awaiting acknowledgement.
var ErrInFlight = errors.New("dispatch: recording already claimed")

// Defaults for Options.
const (
	DefaultBaseDelay           = 200 * time.Millisecond
	DefaultMaxDelay            = 2 * time.Second
	DefaultMaxTransientRetries = 3
	DefaultBudget              = 2 * time.Minute
)

// Reloader rebuilds a crashed engine.
type Reloader interface {
	Reload(ctx context.Context, h *model.Handle) (*model.Handle, error)
}

// Options configures a Dispatcher.
type Options struct {
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	MaxTransientRetries int
	Budget              time.Duration
	// Probe runs before every attempt. Nil skips the check.
	Probe ResourceProbe
	// Retention receives terminally failed recordings. Nil leaves them in
	// place.
	Retention *Retention
	Logger    *slog.Logger
}

// Attempt records one try.
type Attempt struct {
	Number int
	Kind   fault.Kind    // empty on success
	Delay  time.Duration // wait before the next attempt
}

// Error is a terminal transcription failure.
type Error struct {
	Attempts []Attempt
	// Retained is where the recording was kept for diagnosis, if anywhere.
	Retained string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: transcription failed after %d attempt(s): %v", len(e.Attempts), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind returns the failure kind.
func (e *Error) Kind() fault.Kind { return Classify(e.Err) }

// Outcome is a successful transcription. The recording stays on disk and
// claimed until Ack or Release is called.
type Outcome struct {
	Text     string
	Path     string
	Attempts []Attempt
	// Handle is the engine handle that produced Text; it differs from the
	// one passed in after a reload.
	Handle *model.Handle

	d    *Dispatcher
	once sync.Once
}

// Ack confirms receipt of the text. The recording is deleted.
func (o *Outcome) Ack() error {
	var err error
	o.once.Do(func() {
		defer o.d.unclaim(o.Path)
		if rmErr := os.Remove(o.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = fmt.Errorf("dispatch: removing %s: %w", o.Path, rmErr)
		}
	})
	return err
}

// Release gives up the claim without deleting the recording so that it
// can be transcribed again.
func (o *Outcome) Release() {
	o.once.Do(func() { o.d.unclaim(o.Path) })
}

// Dispatcher transcribes recordings with a retry policy:
// TransientIO is retried with exponential backoff, EngineCrash gets one
// engine reload and a single retry, everything else is terminal.
type Dispatcher struct {
	loader  Reloader
	sandbox *recording.Sandbox
	opts    Options
	log     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	claimed map[string]struct{}
}

// New creates a Dispatcher for recordings inside sandbox.
func New(loader Reloader, sandbox *recording.Sandbox, opts Options) *Dispatcher {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = max(DefaultMaxDelay, opts.BaseDelay)
	}
	if opts.MaxTransientRetries < 0 {
		opts.MaxTransientRetries = 0
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		loader:  loader,
		sandbox: sandbox,
		opts:    opts,
		log:     opts.Logger,
		sleep:   sleepContext,
		claimed: make(map[string]struct{}),
	}
}

// Transcribe runs recognition on the recording at path using h. Only a
// successful transcript or a terminal *Error is returned; retries happen
// inside. Cancelling ctx stops the retry loop between attempts but never
// interrupts a running attempt.
func (d *Dispatcher) Transcribe(ctx context.Context, path string, h *model.Handle) (*Outcome, error) {
	resolved, err := d.sandbox.Resolve(path)
	if err != nil {
		return nil, &Error{Err: fault.New(fault.InvalidAudio, "dispatch: transcribe", err)}
	}
	if err := d.claim(resolved); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(d.opts.Budget)
	actx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     d.opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         d.opts.MaxDelay,
	}
	bo.Reset()

	var (
		attempts  []Attempt
		transient int
		reloaded  bool
	)
	for n := 1; ; n++ {
		text, err := d.attempt(actx, resolved, h)
		if err == nil {
			attempts = append(attempts, Attempt{Number: n})
			d.log.Info("dispatch: transcribed", "file", resolved, "attempts", n, "chars", len(text))
			return &Outcome{Text: text, Path: resolved, Attempts: attempts, Handle: h, d: d}, nil
		}

		kind := Classify(err)
		a := Attempt{Number: n, Kind: kind}
		d.log.Warn("dispatch: attempt failed", "file", resolved, "attempt", n, "kind", kind, "error", err)

		switch kind {
		case fault.TransientIO:
			if transient >= d.opts.MaxTransientRetries {
				attempts = append(attempts, a)
				return nil, d.fail(resolved, attempts, err)
			}
			delay := bo.NextBackOff()
			if time.Now().Add(delay).After(deadline) {
				attempts = append(attempts, a)
				return nil, d.fail(resolved, attempts, fmt.Errorf("retry budget %s exhausted: %w", d.opts.Budget, err))
			}
			transient++
			a.Delay = delay
			attempts = append(attempts, a)
			if serr := d.sleep(ctx, delay); serr != nil {
				return nil, d.cancelled(resolved, attempts, serr)
			}

		case fault.EngineCrash:
			attempts = append(attempts, a)
			if reloaded {
				return nil, d.fail(resolved, attempts, err)
			}
			reloaded = true
			fresh, rerr := d.loader.Reload(actx, h)
			if rerr != nil {
				return nil, d.fail(resolved, attempts, rerr)
			}
			h = fresh

		default:
			attempts = append(attempts, a)
			return nil, d.fail(resolved, attempts, err)
		}

		if cerr := ctx.Err(); cerr != nil {
			return nil, d.cancelled(resolved, attempts, cerr)
		}
	}
}

// attempt runs one pre-flight check and recognition.
func (d *Dispatcher) attempt(ctx context.Context, path string, h *model.Handle) (string, error) {
	if d.opts.Probe != nil {
		if err := d.opts.Probe.Check(ctx, d.sandbox.Root()); err != nil {
			return "", err
		}
	}
	if _, err := recording.Inspect(path); err != nil {
		return "", err
	}
	engine, release, err := h.Acquire()
	if err != nil {
		return "", err
	}
	defer release()
	return engine.Transcribe(ctx, path)
}

// fail retains the recording and releases the claim.
func (d *Dispatcher) fail(path string, attempts []Attempt, cause error) error {
	defer d.unclaim(path)
	e := &Error{Attempts: attempts, Err: cause}
	if d.opts.Retention == nil {
		e.Retained = path
		return e
	}
	retained, err := d.opts.Retention.Retain(path)
	if err != nil {
		d.log.Warn("dispatch: retaining failed recording", "file", path, "error", err)
		e.Retained = path
		return e
	}
	e.Retained = retained
	return e
}

// cancelled leaves the recording in place for a later retry.
func (d *Dispatcher) cancelled(path string, attempts []Attempt, cause error) error {
	d.unclaim(path)
	return &Error{Attempts: attempts, Retained: path, Err: fault.New(fault.Canceled, "dispatch: transcribe", cause)}
}

func (d *Dispatcher) claim(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.claimed[path]; ok {
		return fmt.Errorf("%w: %s", ErrInFlight, path)
	}
	d.claimed[path] = struct{}{}
	return nil
}

func (d *Dispatcher) unclaim(path string) {
	d.mu.Lock()
	delete(d.claimed, path)
	d.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
