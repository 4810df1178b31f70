// Package controller ties capture, model loading, transcription dispatch and
// text delivery into the start/stop dictation cycle.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gostt-dictate/internal/audio"
	"github.com/chaz8081/gostt-dictate/internal/config"
	"github.com/chaz8081/gostt-dictate/internal/dispatch"
	"github.com/chaz8081/gostt-dictate/internal/fault"
	"github.com/chaz8081/gostt-dictate/internal/model"
	"github.com/chaz8081/gostt-dictate/internal/recording"
)

// Status is what the UI shows.
type Status int

const (
	StatusIdle Status = iota
	StatusRecording
	StatusProcessing
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRecording:
		return "recording"
	case StatusProcessing:
		return "processing"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrDetached is returned by Start after Detach or Close.
var ErrDetached = errors.New("controller: detached")

// TextSink receives successful transcripts.
type TextSink interface {
	Inject(text string) error
}

// Result is the end of one dictation cycle: Text, a classified Err, or
// Silent when nothing was said.
type Result struct {
	Text string
	Err  error
	Kind fault.Kind
	// Silent reports a cycle without speech: the recording was too short to
	// transcribe or the engine returned no text. Text is empty, Err is nil
	// and the recording is already deleted.
	Silent    bool
	Recording recording.Result
	Attempts  []dispatch.Attempt

	outcome *dispatch.Outcome
}

// Ack confirms the result was consumed. For a transcript the recording is
// deleted; for anything else it is a no-op.
func (r Result) Ack() error {
	if r.outcome == nil {
		return nil
	}
	return r.outcome.Ack()
}

// Options configures a Controller.
type Options struct {
	StatusBuffer int
	LevelBuffer  int
	// Settings supplies the device and engine choice at the start of each
	// recording.
	Settings func() config.Snapshot
	// Sink gets the transcript before the Result is delivered. Optional.
	Sink   TextSink
	Logger *slog.Logger
}

// Controller runs dictation cycles. Start and Stop may be called from any
// goroutine; results are delivered on Results in completion order.
type Controller struct {
	registry *audio.Registry
	recorder *recording.Recorder
	loader   *model.Loader
	disp     *dispatch.Dispatcher
	settings func() config.Snapshot
	sink     TextSink
	log      *slog.Logger

	status  chan Status
	levels  chan float64
	results chan Result

	ctx    context.Context // cancelled on Detach
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	sess          *audio.Session
	snap          config.Snapshot
	detached      bool
	current       Status
	droppedStatus int
	droppedLevels int
}

// New creates a Controller.
func New(registry *audio.Registry, recorder *recording.Recorder, loader *model.Loader, disp *dispatch.Dispatcher, opts Options) *Controller {
	if opts.StatusBuffer <= 0 {
		opts.StatusBuffer = 8
	}
	if opts.LevelBuffer <= 0 {
		opts.LevelBuffer = 32
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Settings == nil {
		opts.Settings = func() config.Snapshot { return config.Default().Snapshot() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		registry: registry,
		recorder: recorder,
		loader:   loader,
		disp:     disp,
		settings: opts.Settings,
		sink:     opts.Sink,
		log:      opts.Logger,
		status:   make(chan Status, opts.StatusBuffer),
		levels:   make(chan float64, opts.LevelBuffer),
		results:  make(chan Result),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Status returns the status stream. Updates are dropped while it is full.
func (c *Controller) Status() <-chan Status { return c.status }

// Levels returns the input level stream, in [0,1].
func (c *Controller) Levels() <-chan float64 { return c.levels }

// Results returns the result stream. Results are never dropped: processing
// waits for the reader until Detach.
func (c *Controller) Results() <-chan Result { return c.results }

// Current returns the last status set.
func (c *Controller) Current() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Recording reports whether a capture session is active.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Dropped returns how many status updates and level samples were dropped
// because the UI did not keep up.
func (c *Controller) Dropped() (status, levels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedStatus, c.droppedLevels
}

// Start begins recording with the current settings. A recording that is
// already running is stopped and processed first. The model is loaded in
// the background while the user speaks.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return ErrDetached
	}
	prev := c.sess
	c.sess = nil
	c.mu.Unlock()

	if prev != nil {
		c.log.Info("controller: start while recording, finishing previous recording")
		c.finish(prev)
	}

	snap := c.settings()
	dev, err := c.registry.Resolve(snap.DeviceID)
	if err != nil {
		err = fault.New(fault.DeviceUnavailable, "controller: start", err)
		c.fail(err)
		return err
	}

	started := make(chan *audio.Session, 1)
	sess, err := c.recorder.Start(dev, c.sendLevel, func(kind fault.Kind) {
		c.log.Warn("controller: capture failed", "kind", kind)
		c.setStatus(StatusError)
		go func() { c.take(<-started) }()
	})
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		started <- sess
		c.discard(c.recorder.Stop(sess))
		return ErrDetached
	}
	c.sess = sess
	c.snap = snap
	c.wg.Add(1) // prewarm
	c.mu.Unlock()
	started <- sess

	c.setStatus(StatusRecording)
	c.log.Info("controller: recording", "device", dev.DisplayName, "engine", snap.Engine.Kind)

	go func() {
		defer c.wg.Done()
		if _, err := c.loader.EnsureLoaded(c.ctx, snap.Engine); err != nil && c.ctx.Err() == nil {
			c.log.Warn("controller: model prewarm failed", "error", err)
		}
	}()
	return nil
}

// Stop ends the current recording and transcribes it in the background. It
// is a no-op when nothing is recording.
func (c *Controller) Stop() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.finish(sess)
}

// take finishes sess if it is still the active session.
func (c *Controller) take(sess *audio.Session) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.mu.Unlock()
	c.finish(sess)
}

// finish stops sess and processes its recording in the background. After
// Detach the recording is discarded instead. wg.Add is only called under
// c.mu while attached.
func (c *Controller) finish(sess *audio.Session) {
	c.mu.Lock()
	snap := c.snap
	detached := c.detached
	if !detached {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	res := c.recorder.Stop(sess)
	if detached {
		c.log.Info("controller: detached, discarding recording")
		c.discard(res)
		return
	}
	c.setStatus(StatusProcessing)

	go func() {
		defer c.wg.Done()
		c.process(res, snap)
	}()
}

func (c *Controller) process(rec recording.Result, snap config.Snapshot) {
	if !rec.Success {
		c.deliver(Result{Err: rec.Err, Kind: rec.Failure, Recording: rec})
		return
	}
	if rec.Failure != "" {
		c.log.Warn("controller: transcribing partial recording", "kind", rec.Failure, "bytes", rec.ByteCount)
	}
	if rec.Silent {
		c.log.Info("controller: recording too short, skipping", "duration", rec.Duration)
		c.discard(rec)
		c.deliver(Result{Silent: true, Recording: rec})
		return
	}

	start := time.Now()
	h, err := c.loader.EnsureLoaded(c.ctx, snap.Engine)
	if err != nil {
		c.deliver(Result{Err: err, Kind: dispatch.Classify(err), Recording: rec})
		return
	}

	out, err := c.disp.Transcribe(c.ctx, rec.Path, h)
	if err != nil {
		res := Result{Err: err, Kind: dispatch.Classify(err), Recording: rec}
		var derr *dispatch.Error
		if errors.As(err, &derr) {
			res.Attempts = derr.Attempts
		}
		c.deliver(res)
		return
	}
	c.log.Info("controller: transcribed", "elapsed", time.Since(start).Round(time.Millisecond), "chars", len(out.Text), "attempts", len(out.Attempts))

	if out.Text == "" {
		c.log.Info("controller: no speech detected")
		if err := out.Ack(); err != nil {
			c.log.Warn("controller: removing recording", "error", err)
		}
		c.deliver(Result{Silent: true, Recording: rec, Attempts: out.Attempts})
		return
	}
	if c.sink != nil {
		if err := c.sink.Inject(out.Text); err != nil {
			c.log.Warn("controller: text injection failed", "error", err)
		}
	}
	c.deliver(Result{Text: out.Text, Recording: rec, Attempts: out.Attempts, outcome: out})
}

// deliver blocks until the result is read or the controller is detached.
// An undelivered transcript releases its recording.
func (c *Controller) deliver(res Result) {
	if res.Err != nil {
		c.log.Warn("controller: dictation failed", "kind", res.Kind, "error", res.Err)
		c.setStatus(StatusError)
	} else {
		c.setStatus(StatusIdle)
	}
	select {
	case c.results <- res:
	case <-c.ctx.Done():
		if res.outcome != nil {
			res.outcome.Release()
		}
	}
}

func (c *Controller) fail(err error) {
	c.log.Warn("controller: start failed", "error", err)
	c.setStatus(StatusError)
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = s
	if c.detached {
		return
	}
	select {
	case c.status <- s:
	default:
		c.droppedStatus++
	}
}

func (c *Controller) sendLevel(level float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return
	}
	select {
	case c.levels <- level:
	default:
		c.droppedLevels++
	}
}

// Detach closes the status and level streams and stops waiting for result
// readers. Recording stays untouched; Start is refused afterwards.
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return
	}
	c.detached = true
	c.cancel()
	close(c.status)
	close(c.levels)
}

// Wait blocks until background processing has finished or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches, stops any recording without transcribing it and waits
// for background work.
func (c *Controller) Close(ctx context.Context) error {
	c.Detach()
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess != nil {
		c.discard(c.recorder.Stop(sess))
	}
	return c.Wait(ctx)
}

func (c *Controller) discard(res recording.Result) {
	if err := c.recorder.Discard(res); err != nil {
		c.log.Warn("controller: discarding recording", "error", err)
	}
}
