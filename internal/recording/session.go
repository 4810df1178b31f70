package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/gostt-dictate/internal/audio"
	"github.com/chaz8081/gostt-dictate/internal/fault"
)

// minViableDuration is the shortest recording worth transcribing.
const minViableDuration = 300 * time.Millisecond

// Result is the outcome of one recording. The caller owns it; the file at
// Path stays in the sandbox until it is transcribed or discarded.
type Result struct {
	Success    bool
	Path       string
	FrameCount int
	ByteCount  int
	// Silent marks a successful recording below the minimum viable size.
	Silent bool
	// Failure is set when nothing could be persisted, or to DeviceFailure
	// when a partial recording survived a device loss.
	Failure  fault.Kind
	Err      error
	Device   string
	Duration time.Duration
}

// Options configures a Recorder.
type Options struct {
	// MinViableBytes below which a recording is flagged Silent. Zero means
	// 300ms at the capture format.
	MinViableBytes int
	Logger         *slog.Logger
}

// Recorder binds the capture service to a sandbox: it starts sessions and
// finalizes their takes into WAV files.
type Recorder struct {
	capture   *audio.Service
	sandbox   *Sandbox
	minViable int
	log       *slog.Logger
}

// NewRecorder creates a Recorder writing into sandbox.
func NewRecorder(capture *audio.Service, sandbox *Sandbox, opts Options) *Recorder {
	if opts.MinViableBytes <= 0 {
		cfg := capture.Config()
		opts.MinViableBytes = int(time.Duration(cfg.SampleRate)*minViableDuration/time.Second) * cfg.BytesPerFrame()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Recorder{
		capture:   capture,
		sandbox:   sandbox,
		minViable: opts.MinViableBytes,
		log:       opts.Logger,
	}
}

// Sandbox returns the directory recordings are written to.
func (r *Recorder) Sandbox() *Sandbox { return r.sandbox }

// Start begins a capture session on dev.
func (r *Recorder) Start(dev audio.Device, onLevel audio.LevelFunc, onError audio.ErrorFunc) (*audio.Session, error) {
	return r.capture.Start(dev, onLevel, onError)
}

// Stop ends sess and persists what it captured.
func (r *Recorder) Stop(sess *audio.Session) Result {
	take, err := r.capture.Stop(sess)
	if err != nil {
		return Result{Failure: fault.DeviceUnavailable, Err: fault.New(fault.DeviceUnavailable, "recording: stop", err)}
	}
	return r.Finalize(take)
}

// Finalize writes take into a new WAV file in the sandbox. An empty take is
// reported as a failure without creating a file; a short one succeeds with
// Silent set.
func (r *Recorder) Finalize(take audio.Take) Result {
	const op = "recording: finalize"

	res := Result{
		FrameCount: take.FrameCount,
		ByteCount:  take.ByteCount,
		Failure:    take.Failure,
		Err:        take.Err,
		Device:     take.Device.DisplayName,
	}
	if take.Config.SampleRate > 0 {
		res.Duration = time.Duration(take.FrameCount) * time.Second / time.Duration(take.Config.SampleRate)
	}

	if take.ByteCount == 0 {
		if res.Failure == "" {
			res.Failure = fault.InvalidAudio
			res.Err = fault.Newf(fault.InvalidAudio, op, "no audio captured")
		}
		return res
	}

	path, err := r.sandbox.Resolve(r.sandbox.NewName(".wav"))
	if err != nil {
		res.Failure = fault.ResourceExhausted
		res.Err = fault.New(fault.ResourceExhausted, op, err)
		return res
	}
	if err := writeWAV(path, take.Frames, int(take.Config.SampleRate), int(take.Config.Channels)); err != nil {
		kind := fault.ClassifyIO(err)
		if kind == "" || kind == fault.InvalidAudio {
			kind = fault.TransientIO
		}
		res.Failure = kind
		res.Err = fault.New(kind, op, err)
		r.log.Warn("recording: writing file failed", "error", err)
		return res
	}

	res.Success = true
	res.Path = path
	res.Silent = take.ByteCount < r.minViable
	r.log.Debug("recording: finalized", "path", path, "bytes", take.ByteCount, "silent", res.Silent)
	return res
}

// Discard deletes the file behind res. Files outside the sandbox are left
// alone.
func (r *Recorder) Discard(res Result) error {
	if res.Path == "" {
		return nil
	}
	path, err := r.sandbox.Resolve(res.Path)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("recording: discard: %w", err)
	}
	return nil
}
