package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/chaz8081/gostt-dictate/internal/fault"
)

// WhisperEngine wraps a whisper.cpp model for speech-to-text.
type WhisperEngine struct {
	opts Options

	mu    sync.Mutex // whisper contexts share the model; one decode at a time
	model whisper.Model
}

// NewWhisperEngine loads the whisper model at opts.ModelPath.
// The caller must call Close() when done.
func NewWhisperEngine(opts Options) (*WhisperEngine, error) {
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("transcribe: whisper model path not configured")
	}
	model, err := whisper.New(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("transcribe: load whisper model %q: %w", opts.ModelPath, err)
	}
	slog.Debug("transcribe: whisper model loaded", "path", opts.ModelPath, "multilingual", model.IsMultilingual())
	return &WhisperEngine{opts: opts, model: model}, nil
}

// Close releases the whisper model resources.
func (e *WhisperEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}

// Transcribe recognizes the recording at path. The decode itself cannot be
// interrupted; ctx is only checked before it starts.
func (e *WhisperEngine) Transcribe(ctx context.Context, path string) (string, error) {
	const op = "transcribe: whisper"

	samples, err := loadSamples(path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return "", fault.Newf(fault.EngineCrash, op, "model is closed")
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fault.New(fault.EngineCrash, op, fmt.Errorf("create context: %w", err))
	}

	lang := e.opts.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("transcribe: failed to set language", "language", lang, "error", err)
	}
	wctx.SetTemperature(e.opts.Temperature)
	if e.opts.Threads > 0 {
		wctx.SetThreads(e.opts.Threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fault.New(fault.EngineCrash, op, fmt.Errorf("process: %w", err))
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%s: next segment: %w", op, err)
		}
		segments = append(segments, strings.TrimSpace(seg.Text))
	}

	return strings.TrimSpace(strings.Join(segments, " ")), nil
}
