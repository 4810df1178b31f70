// Package transcribe provides the speech-to-text engines.
//
// Supported engines:
//   - whisper: whisper.cpp via Go bindings, loaded in-process (default)
//   - exec: an external recognizer command run once per recording
package transcribe

import (
	"context"
	"errors"
	"fmt"
)

// ErrHostIncompatible marks an engine kind that cannot run on this host.
// Callers should pick another engine kind rather than retry.
var ErrHostIncompatible = errors.New("transcribe: engine not usable on this host")

// Kind selects an engine implementation.
type Kind string

const (
	KindWhisper Kind = "whisper"
	KindExec    Kind = "exec"
)

// Options describes one engine instance. Two equal Options describe the
// same engine, so the value is comparable.
type Options struct {
	Kind        Kind
	ModelSize   string
	ModelPath   string
	Language    string // "auto" or empty enables detection
	Temperature float32
	Threads     uint
	Command     string // exec only
}

func (o Options) String() string {
	return fmt.Sprintf("%s(%s, lang=%s, temp=%.2f)", o.Kind, o.ModelPath, o.Language, o.Temperature)
}

// Engine converts a recording file to text.
type Engine interface {
	// Transcribe recognizes the WAV file at path using the engine's
	// configured language and temperature.
	Transcribe(ctx context.Context, path string) (string, error)
	// Close releases engine resources. Transcribe fails afterwards.
	Close() error
}

// Factory builds an engine from options.
type Factory func(ctx context.Context, opts Options) (Engine, error)

// New creates an Engine based on opts.Kind.
func New(ctx context.Context, opts Options) (Engine, error) {
	switch opts.Kind {
	case KindWhisper, "":
		return NewWhisperEngine(opts)
	case KindExec:
		return NewExecEngine(ctx, opts)
	default:
		return nil, fmt.Errorf("transcribe: unknown engine %q (supported: whisper, exec)", opts.Kind)
	}
}
