package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/chaz8081/gostt-dictate/internal/fault"
)

// ExecEngine runs an external recognizer once per recording. The command
// receives --model, --language, --temperature and --file and prints the
// transcript on stdout, either as plain text or as {"text": "..."}.
type ExecEngine struct {
	opts Options
	args []string

	mu     sync.Mutex
	closed bool
}

type execResult struct {
	Text string `json:"text"`
}

// NewExecEngine parses opts.Command and checks that the program exists.
func NewExecEngine(_ context.Context, opts Options) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("transcribe: parse exec command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcribe: exec command is empty")
	}
	bin, err := exec.LookPath(args[0])
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("transcribe: exec command %q: %w: %w", args[0], ErrHostIncompatible, err)
		}
		return nil, fmt.Errorf("transcribe: exec command %q: %w", args[0], err)
	}
	args[0] = bin
	return &ExecEngine{opts: opts, args: args}, nil
}

// Close marks the engine unusable.
func (e *ExecEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Transcribe runs the recognizer on path.
func (e *ExecEngine) Transcribe(ctx context.Context, path string) (string, error) {
	const op = "transcribe: exec"

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", fault.Newf(fault.EngineCrash, op, "engine is closed")
	}

	cmdArgs := append([]string{}, e.args[1:]...)
	if e.opts.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.opts.ModelPath)
	}
	lang := e.opts.Language
	if lang == "" {
		lang = "auto"
	}
	cmdArgs = append(cmdArgs,
		"--language", lang,
		"--temperature", strconv.FormatFloat(float64(e.opts.Temperature), 'f', -1, 32),
		"--file", path,
	)

	cmd := exec.CommandContext(ctx, e.args[0], cmdArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%s: %w", op, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		return "", fmt.Errorf("%s: %w: %s", op, err, msg)
	}

	return parseTranscript(stdout.Bytes()), nil
}

func parseTranscript(out []byte) string {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var res execResult
		if err := json.Unmarshal(trimmed, &res); err == nil {
			return strings.TrimSpace(res.Text)
		}
	}
	return string(trimmed)
}
