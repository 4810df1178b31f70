package dispatch

import (
	"context"
	"errors"
	"os/exec"

	"github.com/chaz8081/gostt-dictate/internal/fault"
)

// Exit codes from sysexits.h that external recognizers use to signal a
// bad input file or a temporary condition.
const (
	exitDataErr  = 65
	exitTempFail = 75
)

// Classify maps an engine or I/O error to a failure kind. Errors that
// already carry a kind keep it. Unknown failures are treated as an
// unusable engine instance.
func Classify(err error) fault.Kind {
	if err == nil {
		return ""
	}
	if kind := fault.KindOf(err); kind != "" {
		return kind
	}
	if errors.Is(err, context.Canceled) {
		return fault.Canceled
	}
	if kind := fault.ClassifyIO(err); kind != "" {
		return kind
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case exitDataErr:
			return fault.InvalidAudio
		case exitTempFail:
			return fault.TransientIO
		}
		return fault.EngineCrash
	}
	return fault.EngineCrash
}

