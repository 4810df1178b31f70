// Package cleanup tears the application down in a fixed order of stages,
// each phase bounded by its own timeout.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/gostt-dictate/internal/fault"
)

// ErrShutdown is returned by Register once Shutdown has started.
var ErrShutdown = errors.New("cleanup: shutdown already started")

// DefaultPhaseTimeout bounds one phase.
const DefaultPhaseTimeout = 3 * time.Second

// Stage orders phases. Lower stages run first.
type Stage int

const (
	StageUI      Stage = iota // stop callbacks reaching the caller
	StageCapture              // stop any active stream
	StageModel                // release the engine
	StageFiles                // temporary recordings
	StageHandles              // remaining OS-level handles
)

func (s Stage) String() string {
	switch s {
	case StageUI:
		return "ui"
	case StageCapture:
		return "capture"
	case StageModel:
		return "model"
	case StageFiles:
		return "files"
	case StageHandles:
		return "handles"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Status is the outcome of one phase.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusDegraded Status = "degraded" // timed out or postcondition not met
)

type phase struct {
	stage  Stage
	name   string
	seq    int
	run    func(ctx context.Context) error
	verify func() error
}

// PhaseReport describes one executed phase.
type PhaseReport struct {
	Stage   Stage
	Name    string
	Status  Status
	Err     error
	Elapsed time.Duration
}

// Report lists every phase in execution order.
type Report struct {
	Phases []PhaseReport
}

// OK reports whether every phase succeeded.
func (r Report) OK() bool {
	for _, p := range r.Phases {
		if p.Status != StatusOK {
			return false
		}
	}
	return true
}

// Err returns a CleanupDegraded error naming the phases that did not
// succeed, or nil.
func (r Report) Err() error {
	var bad []string
	var errs []error
	for _, p := range r.Phases {
		if p.Status == StatusOK {
			continue
		}
		bad = append(bad, fmt.Sprintf("%s/%s (%s)", p.Stage, p.Name, p.Status))
		if p.Err != nil {
			errs = append(errs, p.Err)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	return fault.New(fault.CleanupDegraded, "cleanup: "+strings.Join(bad, ", "), errors.Join(errs...))
}

// Options configures a Coordinator.
type Options struct {
	PhaseTimeout time.Duration
	Logger       *slog.Logger
}

// Coordinator runs registered phases once, in stage order.
type Coordinator struct {
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	phases  []phase
	started bool

	once   sync.Once
	done   chan struct{}
	report Report
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.PhaseTimeout <= 0 {
		opts.PhaseTimeout = DefaultPhaseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{timeout: opts.PhaseTimeout, log: opts.Logger, done: make(chan struct{})}
}

// Register adds a phase. run performs the teardown and should honor ctx;
// verify, if non-nil, checks the phase's postcondition afterwards. Phases
// within a stage run in registration order.
func (c *Coordinator) Register(stage Stage, name string, run func(ctx context.Context) error, verify func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrShutdown
	}
	c.phases = append(c.phases, phase{stage: stage, name: name, seq: len(c.phases), run: run, verify: verify})
	return nil
}

// Shutdown runs every phase and returns the report. Later calls wait for
// the first and return the same report. It always returns within roughly
// the sum of the phase timeouts.
func (c *Coordinator) Shutdown(ctx context.Context) Report {
	c.once.Do(func() {
		defer close(c.done)

		c.mu.Lock()
		c.started = true
		phases := append([]phase(nil), c.phases...)
		c.mu.Unlock()

		sort.Slice(phases, func(i, j int) bool {
			if phases[i].stage != phases[j].stage {
				return phases[i].stage < phases[j].stage
			}
			return phases[i].seq < phases[j].seq
		})

		c.log.Info("cleanup: shutting down", "phases", len(phases))
		for _, p := range phases {
			pr := c.runPhase(ctx, p)
			c.report.Phases = append(c.report.Phases, pr)
			if pr.Status != StatusOK {
				c.log.Warn("cleanup: phase did not complete", "stage", p.stage, "phase", p.name, "status", pr.Status, "error", pr.Err)
			} else {
				c.log.Debug("cleanup: phase done", "stage", p.stage, "phase", p.name, "elapsed", pr.Elapsed)
			}
		}
	})
	<-c.done
	return c.report
}

func (c *Coordinator) runPhase(ctx context.Context, p phase) PhaseReport {
	pr := PhaseReport{Stage: p.stage, Name: p.name, Status: StatusOK}
	start := time.Now()

	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- p.run(pctx)
	}()

	select {
	case err := <-result:
		if err != nil {
			pr.Status = StatusFailed
			pr.Err = err
			pr.Elapsed = time.Since(start)
			return pr
		}
	case <-pctx.Done():
		pr.Status = StatusDegraded
		pr.Err = fmt.Errorf("timed out after %s: %w", c.timeout, pctx.Err())
		pr.Elapsed = time.Since(start)
		return pr
	}

	if p.verify != nil {
		if err := p.verify(); err != nil {
			pr.Status = StatusDegraded
			pr.Err = fmt.Errorf("postcondition: %w", err)
		}
	}
	pr.Elapsed = time.Since(start)
	return pr
}
