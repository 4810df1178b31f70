package dispatch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/gostt-dictate/internal/recording"
)

// FailedDir is the sandbox subdirectory holding failed recordings.
const FailedDir = "failed"

// Retention keeps the most recent failed recordings for diagnosis and
// deletes older ones.
type Retention struct {
	dir  string
	keep int
	log  *slog.Logger

	mu sync.Mutex
}

// NewRetention creates the failed directory inside sandbox. keep <= 0
// deletes failed recordings right away.
func NewRetention(sandbox *recording.Sandbox, keep int, logger *slog.Logger) (*Retention, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir, err := sandbox.Resolve(FailedDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("dispatch: creating %s: %w", dir, err)
	}
	return &Retention{dir: dir, keep: keep, log: logger}, nil
}

// Dir returns the directory failed recordings are moved to.
func (r *Retention) Dir() string { return r.dir }

// Retain moves path into the failed directory and trims the backlog. It
// returns the new location, or "" when the file was deleted.
func (r *Retention) Retain(path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.keep <= 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("dispatch: removing failed recording: %w", err)
		}
		return "", nil
	}

	dst := filepath.Join(r.dir, filepath.Base(path))
	if filepath.Dir(path) != r.dir {
		if err := os.Rename(path, dst); err != nil {
			return "", fmt.Errorf("dispatch: retaining failed recording: %w", err)
		}
	}
	now := time.Now()
	_ = os.Chtimes(dst, now, now)

	if err := r.gcLocked(); err != nil {
		r.log.Warn("dispatch: trimming failed recordings", "error", err)
	}
	return dst, nil
}

// gcLocked deletes the oldest files beyond the keep count.
func (r *Retention) gcLocked() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}
	type file struct {
		name string
		mod  time.Time
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{e.Name(), info.ModTime()})
	}
	if len(files) <= r.keep {
		return nil
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].name > files[j].name
		}
		return files[i].mod.After(files[j].mod)
	})
	for _, f := range files[r.keep:] {
		if err := os.Remove(filepath.Join(r.dir, f.name)); err != nil && !os.IsNotExist(err) {
			return err
		}
		r.log.Debug("dispatch: dropped old failed recording", "file", f.name)
	}
	return nil
}
