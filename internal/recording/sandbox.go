// Package recording turns a capture take into a WAV file inside a sandboxed
// directory and reports the outcome as a Result.
package recording

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrOutsideSandbox is returned for paths that resolve outside the root.
var ErrOutsideSandbox = errors.New("recording: path escapes sandbox")

// FilePrefix starts every recording file name.
const FilePrefix = "rec-"

// Sandbox confines recording files to one directory.
type Sandbox struct {
	root string // absolute, symlinks resolved
}

// NewSandbox creates dir (mode 0700) and returns a Sandbox rooted there. A
// leading ~ is expanded to the user's home directory.
func NewSandbox(dir string) (*Sandbox, error) {
	if dir == "" {
		return nil, errors.New("recording: sandbox dir must not be empty")
	}
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("recording: resolving home: %w", err)
		}
		dir = filepath.Join(home, dir[1:])
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("recording: creating sandbox: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("recording: resolving sandbox: %w", err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("recording: resolving sandbox: %w", err)
	}
	return &Sandbox{root: root}, nil
}

// Root returns the resolved sandbox directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve joins name onto the root and verifies that the result, with
// symlinks in existing components resolved, stays inside the root.
func (s *Sandbox) Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrOutsideSandbox)
	}
	var candidate string
	if filepath.IsAbs(name) {
		candidate = filepath.Clean(name)
	} else {
		candidate = filepath.Join(s.root, name)
	}
	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("recording: resolving %q: %w", name, err)
	}
	if !within(s.root, resolved) {
		return "", fmt.Errorf("%w: %q", ErrOutsideSandbox, name)
	}
	return resolved, nil
}

// Contains reports whether path resolves inside the sandbox.
func (s *Sandbox) Contains(path string) bool {
	_, err := s.Resolve(path)
	return err == nil
}

// NewName returns a collision-resistant file name: prefix, UTC timestamp and
// a random suffix.
func (s *Sandbox) NewName(ext string) string {
	return fmt.Sprintf("%s%s-%s%s", FilePrefix, time.Now().UTC().Format("20060102-150405.000"), uuid.New().String()[:8], ext)
}

// Sweep removes recording files in the root older than maxAge. It returns
// how many were removed.
func (s *Sandbox) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("recording: reading sandbox: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), FilePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and appends the remaining components unchanged.
func resolveExisting(path string) (string, error) {
	var rest []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
