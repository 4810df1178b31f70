// Package models locates whisper ggml model files and downloads missing ones.
package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BaseURL is where ggml models are fetched from.
var BaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// Sizes maps supported model sizes to their approximate download size.
var Sizes = map[string]string{
	"tiny":     "39 MB",
	"tiny.en":  "39 MB",
	"base":     "142 MB",
	"base.en":  "142 MB",
	"small":    "466 MB",
	"small.en": "466 MB",
	"medium":   "1.5 GB",
	"large-v3": "3.0 GB",
}

// FileName returns the ggml file name for a model size.
func FileName(size string) string {
	return "ggml-" + size + ".bin"
}

// Resolve returns the model path for size inside dir.
func Resolve(dir, size string) string {
	return filepath.Join(dir, FileName(size))
}

// Known reports whether size is a supported model size.
func Known(size string) bool {
	_, ok := Sizes[size]
	return ok
}

// KnownSizes lists supported sizes in sorted order.
func KnownSizes() []string {
	out := make([]string, 0, len(Sizes))
	for s := range Sizes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// EnsureWhisper makes sure the model for size exists in dir, downloading it
// when missing. Progress is written to progress if non-nil. It returns the
// model path.
func EnsureWhisper(ctx context.Context, dir, size string, progress io.Writer) (string, error) {
	if !Known(size) {
		return "", fmt.Errorf("unknown model size %q (supported: %s)", size, strings.Join(KnownSizes(), ", "))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating models dir: %w", err)
	}

	name := FileName(size)
	destPath := filepath.Join(dir, name)

	// Check if already downloaded
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		if progress != nil {
			fmt.Fprintf(progress, "  Whisper model already exists: %s (%.0f MB)\n", destPath, float64(info.Size())/(1024*1024))
		}
		return destPath, nil
	}

	url := BaseURL + "/" + name
	if progress != nil {
		fmt.Fprintf(progress, "  Downloading %s (%s)\n", name, Sizes[size])
		fmt.Fprintf(progress, "  URL: %s\n", url)
		fmt.Fprintf(progress, "  Destination: %s\n", destPath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading whisper model: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	// Write to temp file first, then rename (atomic)
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	var w io.Writer = f
	if progress != nil {
		w = &progressWriter{writer: f, out: progress, total: resp.ContentLength, label: name}
	}

	written, err := io.Copy(w, resp.Body)
	_ = f.Close()
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("writing model file: %w", err)
	}
	if written == 0 {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("download returned an empty file")
	}

	if progress != nil {
		fmt.Fprintf(progress, "\n  Downloaded %.1f MB\n", float64(written)/(1024*1024))
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("moving model file: %w", err)
	}
	return destPath, nil
}

// progressWriter wraps an io.Writer and prints download progress.
type progressWriter struct {
	writer  io.Writer
	out     io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := float64(pw.written) / float64(pw.total) * 100
		fmt.Fprintf(pw.out, "\r  %s: %.1f MB / %.1f MB (%.0f%%)",
			pw.label,
			float64(pw.written)/(1024*1024),
			float64(pw.total)/(1024*1024),
			pct)
	} else {
		fmt.Fprintf(pw.out, "\r  %s: %.1f MB downloaded",
			pw.label,
			float64(pw.written)/(1024*1024))
	}
	return n, err
}
