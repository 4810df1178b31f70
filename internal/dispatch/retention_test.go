package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/chaz8081/gostt-dictate/internal/recording"
)

func TestRetentionKeepsNewest(t *testing.T) {
	sb, err := recording.NewSandbox(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRetention(sb, 3, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		path := filepath.Join(sb.Root(), fmt.Sprintf("rec-%d.wav", i))
		if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
		dst, err := r.Retain(path)
		if err != nil {
			t.Fatalf("Retain(%d) error = %v", i, err)
		}
		// Distinct modification times, oldest first.
		mod := time.Now().Add(time.Duration(i-10) * time.Minute)
		if err := os.Chtimes(dst, mod, mod); err != nil {
			t.Fatal(err)
		}
	}
	// Trigger one more trim with the final timestamps in place.
	extra := filepath.Join(sb.Root(), "rec-5.wav")
	if err := os.WriteFile(extra, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Retain(extra); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(r.Dir())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	want := []string{"rec-3.wav", "rec-4.wav", "rec-5.wav"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("retained = %v, want %v", names, want)
	}
}

func TestRetentionDisabledDeletes(t *testing.T) {
	sb, err := recording.NewSandbox(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRetention(sb, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(sb.Root(), "rec.wav")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	dst, err := r.Retain(path)
	if err != nil || dst != "" {
		t.Fatalf("Retain() = %q, %v; want deletion", dst, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should be deleted")
	}
}
