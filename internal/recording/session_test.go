package recording

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaz8081/gostt-dictate/internal/audio"
	"github.com/chaz8081/gostt-dictate/internal/fault"
)

func samples(vals ...int16) []byte {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

type rig struct {
	backend  *audio.FakeBackend
	registry *audio.Registry
	recorder *Recorder
}

func newRig(t *testing.T, minViable int, devices ...audio.RawDevice) *rig {
	t.Helper()
	if len(devices) == 0 {
		devices = []audio.RawDevice{{ID: "int", Name: "Internal Mic", Channels: 1, IsDefault: true}}
	}
	backend := audio.NewFakeBackend(devices...)
	reg := audio.NewRegistry(backend, nil)
	svc := audio.NewService(backend, reg, audio.Options{SampleRate: 16000, Channels: 1})
	t.Cleanup(func() { _ = svc.Close() })
	sb, err := NewSandbox(t.TempDir())
	if err != nil {
		t.Fatalf("NewSandbox() error = %v", err)
	}
	return &rig{
		backend:  backend,
		registry: reg,
		recorder: NewRecorder(svc, sb, Options{MinViableBytes: minViable}),
	}
}

func (r *rig) device(t *testing.T, id string) audio.Device {
	t.Helper()
	d, err := r.registry.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve(%q) error = %v", id, err)
	}
	return d
}

func TestStopWritesExactPCM(t *testing.T) {
	r := newRig(t, 1)
	sess, err := r.recorder.Start(r.device(t, ""), nil, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stream := r.backend.LastStream()
	var want []byte
	for i := 0; i < 20; i++ {
		chunk := samples(int16(i*10), int16(-i*10), 32767, -32768)
		want = append(want, chunk...)
		stream.Feed(chunk)
	}

	res := r.recorder.Stop(sess)
	if !res.Success {
		t.Fatalf("Stop() result = %+v, want success", res)
	}
	if res.Silent {
		t.Error("Silent = true, want false")
	}
	if res.ByteCount != len(want) {
		t.Errorf("ByteCount = %d, want %d", res.ByteCount, len(want))
	}
	if res.FrameCount != len(want)/2 {
		t.Errorf("FrameCount = %d, want %d", res.FrameCount, len(want)/2)
	}
	if !r.recorder.Sandbox().Contains(res.Path) {
		t.Errorf("Path %q is outside the sandbox", res.Path)
	}

	pcm, info, err := ReadPCM(res.Path)
	if err != nil {
		t.Fatalf("ReadPCM() error = %v", err)
	}
	if !bytes.Equal(pcm, want) {
		t.Error("file PCM does not match captured bytes")
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.BitDepth != 16 {
		t.Errorf("Info = %+v, want 16000 Hz mono 16-bit", info)
	}
	if info.Frames != res.FrameCount {
		t.Errorf("Info.Frames = %d, want %d", info.Frames, res.FrameCount)
	}

	st, err := os.Stat(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0600 {
		t.Errorf("file mode = %v, want 0600", st.Mode().Perm())
	}
}

func TestStopWithoutAudio(t *testing.T) {
	r := newRig(t, 1)
	sess, err := r.recorder.Start(r.device(t, ""), nil, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res := r.recorder.Stop(sess)
	if res.Success {
		t.Fatal("Success = true for empty recording")
	}
	if res.Failure != fault.InvalidAudio {
		t.Errorf("Failure = %q, want %q", res.Failure, fault.InvalidAudio)
	}
	if res.Path != "" {
		t.Errorf("Path = %q, want empty", res.Path)
	}
	entries, _ := os.ReadDir(r.recorder.Sandbox().Root())
	if len(entries) != 0 {
		t.Errorf("sandbox has %d entries, want 0", len(entries))
	}
}

func TestShortRecordingIsSilent(t *testing.T) {
	r := newRig(t, 1000)
	sess, err := r.recorder.Start(r.device(t, ""), nil, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	r.backend.LastStream().Feed(samples(1, 2, 3, 4))
	res := r.recorder.Stop(sess)
	if !res.Success || !res.Silent {
		t.Errorf("result = %+v, want success and silent", res)
	}
}

func TestDefaultMinViableBytes(t *testing.T) {
	r := newRig(t, 0)
	// 300ms of 16kHz mono 16-bit.
	if r.recorder.minViable != 9600 {
		t.Errorf("minViable = %d, want 9600", r.recorder.minViable)
	}
}

func TestDeviceLossKeepsPartialRecording(t *testing.T) {
	r := newRig(t, 1)
	var errCount atomic.Int32
	var gotKind atomic.Value
	sess, err := r.recorder.Start(r.device(t, ""), nil, func(kind fault.Kind) {
		errCount.Add(1)
		gotKind.Store(kind)
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	r.backend.LastStream().Feed(samples(5, 6, 7, 8))
	r.backend.Disconnect("int")

	deadline := time.Now().Add(2 * time.Second)
	for errCount.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if errCount.Load() != 1 {
		t.Fatalf("onError called %d times, want 1", errCount.Load())
	}
	if k := gotKind.Load().(fault.Kind); k != fault.DeviceFailure {
		t.Errorf("onError kind = %q, want %q", k, fault.DeviceFailure)
	}

	res := r.recorder.Stop(sess)
	if !res.Success {
		t.Fatalf("result = %+v, want success with partial audio", res)
	}
	if res.FrameCount != 4 {
		t.Errorf("FrameCount = %d, want 4", res.FrameCount)
	}
	if res.Failure != fault.DeviceFailure {
		t.Errorf("Failure = %q, want %q", res.Failure, fault.DeviceFailure)
	}
	time.Sleep(20 * time.Millisecond)
	if errCount.Load() != 1 {
		t.Errorf("onError called %d times after stop, want 1", errCount.Load())
	}
}

func TestDiscard(t *testing.T) {
	r := newRig(t, 1)
	sess, err := r.recorder.Start(r.device(t, ""), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.backend.LastStream().Feed(samples(1, 2))
	res := r.recorder.Stop(sess)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if err := r.recorder.Discard(res); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := os.Stat(res.Path); !os.IsNotExist(err) {
		t.Error("file should be gone after Discard")
	}

	outside := filepath.Join(t.TempDir(), "keep.wav")
	if err := os.WriteFile(outside, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := r.recorder.Discard(Result{Path: outside}); err == nil {
		t.Error("Discard() outside sandbox should fail")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Error("file outside sandbox must not be removed")
	}
}

func TestInspectRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.wav")
	garbage := filepath.Join(dir, "garbage.wav")
	if err := os.WriteFile(empty, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(garbage, bytes.Repeat([]byte("junk"), 64), 0600); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{empty, garbage} {
		if _, err := Inspect(p); fault.KindOf(err) != fault.InvalidAudio {
			t.Errorf("Inspect(%s) kind = %q, want %q (err %v)", filepath.Base(p), fault.KindOf(err), fault.InvalidAudio, err)
		}
	}
	if _, err := Inspect(filepath.Join(dir, "missing.wav")); fault.KindOf(err) != fault.InvalidAudio {
		t.Errorf("Inspect(missing) kind = %q, want %q", fault.KindOf(err), fault.InvalidAudio)
	}
}
