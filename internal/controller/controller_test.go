package controller

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/gostt-dictate/internal/audio"
	"github.com/chaz8081/gostt-dictate/internal/config"
	"github.com/chaz8081/gostt-dictate/internal/dispatch"
	"github.com/chaz8081/gostt-dictate/internal/fault"
	"github.com/chaz8081/gostt-dictate/internal/model"
	"github.com/chaz8081/gostt-dictate/internal/recording"
	"github.com/chaz8081/gostt-dictate/internal/transcribe"
)

type fakeEngine struct {
	text  string
	err   error
	mu    sync.Mutex
	calls int
}

func (e *fakeEngine) Transcribe(context.Context, string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.text, e.err
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeSink struct {
	mu    sync.Mutex
	texts []string
}

func (s *fakeSink) Inject(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type harness struct {
	ctl     *Controller
	backend *audio.FakeBackend
	svc     *audio.Service
	sandbox *recording.Sandbox
	engine  *fakeEngine
	sink    *fakeSink
}

func newHarness(t *testing.T, engine *fakeEngine) *harness {
	t.Helper()
	backend := audio.NewFakeBackend(audio.RawDevice{ID: "int", Name: "Internal Mic", Channels: 1, IsDefault: true})
	reg := audio.NewRegistry(backend, nil)
	svc := audio.NewService(backend, reg, audio.Options{})

	sb, err := recording.NewSandbox(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec := recording.NewRecorder(svc, sb, recording.Options{})

	loader := model.NewLoader(func(context.Context, transcribe.Options) (transcribe.Engine, error) {
		return engine, nil
	}, model.Options{LoadTimeout: time.Second})
	disp := dispatch.New(loader, sb, dispatch.Options{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	sink := &fakeSink{}
	ctl := New(reg, rec, loader, disp, Options{
		Sink: sink,
		Settings: func() config.Snapshot {
			return config.Snapshot{Engine: transcribe.Options{Kind: transcribe.KindExec, Command: "fake"}}
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctl.Close(ctx)
		_ = loader.Close(ctx)
	})
	return &harness{ctl: ctl, backend: backend, svc: svc, sandbox: sb, engine: engine, sink: sink}
}

// speak feeds n bytes of non-silent PCM into the running stream.
func (h *harness) speak(t *testing.T, n int) {
	t.Helper()
	stream := h.backend.LastStream()
	if stream == nil {
		t.Fatal("no stream opened")
	}
	pcm := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		pcm[i+1] = 0x10
	}
	stream.Feed(pcm)
}

func (h *harness) result(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-h.ctl.Results():
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return Result{}
	}
}

func drainStatus(c *Controller) []Status {
	var out []Status
	for {
		select {
		case s := <-c.Status():
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestDictationCycle(t *testing.T) {
	h := newHarness(t, &fakeEngine{text: "hello world"})

	if err := h.ctl.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !h.ctl.Recording() {
		t.Fatal("Recording() = false after Start")
	}
	h.speak(t, 16000)
	h.ctl.Stop()

	res := h.result(t)
	if res.Err != nil {
		t.Fatalf("result error = %v", res.Err)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world")
	}
	if got := h.sink.got(); len(got) != 1 || got[0] != "hello world" {
		t.Errorf("sink got %v", got)
	}
	if _, err := os.Stat(res.Recording.Path); err != nil {
		t.Fatalf("recording should exist until Ack: %v", err)
	}
	if err := res.Ack(); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if _, err := os.Stat(res.Recording.Path); !os.IsNotExist(err) {
		t.Errorf("recording still present after Ack: %v", err)
	}

	want := []Status{StatusRecording, StatusProcessing, StatusIdle}
	got := drainStatus(h.ctl)
	if len(got) != len(want) {
		t.Fatalf("status = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status = %v, want %v", got, want)
		}
	}
}

func TestStopWithoutRecordingIsNoop(t *testing.T) {
	h := newHarness(t, &fakeEngine{text: "x"})
	h.ctl.Stop()
	select {
	case res := <-h.ctl.Results():
		t.Fatalf("unexpected result %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSilentRecordingSkipsEngine(t *testing.T) {
	h := newHarness(t, &fakeEngine{text: "x"})

	if err := h.ctl.Start(); err != nil {
		t.Fatal(err)
	}
	h.speak(t, 320)
	h.ctl.Stop()

	res := h.result(t)
	if res.Err != nil || res.Text != "" {
		t.Fatalf("result = %+v, want empty success", res)
	}
	if !res.Silent || !res.Recording.Silent {
		t.Errorf("Silent = %v, Recording.Silent = %v, want both set", res.Silent, res.Recording.Silent)
	}
	if _, err := os.Stat(res.Recording.Path); !os.IsNotExist(err) {
		t.Errorf("silent recording not discarded: %v", err)
	}
	if n := h.engine.count(); n != 0 {
		t.Errorf("engine called %d times", n)
	}
}

func TestEmptyTranscriptRemovesRecording(t *testing.T) {
	h := newHarness(t, &fakeEngine{text: ""})

	if err := h.ctl.Start(); err != nil {
		t.Fatal(err)
	}
	h.speak(t, 16000)
	h.ctl.Stop()

	res := h.result(t)
	if res.Err != nil || res.Text != "" {
		t.Fatalf("result = %+v, want empty success", res)
	}
	if !res.Silent {
		t.Error("Silent = false for a transcript without text")
	}
	if h.engine.count() != 1 {
		t.Errorf("engine calls = %d, want 1", h.engine.count())
	}
	if err := res.Ack(); err != nil {
		t.Errorf("Ack() error = %v", err)
	}
	if _, err := os.Stat(res.Recording.Path); !os.IsNotExist(err) {
		t.Errorf("recording still present: %v", err)
	}
	if len(h.sink.got()) != 0 {
		t.Error("sink received an empty transcript")
	}
}

func TestDeviceLossAfterDetachDiscardsRecording(t *testing.T) {
	h := newHarness(t, &fakeEngine{text: "late"})

	if err := h.ctl.Start(); err != nil {
		t.Fatal(err)
	}
	h.speak(t, 16000)
	h.ctl.Detach()
	h.backend.Disconnect("int")

	deadline := time.Now().Add(2 * time.Second)
	for h.ctl.Recording() {
		if time.Now().After(deadline) {
			t.Fatal("session never finished after device loss")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.ctl.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	select {
	case res := <-h.ctl.Results():
		t.Fatalf("unexpected result after detach: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
	if n := h.engine.count(); n != 0 {
		t.Errorf("engine called %d times after detach", n)
	}
}

func TestEmptyRecordingReportsInvalidAudio(t *testing.T) {
	h := newHarness(t, &fakeEngine{text: "x"})

	if err := h.ctl.Start(); err != nil {
		t.Fatal(err)
	}
	h.ctl.Stop()

	res := h.result(t)
	if res.Kind != fault.InvalidAudio || res.Err == nil {
		t.Fatalf("result = %+v, want InvalidAudio", res)
	}
	if h.ctl.Current() != StatusError {
		t.Errorf("Current() = %s, want error", h.ctl.Current())
	}
}

func TestEngineFailureIsClassified(t *testing.T) {
	h := newHarness(t, &fakeEngine{err: fault.Newf(fault.InvalidAudio, "fake", "unreadable")})

	if err := h.ctl.Start(); err != nil {
		t.Fatal(err)
	}
	h.speak(t, 16000)
	h.ctl.Stop()

	res := h.result(t)
	if res.Kind != fault.InvalidAudio {
		t.Fatalf("Kind = %q, want InvalidAudio (err %v)", res.Kind, res.Err)
	}
	if len(res.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(res.Attempts))
	}
	if len(h.sink.got()) != 0 {
		t.Error("sink received text for a failed transcription")
	}
	if err := res.Ack(); err != nil {
		t.Errorf("Ack() on failure = %v, want nil", err)
	}
}

func TestDeviceLossDeliversPartialTranscript(t *testing.T) {
	h := newHarness(t, &fakeEngine{text: "partial"})

	if err := h.ctl.Start(); err != nil {
		t.Fatal(err)
	}
	h.speak(t, 16000)
	h.backend.Disconnect("int")

	res := h.result(t)
	if res.Err != nil {
		t.Fatalf("result error = %v", res.Err)
	}
	if res.Text != "partial" {
		t.Errorf("Text = %q, want partial", res.Text)
	}
	if res.Recording.Failure != fault.DeviceFailure {
		t.Errorf("Recording.Failure = %q, want DeviceFailure", res.Recording.Failure)
	}
	if h.ctl.Recording() {
		t.Error("controller still recording after device loss")
	}
	_ = res.Ack()
}

func TestStartWithoutDevices(t *testing.T) {
	h := newHarness(t, &fakeEngine{text: "x"})
	h.backend.SetDevices()

	err := h.ctl.Start()
	if !fault.Is(err, fault.DeviceUnavailable) {
		t.Fatalf("Start() error = %v, want DeviceUnavailable", err)
	}
	if h.ctl.Recording() {
		t.Error("Recording() = true after failed Start")
	}
	if h.ctl.Current() != StatusError {
		t.Errorf("Current() = %s, want error", h.ctl.Current())
	}
}

func TestStartWhileRecordingFinishesPrevious(t *testing.T) {
	h := newHarness(t, &fakeEngine{text: "first"})

	if err := h.ctl.Start(); err != nil {
		t.Fatal(err)
	}
	h.speak(t, 16000)
	if err := h.ctl.Start(); err != nil {
		t.Fatal(err)
	}

	res := h.result(t)
	if res.Text != "first" {
		t.Errorf("Text = %q, want first", res.Text)
	}
	_ = res.Ack()
	if !h.ctl.Recording() {
		t.Error("second recording not running")
	}
}

func TestDetachClosesStreamsAndRefusesStart(t *testing.T) {
	h := newHarness(t, &fakeEngine{text: "x"})
	h.ctl.Detach()
	h.ctl.Detach()

	if _, ok := <-h.ctl.Status(); ok {
		t.Error("status stream still open")
	}
	if _, ok := <-h.ctl.Levels(); ok {
		t.Error("level stream still open")
	}
	if err := h.ctl.Start(); !errors.Is(err, ErrDetached) {
		t.Errorf("Start() error = %v, want ErrDetached", err)
	}
}

func TestUnreadTranscriptIsReleasedOnClose(t *testing.T) {
	h := newHarness(t, &fakeEngine{text: "unread"})

	if err := h.ctl.Start(); err != nil {
		t.Fatal(err)
	}
	h.speak(t, 16000)
	h.ctl.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.sink.got()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("transcript never reached the sink")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.ctl.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if h.svc.Active() != nil {
		t.Error("capture still active after Close")
	}
}
