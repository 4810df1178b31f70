package audio

import (
	"errors"
	"sync"
	"time"
)

// FakeBackend is an in-memory Backend for tests and dry runs. Streams either
// feed a fixed chunk on an interval or are driven by hand through Feed.
type FakeBackend struct {
	mu       sync.Mutex
	devices  []RawDevice
	enumErr  error
	openErr  map[string]error
	chunk    []byte
	interval time.Duration
	streams  []*FakeStream
	closed   bool
}

// NewFakeBackend returns a backend exposing devices.
func NewFakeBackend(devices ...RawDevice) *FakeBackend {
	return &FakeBackend{devices: devices, openErr: make(map[string]error)}
}

// SetFeed makes started streams deliver chunk every interval. A zero
// interval disables automatic feeding.
func (f *FakeBackend) SetFeed(chunk []byte, interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunk = chunk
	f.interval = interval
}

// SetDevices replaces the enumerated devices.
func (f *FakeBackend) SetDevices(devices ...RawDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

// SetEnumerateError makes Devices fail with err.
func (f *FakeBackend) SetEnumerateError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enumErr = err
}

// FailOpen makes Open on device id fail with err.
func (f *FakeBackend) FailOpen(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr[id] = err
}

func (f *FakeBackend) Devices() ([]RawDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	out := make([]RawDevice, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *FakeBackend) Open(dev *RawDevice, cfg CaptureConfig, cb Callbacks) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("fake: backend closed")
	}
	id := ""
	if dev != nil {
		id = dev.ID
	}
	if err := f.openErr[id]; err != nil {
		return nil, err
	}
	s := &FakeStream{
		DeviceID: id,
		Config:   cfg,
		cb:       cb,
		chunk:    f.chunk,
		interval: f.interval,
	}
	f.streams = append(f.streams, s)
	return s, nil
}

// Streams returns every stream opened so far.
func (f *FakeBackend) Streams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeStream, len(f.streams))
	copy(out, f.streams)
	return out
}

// LastStream returns the most recently opened stream, or nil.
func (f *FakeBackend) LastStream() *FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// Disconnect simulates unplugging device id: it disappears from enumeration
// and its running streams stop with an unrequested Stopped callback.
func (f *FakeBackend) Disconnect(id string) {
	f.mu.Lock()
	kept := f.devices[:0]
	for _, d := range f.devices {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	f.devices = kept
	var victims []*FakeStream
	for _, s := range f.streams {
		if s.DeviceID == id && s.Running() {
			victims = append(victims, s)
		}
	}
	f.mu.Unlock()

	for _, s := range victims {
		s.halt()
		if s.cb.Stopped != nil {
			s.cb.Stopped()
		}
	}
}

func (f *FakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FakeStream is a Stream opened by FakeBackend.
type FakeStream struct {
	DeviceID string
	Config   CaptureConfig

	cb       Callbacks
	chunk    []byte
	interval time.Duration

	mu      sync.Mutex
	running bool
	closed  bool
	stopCh  chan struct{}
	done    chan struct{}
}

// Running reports whether the stream is started.
func (s *FakeStream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Closed reports whether Close was called.
func (s *FakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Feed delivers pcm through the data callback on the calling goroutine.
func (s *FakeStream) Feed(pcm []byte) {
	if s.cb.Data != nil && s.Running() {
		s.cb.Data(pcm, uint32(len(pcm)/max(s.Config.BytesPerFrame(), 1)))
	}
}

func (s *FakeStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("fake: stream closed")
	}
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.feed(s.stopCh, s.done)
	return nil
}

func (s *FakeStream) feed(stop, done chan struct{}) {
	defer close(done)
	if s.interval <= 0 || len(s.chunk) == 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Feed(s.chunk)
		}
	}
}

// halt stops the feeder without firing Stopped.
func (s *FakeStream) halt() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()
	<-done
	return true
}

func (s *FakeStream) Stop() error {
	if s.halt() && s.cb.Stopped != nil {
		s.cb.Stopped()
	}
	return nil
}

func (s *FakeStream) Close() {
	s.halt()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
