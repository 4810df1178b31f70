// Package audio owns microphone access: device enumeration and
// consolidation, and the capture service that buffers PCM frames and emits
// level samples without blocking the driver thread.
package audio

// Format of every captured frame: signed 16-bit little-endian PCM.
const BytesPerSample = 2

// CaptureConfig describes the stream requested from a backend.
type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

// BytesPerFrame returns the size of one interleaved PCM frame.
func (c CaptureConfig) BytesPerFrame() int {
	return int(c.Channels) * BytesPerSample
}

// RawDevice is one capture endpoint as the OS reports it. Several raw
// entries may describe the same physical microphone.
type RawDevice struct {
	ID        string // opaque backend identifier
	Name      string
	Channels  int
	IsDefault bool
}

// Callbacks are invoked from the backend's real-time thread. Implementations
// must return quickly and never block.
type Callbacks struct {
	// Data receives a PCM buffer holding frameCount frames. The slice is only
	// valid for the duration of the call.
	Data func(pcm []byte, frameCount uint32)
	// Stopped fires when the stream stops, whether requested or not.
	Stopped func()
}

// Stream is an opened capture stream.
type Stream interface {
	Start() error
	Stop() error
	Close()
}

// Backend abstracts the platform audio layer.
type Backend interface {
	Devices() ([]RawDevice, error)
	// Open prepares a stream on dev; a nil dev selects the system default.
	Open(dev *RawDevice, cfg CaptureConfig, cb Callbacks) (Stream, error)
	Close() error
}
