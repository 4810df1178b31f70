package audio

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gostt-dictate/internal/fault"
)

// State is the lifecycle state of a capture session.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// LevelFunc receives level samples in [0,1]. It runs on a delivery goroutine,
// never on the driver thread; samples are dropped while it is busy.
type LevelFunc func(level float64)

// ErrorFunc receives asynchronous capture failures.
type ErrorFunc func(kind fault.Kind)

// ErrNilSession is returned by Stop when called without a session.
var ErrNilSession = errors.New("audio: nil session")

// Options configures a Service.
type Options struct {
	SampleRate  uint32
	Channels    uint32
	LevelBuffer int // pending level samples before new ones are dropped
	Logger      *slog.Logger
}

// Take is everything a session captured, in arrival order.
type Take struct {
	Frames     [][]byte
	FrameCount int // PCM frames (samples per channel)
	ByteCount  int
	Config     CaptureConfig
	Device     Device
	StartedAt  time.Time
	StoppedAt  time.Time
	// Failure is DeviceFailure when the session was force-stopped.
	Failure fault.Kind
	Err     error
}

// PCM returns the frames concatenated in arrival order.
func (t Take) PCM() []byte {
	out := make([]byte, 0, t.ByteCount)
	for _, f := range t.Frames {
		out = append(out, f...)
	}
	return out
}

// Session is one bounded capture lifecycle.
type Session struct {
	id        uint64
	startedAt time.Time
	onLevel   LevelFunc
	onError   ErrorFunc
	levels    chan float64
	errOnce   sync.Once

	mu            sync.Mutex
	state         State
	gen           int // stream generation; callbacks from older streams are ignored
	device        Device
	stream        Stream
	stopRequested bool
	fellBack      bool
	frames        [][]byte
	frameCount    int
	byteCount     int
	dropped       int
	bytesPerFrame int
	take          *Take
}

// ID identifies the session in logs.
func (s *Session) ID() uint64 { return s.id }

// StartedAt returns when capture began.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the device currently feeding the session.
func (s *Session) Device() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// DroppedLevels counts level samples discarded because the consumer lagged.
func (s *Session) DroppedLevels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// onData runs on the driver thread. It copies the buffer, appends it and
// offers a level sample without blocking. Frames that arrive once a stop has
// been requested are discarded.
func (s *Session) onData(gen int, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	level := Level(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording || gen != s.gen {
		return
	}
	s.frames = append(s.frames, buf)
	s.byteCount += len(buf)
	s.frameCount += len(buf) / s.bytesPerFrame
	select {
	case s.levels <- level:
	default:
		s.dropped++
	}
}

func (s *Session) deliverLevels() {
	for level := range s.levels {
		if s.onLevel != nil {
			s.onLevel(level)
		}
	}
}

func (s *Session) reportError(kind fault.Kind) {
	s.errOnce.Do(func() {
		if s.onError != nil {
			s.onError(kind)
		}
	})
}

// Service owns the capture device. At most one session records at a time.
type Service struct {
	backend     Backend
	registry    *Registry
	cfg         CaptureConfig
	levelBuffer int
	log         *slog.Logger

	mu     sync.Mutex
	active *Session
	nextID uint64
}

// NewService creates a capture service. Zero options fall back to 16kHz mono.
func NewService(backend Backend, registry *Registry, opts Options) *Service {
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels == 0 {
		opts.Channels = 1
	}
	if opts.LevelBuffer <= 0 {
		opts.LevelBuffer = 32
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		backend:     backend,
		registry:    registry,
		cfg:         CaptureConfig{SampleRate: opts.SampleRate, Channels: opts.Channels},
		levelBuffer: opts.LevelBuffer,
		log:         opts.Logger,
	}
}

// Config returns the stream format every session records in.
func (svc *Service) Config() CaptureConfig { return svc.cfg }

// Active returns the recording session, if any.
func (svc *Service) Active() *Session {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.active
}

// Start opens dev and begins recording. A session that is already recording
// is retired first; its take stays available through Stop.
func (svc *Service) Start(dev Device, onLevel LevelFunc, onError ErrorFunc) (*Session, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if prev := svc.active; prev != nil {
		svc.log.Info("audio: start while recording, retiring previous session", "session", prev.id)
		svc.finishLocked(prev, "", nil)
	}

	svc.nextID++
	sess := &Session{
		id:            svc.nextID,
		onLevel:       onLevel,
		onError:       onError,
		levels:        make(chan float64, svc.levelBuffer),
		device:        dev,
		bytesPerFrame: svc.cfg.BytesPerFrame(),
	}

	stream, err := svc.open(dev, sess, 0)
	if err != nil {
		return nil, fault.New(fault.DeviceUnavailable, "audio: start", err)
	}

	sess.mu.Lock()
	sess.stream = stream
	sess.state = StateRecording
	sess.startedAt = time.Now()
	sess.mu.Unlock()

	go sess.deliverLevels()

	if err := stream.Start(); err != nil {
		sess.mu.Lock()
		sess.state = StateIdle
		sess.stopRequested = true
		sess.stream = nil
		close(sess.levels)
		sess.mu.Unlock()
		stream.Close()
		return nil, fault.New(fault.DeviceUnavailable, "audio: start", err)
	}

	svc.active = sess
	svc.log.Debug("audio: recording started", "session", sess.id, "device", describe(dev))
	return sess, nil
}

// Stop ends sess and returns what it captured. Stopping a session that was
// already retired or force-stopped returns its retained take.
func (svc *Service) Stop(sess *Session) (Take, error) {
	if sess == nil {
		return Take{}, ErrNilSession
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.finishLocked(sess, "", nil)
	return *sess.take, nil
}

// StopAll stops the active session, if any, discarding its take.
func (svc *Service) StopAll() {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.active != nil {
		svc.finishLocked(svc.active, "", nil)
	}
}

// Close stops any active session and releases the backend.
func (svc *Service) Close() error {
	svc.StopAll()
	return svc.backend.Close()
}

func (svc *Service) open(dev Device, sess *Session, gen int) (Stream, error) {
	raw := &RawDevice{ID: dev.ID, Name: dev.DisplayName, Channels: dev.Channels, IsDefault: dev.IsDefault}
	return svc.backend.Open(raw, svc.cfg, Callbacks{
		Data:    func(pcm []byte, _ uint32) { sess.onData(gen, pcm) },
		Stopped: func() { svc.onStreamStopped(sess, gen) },
	})
}

// onStreamStopped runs on the driver thread. Unrequested stops are handled
// on a separate goroutine.
func (svc *Service) onStreamStopped(sess *Session, gen int) {
	sess.mu.Lock()
	unexpected := sess.state == StateRecording && !sess.stopRequested && gen == sess.gen
	sess.mu.Unlock()
	if unexpected {
		go svc.handleDeviceLoss(sess, gen)
	}
}

// handleDeviceLoss tries one fallback to the system default device. When
// that is impossible or fails, the session is force-stopped with the frames
// captured so far and onError receives DeviceFailure.
func (svc *Service) handleDeviceLoss(sess *Session, gen int) {
	svc.mu.Lock()

	sess.mu.Lock()
	if sess.state != StateRecording || sess.stopRequested || sess.gen != gen {
		sess.mu.Unlock()
		svc.mu.Unlock()
		return
	}
	failed := sess.device
	fellBack := sess.fellBack
	old := sess.stream
	sess.stream = nil
	sess.gen++
	next := sess.gen
	sess.mu.Unlock()

	if old != nil {
		old.Close()
	}
	svc.log.Warn("audio: capture device failed", "session", sess.id, "device", describe(failed))

	cause := errors.New("capture stream stopped unexpectedly")
	if !failed.IsDefault && !fellBack {
		stream, dev, err := svc.fallback(sess, failed, next)
		if err == nil {
			sess.mu.Lock()
			sess.stream = stream
			sess.device = dev
			sess.fellBack = true
			sess.mu.Unlock()
			svc.log.Info("audio: switched to default device", "session", sess.id, "device", describe(dev))
			svc.mu.Unlock()
			return
		}
		svc.log.Warn("audio: fallback to default device failed", "session", sess.id, "error", err)
		cause = err
	}

	svc.finishLocked(sess, fault.DeviceFailure, cause)
	svc.mu.Unlock()
	sess.reportError(fault.DeviceFailure)
}

func (svc *Service) fallback(sess *Session, failed Device, gen int) (Stream, Device, error) {
	def, err := svc.registry.Default()
	if err != nil {
		return nil, Device{}, err
	}
	if def.Matches(failed.ID) {
		return nil, Device{}, fault.Newf(fault.DeviceFailure, "audio: fallback", "default device %s is the failed device", def.DisplayName)
	}
	stream, err := svc.open(def, sess, gen)
	if err != nil {
		return nil, Device{}, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, Device{}, err
	}
	return stream, def, nil
}

// finishLocked stops sess and records its take. svc.mu must be held.
func (svc *Service) finishLocked(sess *Session, failure fault.Kind, cause error) {
	sess.mu.Lock()
	if sess.take != nil {
		sess.mu.Unlock()
		return
	}
	sess.state = StateStopping
	sess.stopRequested = true
	stream := sess.stream
	sess.stream = nil
	sess.mu.Unlock()

	if stream != nil {
		if err := stream.Stop(); err != nil {
			svc.log.Warn("audio: stopping stream", "session", sess.id, "error", err)
		}
		stream.Close()
	}

	sess.mu.Lock()
	take := &Take{
		Frames:     sess.frames,
		FrameCount: sess.frameCount,
		ByteCount:  sess.byteCount,
		Config:     svc.cfg,
		Device:     sess.device,
		StartedAt:  sess.startedAt,
		StoppedAt:  time.Now(),
		Failure:    failure,
	}
	if failure != "" {
		take.Err = fault.New(failure, "audio: capture", cause)
	}
	sess.take = take
	sess.frames = nil
	sess.state = StateIdle
	close(sess.levels)
	sess.mu.Unlock()

	if svc.active == sess {
		svc.active = nil
	}
	svc.log.Debug("audio: recording stopped", "session", sess.id, "bytes", take.ByteCount, "failure", failure)
}
