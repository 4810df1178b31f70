package audio

import (
	"encoding/hex"
	"fmt"

	"github.com/gen2brain/malgo"
)

// MalgoBackend captures through miniaudio.
type MalgoBackend struct {
	ctx *malgo.AllocatedContext
}

// NewMalgoBackend initializes a miniaudio context. Call Close when done.
func NewMalgoBackend() (*MalgoBackend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: initializing context: %w", err)
	}
	return &MalgoBackend{ctx: ctx}, nil
}

// Devices enumerates capture endpoints as miniaudio reports them.
func (b *MalgoBackend) Devices() ([]RawDevice, error) {
	infos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("audio: enumerating capture devices: %w", err)
	}

	devices := make([]RawDevice, 0, len(infos))
	for _, info := range infos {
		channels := 0
		for i := 0; i < int(info.FormatCount) && i < len(info.Formats); i++ {
			if c := int(info.Formats[i].Channels); c > channels {
				channels = c
			}
		}
		devices = append(devices, RawDevice{
			ID:        hex.EncodeToString(info.ID[:]),
			Name:      info.Name(),
			Channels:  channels,
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// Open initializes a capture device. miniaudio drives cb from its own thread.
func (b *MalgoBackend) Open(dev *RawDevice, cfg CaptureConfig, cb Callbacks) (Stream, error) {
	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = cfg.Channels
	deviceCfg.SampleRate = cfg.SampleRate

	if dev != nil {
		raw, err := hex.DecodeString(dev.ID)
		if err != nil {
			return nil, fmt.Errorf("audio: invalid device id %q: %w", dev.ID, err)
		}
		var id malgo.DeviceID
		copy(id[:], raw)
		deviceCfg.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			if cb.Data != nil {
				cb.Data(input, frameCount)
			}
		},
		Stop: func() {
			if cb.Stopped != nil {
				cb.Stopped()
			}
		},
	}

	device, err := malgo.InitDevice(b.ctx.Context, deviceCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("audio: initializing capture device: %w", err)
	}
	return &malgoStream{device: device}, nil
}

// Close releases the miniaudio context.
func (b *MalgoBackend) Close() error {
	if b.ctx == nil {
		return nil
	}
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("audio: uninitializing context: %w", err)
	}
	b.ctx.Free()
	b.ctx = nil
	return nil
}

type malgoStream struct {
	device *malgo.Device
}

func (s *malgoStream) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("audio: starting capture device: %w", err)
	}
	return nil
}

func (s *malgoStream) Stop() error {
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("audio: stopping capture device: %w", err)
	}
	return nil
}

func (s *malgoStream) Close() {
	s.device.Uninit()
}
