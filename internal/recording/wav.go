package recording

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/chaz8081/gostt-dictate/internal/fault"
)

// wavHeaderSize is the size of the canonical RIFF/WAVE PCM header.
const wavHeaderSize = 44

// Info describes a recording file.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Frames     int
	Size       int64
}

// writeWAV writes 16-bit PCM frames, in order, to a new file at path.
func writeWAV(path string, frames [][]byte, sampleRate, channels int) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	format := &audio.Format{NumChannels: channels, SampleRate: sampleRate}
	for _, frame := range frames {
		buf := &audio.IntBuffer{Format: format, SourceBitDepth: 16, Data: pcmToInts(frame)}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func pcmToInts(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Inspect validates a recording file and returns its format. Missing,
// empty, truncated or non-PCM files yield an InvalidAudio error; other I/O
// failures are classified through fault.ClassifyIO.
func Inspect(path string) (Info, error) {
	const op = "recording: inspect"

	f, err := os.Open(path)
	if err != nil {
		return Info{}, ioFault(op, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return Info{}, ioFault(op, err)
	}
	if st.Size() == 0 {
		return Info{}, fault.Newf(fault.InvalidAudio, op, "%s is empty", path)
	}
	if st.Size() < wavHeaderSize {
		return Info{}, fault.Newf(fault.InvalidAudio, op, "%s is truncated (%d bytes)", path, st.Size())
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Info{}, fault.Newf(fault.InvalidAudio, op, "%s is not a PCM WAV file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return Info{}, fault.New(fault.InvalidAudio, op, err)
	}
	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	if channels == 0 || bitDepth == 0 {
		return Info{}, fault.Newf(fault.InvalidAudio, op, "%s has no audio format", path)
	}
	frames := int(dec.PCMLen()) / (channels * bitDepth / 8)
	if frames == 0 {
		return Info{}, fault.Newf(fault.InvalidAudio, op, "%s contains no audio", path)
	}
	return Info{
		SampleRate: int(dec.SampleRate),
		Channels:   channels,
		BitDepth:   bitDepth,
		Frames:     frames,
		Size:       st.Size(),
	}, nil
}

// ReadPCM returns the raw 16-bit little-endian PCM payload of a recording.
func ReadPCM(path string) ([]byte, Info, error) {
	info, err := Inspect(path)
	if err != nil {
		return nil, Info{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, Info{}, ioFault("recording: read", err)
	}
	defer func() { _ = f.Close() }()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, Info{}, fault.New(fault.InvalidAudio, "recording: read", err)
	}
	if buf == nil {
		return nil, Info{}, fault.Newf(fault.InvalidAudio, "recording: read", "%s has no PCM data", path)
	}
	out := make([]byte, 0, len(buf.Data)*2)
	for _, v := range buf.Data {
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(v)))
	}
	return out, info, nil
}

func ioFault(op string, err error) error {
	kind := fault.ClassifyIO(err)
	if kind == "" {
		kind = fault.TransientIO
	}
	return fault.New(kind, op, err)
}
