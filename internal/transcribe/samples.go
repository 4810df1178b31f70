package transcribe

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
	"github.com/zeozeozeo/gomplerate"

	"github.com/chaz8081/gostt-dictate/internal/fault"
)

// whisperSampleRate is the input rate whisper.cpp expects.
const whisperSampleRate = 16000

// loadSamples decodes a 16-bit PCM WAV file to mono float32 samples at
// 16kHz, normalized to [-1.0, 1.0].
func loadSamples(path string) ([]float32, error) {
	const op = "transcribe: load samples"

	f, err := os.Open(path)
	if err != nil {
		if kind := fault.ClassifyIO(err); kind != "" {
			return nil, fault.New(kind, op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = f.Close() }()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fault.Newf(fault.InvalidAudio, op, "%s is not a PCM WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fault.New(fault.InvalidAudio, op, err)
	}
	if buf == nil || len(buf.Data) == 0 || buf.Format == nil {
		return nil, fault.Newf(fault.InvalidAudio, op, "%s contains no audio", path)
	}

	mono := downmix(buf.Data, buf.Format.NumChannels)
	mono = resample(mono, buf.Format.SampleRate, whisperSampleRate)

	out := make([]float32, len(mono))
	for i, s := range mono {
		out[i] = float32(s) / 32768.0
	}
	return out, nil
}

// downmix averages interleaved channels into one.
func downmix(data []int, channels int) []int16 {
	if channels < 1 {
		channels = 1
	}
	out := make([]int16, len(data)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += data[i*channels+c]
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func resample(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 {
		return samples
	}
	r, err := gomplerate.NewResampler(1, from, to)
	if err != nil {
		return samples
	}
	return r.ResampleInt16(samples)
}
