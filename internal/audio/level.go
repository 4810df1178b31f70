package audio

import (
	"encoding/binary"
	"math"
)

// levelReference is the RMS amplitude, as a fraction of full scale, that
// maps to a level of 1.0. Conversational speech sits well below full scale.
const levelReference = 0.25

// Level reduces a 16-bit PCM buffer to its RMS, normalized to [0,1] against
// levelReference.
func Level(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	level := rms / levelReference
	if level > 1 {
		return 1
	}
	return level
}
