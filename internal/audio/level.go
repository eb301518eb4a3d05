package audio

import (
	"encoding/binary"
	"math"
)

// maxSampleMagnitude is the largest magnitude a signed 16-bit PCM sample can hold
const maxSampleMagnitude = 32768.0

// LevelPercent derives a UI-facing level meter value from one frame of samples.
// The value is the normalized average magnitude of the frame, clamped to [0,1].
// It is a pure function of the frame so the meter is reproducible in tests.
func LevelPercent(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}

	level := sum / float64(len(samples)) / maxSampleMagnitude
	if level > 1 {
		level = 1
	}
	return level
}

// CalculateRMS calculates the root mean square energy of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sumSquares float64
	for _, s := range samples {
		f := float64(s)
		sumSquares += f * f
	}

	return math.Sqrt(sumSquares / float64(len(samples)))
}

// DecodePCM16 converts little-endian 16-bit PCM bytes into samples.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
