// Package audio holds PCM helpers shared by speech capture and playback.
// All audio is mono 16-bit signed little-endian PCM.
package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

var (
	// ErrEmptyPCM is returned for zero-length input.
	ErrEmptyPCM = errors.New("empty PCM data")
	// ErrOddPCM is returned when the byte count is not a whole number of samples.
	ErrOddPCM = errors.New("PCM data length must be even (16-bit samples)")
)

// BytesToSamples decodes little-endian PCM16 bytes.
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyPCM
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, ErrOddPCM
	}

	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes encodes samples as little-endian PCM16.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ResamplePCM converts PCM16 bytes between sample rates, e.g. 24 kHz
// synthesized speech to the playback device rate.
func ResamplePCM(pcm []byte, inputRate, outputRate int) ([]byte, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, errors.New("sample rates must be positive")
	}
	if inputRate == outputRate {
		if len(pcm)%BytesPerSample != 0 {
			return nil, ErrOddPCM
		}
		return pcm, nil
	}

	samples, err := BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	return SamplesToBytes(Resample(samples, inputRate, outputRate)), nil
}

// Resample performs linear interpolation resampling. Good enough for speech.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := range output {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
