// Package pcm converts native-rate float audio into fixed-size PCM16 chunks
// at the rate the STT service expects.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
)

const (
	DefaultTargetRate = 16000
	DefaultChunkSize  = 2048
	BitsPerSample     = 16
	Channels          = 1
	Encoding          = "pcm16"
)

// Quantize maps a sample in [-1, 1] to int16. Negative values scale by 32768
// and non-negative values by 32767, so -1 maps to -32768 and 1 to 32767.
// Out-of-range input is clamped.
func Quantize(s float64) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7fff)
}

// EncodeLE returns the little-endian byte representation of samples.
func EncodeLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodeLE is the inverse of EncodeLE. A trailing odd byte is ignored.
func DecodeLE(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// Base64 encodes samples as standard base64 of their little-endian bytes.
func Base64(samples []int16) string {
	return base64.StdEncoding.EncodeToString(EncodeLE(samples))
}

// BytesPerSecond is the PCM16 mono byte rate at sampleRate.
func BytesPerSecond(sampleRate int) int {
	return sampleRate * Channels * (BitsPerSample / 8)
}
