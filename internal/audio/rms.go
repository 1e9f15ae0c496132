package audio

import (
	"encoding/binary"
	"math"
)

// Supported PCM sample encodings for RMS.
const (
	BitDepth8  = 8  // unsigned 8-bit
	BitDepth16 = 16 // signed 16-bit little endian
	BitDepth32 = 32 // IEEE float32 little endian
)

// RMS computes the normalized root-mean-square energy (0.0-1.0) of a raw PCM
// buffer. Unknown bit depths are treated as 8-bit unsigned.
func RMS(data []byte, bitDepth int) float64 {
	if len(data) == 0 {
		return 0
	}

	var sum float64
	var count int

	switch bitDepth {
	case BitDepth16:
		for i := 0; i+1 < len(data); i += 2 {
			sample := int16(binary.LittleEndian.Uint16(data[i:]))
			n := float64(sample) / 32768.0
			sum += n * n
			count++
		}
	case BitDepth32:
		for i := 0; i+3 < len(data); i += 4 {
			sample := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i:])))
			sum += sample * sample
			count++
		}
	default:
		for _, b := range data {
			n := (float64(b) - 128.0) / 128.0
			sum += n * n
			count++
		}
	}

	if count == 0 {
		return 0
	}
	return clamp(math.Sqrt(sum / float64(count)))
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
