// Package pcm converts between native integer PCM encodings and the float32
// samples used throughout the pipeline. All integer encodings are
// little-endian; 8-bit is unsigned per the WAV convention.
package pcm

import (
	"encoding/binary"
	"fmt"

	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// BytesToFloat32 converts raw PCM bytes of the given sample width to
// float32 samples in [-1, 1]. Trailing bytes that do not form a whole
// sample are ignored.
func BytesToFloat32(data []byte, bitsPerSample int) ([]float32, error) {
	switch bitsPerSample {
	case 8:
		return U8ToFloat32(data), nil
	case 16:
		return S16ToFloat32(data), nil
	case 24:
		return S24ToFloat32(data), nil
	case 32:
		return S32ToFloat32(data), nil
	default:
		return nil, fmt.Errorf("%w: sample width %d bits", types.ErrInvalidArgument, bitsPerSample)
	}
}

// U8ToFloat32 converts unsigned 8-bit PCM: (byte - 128) / 128.
func U8ToFloat32(data []byte) []float32 {
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = (float32(b) - 128.0) / 128.0
	}
	return out
}

// S16ToFloat32 converts signed 16-bit little-endian PCM: int16 / 32768.
func S16ToFloat32(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// S24ToFloat32 converts signed 24-bit little-endian PCM packed in 3 bytes:
// sign-extended value / 8388608.
func S24ToFloat32(data []byte) []float32 {
	n := len(data) / 3
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		b := data[i*3 : i*3+3]
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v -= 0x1000000
		}
		out[i] = float32(v) / 8388608.0
	}
	return out
}

// S32ToFloat32 converts signed 32-bit little-endian PCM: int32 / 2147483648.
func S32ToFloat32(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int32(binary.LittleEndian.Uint32(data[i*4:]))
		out[i] = float32(float64(v) / 2147483648.0)
	}
	return out
}

// Float32ToS16 converts float32 samples in [-1, 1] to signed 16-bit
// little-endian PCM, clamping out-of-range input.
func Float32ToS16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32768.0)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
