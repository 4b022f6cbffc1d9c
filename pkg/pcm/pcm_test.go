package pcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denimcouch/cli-visualizer/pkg/types"
)

func TestU8ToFloat32Boundaries(t *testing.T) {
	t.Parallel()

	got := U8ToFloat32([]byte{0, 128, 255, 64, 192})
	require.Len(t, got, 5)
	assert.Equal(t, float32(-1.0), got[0])
	assert.Equal(t, float32(0.0), got[1])
	assert.Equal(t, float32(127.0/128.0), got[2])
	assert.Equal(t, float32(-0.5), got[3])
	assert.Equal(t, float32(0.5), got[4])
}

func TestS16ToFloat32Boundaries(t *testing.T) {
	t.Parallel()

	input := []byte{
		0x00, 0x00, // 0
		0xFF, 0x7F, // 32767
		0x00, 0x80, // -32768
		0x00, 0x40, // 16384
		0x00, 0xC0, // -16384
	}
	got := S16ToFloat32(input)
	require.Len(t, got, 5)
	assert.Equal(t, float32(0.0), got[0])
	assert.Equal(t, float32(32767.0/32768.0), got[1])
	assert.Equal(t, float32(-1.0), got[2])
	assert.Equal(t, float32(0.5), got[3])
	assert.Equal(t, float32(-0.5), got[4])
}

func TestS24SignCrossover(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
		want  float32
	}{
		{"zero", []byte{0x00, 0x00, 0x00}, 0.0},
		{"max_positive", []byte{0xFF, 0xFF, 0x7F}, 8388607.0 / 8388608.0},
		{"min_negative", []byte{0x00, 0x00, 0x80}, -1.0},
		// Little-endian 0x876543 is negative: 0x876543 - 0x1000000 = -7903933.
		{"crossover", []byte{0x43, 0x65, 0x87}, -7903933.0 / 8388608.0},
		{"minus_one_lsb", []byte{0xFF, 0xFF, 0xFF}, -1.0 / 8388608.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := S24ToFloat32(tt.input)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

func TestS32ToFloat32Boundaries(t *testing.T) {
	t.Parallel()

	input := []byte{
		0x00, 0x00, 0x00, 0x00, // 0
		0xFF, 0xFF, 0xFF, 0x7F, // max positive
		0x00, 0x00, 0x00, 0x80, // min negative
	}
	got := S32ToFloat32(input)
	require.Len(t, got, 3)
	assert.Equal(t, float32(0.0), got[0])
	assert.InDelta(t, 1.0, float64(got[1]), 1e-6)
	assert.Equal(t, float32(-1.0), got[2])
}

func TestBytesToFloat32Dispatch(t *testing.T) {
	t.Parallel()

	got, err := BytesToFloat32([]byte{0x00, 0x40}, 16)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, got)

	_, err = BytesToFloat32([]byte{0x00}, 12)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestBytesToFloat32IgnoresTrailingPartialSample(t *testing.T) {
	t.Parallel()

	got, err := BytesToFloat32([]byte{0x00, 0x40, 0xAA}, 16)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, got)
}

// Round-tripping every representable 16-bit value through float32 and back
// must preserve sign and magnitude within one LSB.
func TestS16RoundTrip(t *testing.T) {
	t.Parallel()

	input := make([]byte, 0, 65536*2)
	for v := -32768; v <= 32767; v++ {
		input = append(input, byte(v), byte(v>>8))
	}

	floats := S16ToFloat32(input)
	back := Float32ToS16(floats)
	require.Len(t, back, len(input))

	for i := 0; i < len(input); i += 2 {
		orig := int16(uint16(input[i]) | uint16(input[i+1])<<8)
		got := int16(uint16(back[i]) | uint16(back[i+1])<<8)
		diff := int(orig) - int(got)
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, 1, "value %d round-tripped to %d", orig, got)
	}
}

func TestFloat32ToS16Clamps(t *testing.T) {
	t.Parallel()

	out := Float32ToS16([]float32{1.5, -1.5, 1.0, -1.0})
	got := S16ToFloat32(out)
	assert.Equal(t, float32(32767.0/32768.0), got[0])
	assert.Equal(t, float32(-1.0), got[1])
	assert.Equal(t, float32(32767.0/32768.0), got[2])
	assert.Equal(t, float32(-1.0), got[3])
}
