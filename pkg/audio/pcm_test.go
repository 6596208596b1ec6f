package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/sprechstunde/pkg/audio"
)

func TestFloat32ToInt16_Boundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"clamp above", 1.7, 32767},
		{"clamp below", -3, -32768},
		{"half positive", 0.5, 16384},
		{"half negative", -0.5, -16384},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.Float32ToInt16(tt.in); got != tt.want {
				t.Errorf("Float32ToInt16(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestPCM16_RoundTripWithinOneLSB(t *testing.T) {
	t.Parallel()
	const n = 4001
	in := make([]float32, n)
	for i := range in {
		in[i] = -1 + 2*float32(i)/float32(n-1)
	}

	out := audio.DecodePCM16LE(audio.EncodePCM16LE(in))
	if len(out) != len(in) {
		t.Fatalf("length: got %d, want %d", len(out), len(in))
	}
	const lsb = 1.0 / 32767
	for i := range in {
		if d := math.Abs(float64(out[i] - in[i])); d > lsb {
			t.Fatalf("sample %d: in=%v out=%v diff=%v exceeds 1 LSB", i, in[i], out[i], d)
		}
	}
}

func TestDecodePCM16LE_IgnoresTrailingByte(t *testing.T) {
	t.Parallel()
	got := audio.DecodePCM16LE([]byte{0xff, 0x7f, 0x01})
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("got %v, want [1]", got)
	}
}

func TestInt16sBytes(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768}
	got := audio.BytesToInt16s(audio.Int16sToBytes(in))
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}
