package audio

import (
	"encoding/binary"
	"math"
)

// Float32ToInt16 converts one normalized sample to signed 16-bit PCM.
// The sample is clamped to [-1, 1]; negative values scale by 32768 and
// positive values by 32767 so both ends of the range are reachable. This is
// the wire format speech backends expect.
func Float32ToInt16(x float32) int16 {
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	if x < 0 {
		return int16(math.Round(float64(x) * 32768))
	}
	return int16(math.Round(float64(x) * 32767))
}

// Int16ToFloat32 is the inverse of [Float32ToInt16].
func Int16ToFloat32(s int16) float32 {
	if s < 0 {
		return float32(s) / 32768
	}
	return float32(s) / 32767
}

// EncodePCM16LE converts normalized samples to little-endian int16 bytes.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, x := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Float32ToInt16(x)))
	}
	return out
}

// DecodePCM16LE converts little-endian int16 bytes back to normalized samples.
// A trailing odd byte is ignored.
func DecodePCM16LE(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = Int16ToFloat32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
