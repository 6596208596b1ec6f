package pion

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/sprechstunde/pkg/audio"
)

// Peer audio is 48 kHz mono Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// opusMaxFrameSize is the longest frame a remote encoder may send (120 ms).
	opusMaxFrameSize = opusSampleRate * 120 / 1000

	opusMaxPacket = 1275
)

// opusDecoder decodes one remote track. Each track needs its own decoder
// because Opus carries state across consecutive packets.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("pion: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode turns one Opus packet into normalized mono samples.
func (d *opusDecoder) decode(packet []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("pion: opus decode: %w", err)
	}
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = audio.Int16ToFloat32(s)
	}
	return out, nil
}

// opusEncoder packs local audio into 20 ms Opus packets. Samples are
// buffered until a full frame is available.
type opusEncoder struct {
	enc     *gopus.Encoder
	pending []int16
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("pion: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// write appends 48 kHz mono samples and returns the packets of every frame
// completed by them.
func (e *opusEncoder) write(samples []float32) ([][]byte, error) {
	for _, s := range samples {
		e.pending = append(e.pending, audio.Float32ToInt16(s))
	}
	var packets [][]byte
	off := 0
	for len(e.pending)-off >= opusFrameSize {
		packet, err := e.enc.Encode(e.pending[off:off+opusFrameSize], opusFrameSize, opusMaxPacket)
		if err != nil {
			return packets, fmt.Errorf("pion: opus encode: %w", err)
		}
		packets = append(packets, packet)
		off += opusFrameSize
	}
	n := copy(e.pending, e.pending[off:])
	e.pending = e.pending[:n]
	return packets, nil
}
