package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// maxPacketSize bounds one encoded Opus packet.
const maxPacketSize = 4000

// OpusEncoder turns mono float32 frames into Opus packets for the outbound track.
type OpusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

func NewOpusEncoder(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, buf: make([]byte, maxPacketSize)}, nil
}

// Encode compresses one frame. Frame length must be a valid Opus frame
// size for the encoder's rate, e.g. 480 samples at 24kHz.
func (e *OpusEncoder) Encode(frame []float32) ([]byte, error) {
	n, err := e.enc.EncodeFloat32(frame, e.buf)
	if err != nil {
		return nil, fmt.Errorf("encode opus frame: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// OpusDecoder turns inbound Opus packets into float32 PCM.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []float32
}

func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	// 120ms is the longest Opus frame.
	return &OpusDecoder{dec: dec, channels: channels, pcm: make([]float32, sampleRate*channels*120/1000)}, nil
}

// Decode returns the interleaved samples of one packet.
func (d *OpusDecoder) Decode(packet []byte) ([]float32, error) {
	n, err := d.dec.DecodeFloat32(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("decode opus packet: %w", err)
	}
	out := make([]float32, n*d.channels)
	copy(out, d.pcm[:n*d.channels])
	return out, nil
}
