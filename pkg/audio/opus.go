package audio

import (
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// opusFrameMs is the packet duration wearables send. The decode buffer is
// sized for it, so longer packets are rejected as malformed.
const opusFrameMs = 20

// OpusDecoder wraps a gopus decoder for a single client stream. The decoder
// state carries across packets, so each stream needs its own instance.
type OpusDecoder struct {
	dec       *gopus.Decoder
	rate      int
	frameSize int
	mixer     Downmixer
}

// NewOpusDecoder creates an Opus decoder producing mono PCM at sampleRate.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:       dec,
		rate:      sampleRate,
		frameSize: sampleRate * opusFrameMs / 1000,
		mixer:     Downmixer{Channels: channels},
	}, nil
}

// Format implements Decoder.
func (d *OpusDecoder) Format() Format { return Format{SampleRate: d.rate, Channels: 1} }

// Decode implements Decoder.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, errors.New("audio: empty opus packet")
	}
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return d.mixer.Mono(Int16sToBytes(pcm)), nil
}
