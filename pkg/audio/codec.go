package audio

import (
	"errors"
	"fmt"
)

// Codec names the wire encoding of client uplink audio.
type Codec string

const (
	// CodecPCM8 is 8 kHz signed 16-bit little-endian PCM.
	CodecPCM8 Codec = "pcm8"

	// CodecPCM16 is 16 kHz signed 16-bit little-endian PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus is 16 kHz Opus, one packet per uplink message.
	CodecOpus Codec = "opus"
)

// ErrUnsupportedCodec is returned when a codec/sample-rate pair is not in
// the supported set.
var ErrUnsupportedCodec = errors.New("audio: unsupported codec")

// Supported reports whether the codec can be decoded at sampleRate.
func Supported(codec Codec, sampleRate int) bool {
	switch codec {
	case CodecPCM8:
		return sampleRate == 8000
	case CodecPCM16, CodecOpus:
		return sampleRate == 16000
	}
	return false
}

// Decoder converts one uplink message into mono PCM at the session's sample
// rate. Implementations keep per-stream state and must not be shared between
// sessions or used from more than one goroutine at a time.
type Decoder interface {
	// Decode returns the mono PCM for data. A returned error means the
	// message was rejected and should be counted and dropped; the decoder
	// remains usable.
	Decode(data []byte) ([]byte, error)

	// Format reports the output format (always mono).
	Format() Format
}

// NewDecoder returns the decoder for codec at sampleRate with the given
// uplink channel count.
func NewDecoder(codec Codec, sampleRate, channels int) (Decoder, error) {
	if !Supported(codec, sampleRate) {
		return nil, fmt.Errorf("%w: %s at %d Hz", ErrUnsupportedCodec, codec, sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}
	if channels > 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedCodec, channels)
	}
	switch codec {
	case CodecOpus:
		return NewOpusDecoder(sampleRate, channels)
	default:
		return NewPCMDecoder(sampleRate, channels), nil
	}
}

// PCMDecoder passes raw PCM through, downmixing when the client sends more
// than one channel. Odd trailing bytes are carried over to the next call so
// the sample grid never shifts.
type PCMDecoder struct {
	rate    int
	mixer   Downmixer
	residue []byte
}

// NewPCMDecoder creates a passthrough decoder.
func NewPCMDecoder(sampleRate, channels int) *PCMDecoder {
	return &PCMDecoder{rate: sampleRate, mixer: Downmixer{Channels: channels}}
}

// Format implements Decoder.
func (d *PCMDecoder) Format() Format { return Format{SampleRate: d.rate, Channels: 1} }

// Decode implements Decoder. For aligned mono input it returns data itself.
func (d *PCMDecoder) Decode(data []byte) ([]byte, error) {
	stride := max(d.mixer.Channels, 1) * BytesPerSample
	if len(d.residue) > 0 {
		data = append(d.residue, data...)
		d.residue = nil
	}
	if tail := len(data) % stride; tail != 0 {
		d.residue = append([]byte(nil), data[len(data)-tail:]...)
		data = data[:len(data)-tail]
	}
	return d.mixer.Mono(data), nil
}
