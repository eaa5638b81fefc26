package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV is returned by [ParseWAV] for input that is not a 16-bit PCM
// RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a 16-bit PCM WAV file")

// ParseWAV extracts the sample data of a 16-bit PCM WAV file and downmixes
// it to mono. It walks the RIFF chunks rather than assuming a 44-byte header.
func ParseWAV(wav []byte) (pcm []byte, sampleRate int, err error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}
	var (
		channels int
		foundFmt bool
	)
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(wav[body : body+2])
			channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(wav[body+14 : body+16])
			if format != 1 || bits != 16 || channels < 1 || sampleRate <= 0 {
				return nil, 0, fmt.Errorf("%w: format %d, %d bits, %d channels at %d Hz", ErrNotWAV, format, bits, channels, sampleRate)
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, 0, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			end := min(body+size, len(wav))
			data := wav[body:end]
			if channels > 1 {
				return averageChannels(data, channels), sampleRate, nil
			}
			data = data[:len(data)&^1]
			return append([]byte(nil), data...), sampleRate, nil
		}
		off = body + size
		if size%2 != 0 {
			off++
		}
	}
	return nil, 0, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}
