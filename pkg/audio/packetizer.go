package audio

import (
	"time"

	"github.com/MrWong99/pendant/pkg/types"
)

// DefaultFrameDuration is the frame size the VAD gate operates on.
const DefaultFrameDuration = 30 * time.Millisecond

// Packetizer cuts a continuous mono PCM stream into fixed-duration frames.
// Bytes that do not fill a whole frame are kept until the next call.
// Not safe for concurrent use.
type Packetizer struct {
	rate       int
	frameDur   time.Duration
	frameBytes int
	residue    []byte
}

// NewPacketizer creates a packetizer for mono PCM at sampleRate that emits
// frames of frameDur (DefaultFrameDuration when zero).
func NewPacketizer(sampleRate int, frameDur time.Duration) *Packetizer {
	if frameDur <= 0 {
		frameDur = DefaultFrameDuration
	}
	return &Packetizer{
		rate:       sampleRate,
		frameDur:   frameDur,
		frameBytes: Format{SampleRate: sampleRate, Channels: 1}.BytesFor(frameDur),
	}
}

// FrameBytes returns the byte length of every emitted frame.
func (p *Packetizer) FrameBytes() int { return p.frameBytes }

// Buffered returns the number of residue bytes awaiting a full frame.
func (p *Packetizer) Buffered() int { return len(p.residue) }

// Push appends pcm and returns every complete frame, each stamped with
// receivedAt. Frames cut directly from pcm share its backing array; pcm must
// not be modified afterwards.
func (p *Packetizer) Push(pcm []byte, receivedAt time.Time) []types.AudioFrame {
	if len(pcm) == 0 {
		return nil
	}
	var frames []types.AudioFrame

	if len(p.residue) > 0 {
		need := p.frameBytes - len(p.residue)
		if len(pcm) < need {
			p.residue = append(p.residue, pcm...)
			return nil
		}
		joined := make([]byte, 0, p.frameBytes)
		joined = append(joined, p.residue...)
		joined = append(joined, pcm[:need]...)
		frames = append(frames, p.frame(joined, receivedAt))
		pcm = pcm[need:]
		p.residue = p.residue[:0]
	}

	for len(pcm) >= p.frameBytes {
		frames = append(frames, p.frame(pcm[:p.frameBytes:p.frameBytes], receivedAt))
		pcm = pcm[p.frameBytes:]
	}
	if len(pcm) > 0 {
		p.residue = append(p.residue, pcm...)
	}
	return frames
}

// Flush pads any residue with silence and returns it as a final frame. It
// reports false when nothing was buffered.
func (p *Packetizer) Flush(receivedAt time.Time) (types.AudioFrame, bool) {
	if len(p.residue) == 0 {
		return types.AudioFrame{}, false
	}
	data := make([]byte, p.frameBytes)
	copy(data, p.residue)
	p.residue = p.residue[:0]
	return p.frame(data, receivedAt), true
}

func (p *Packetizer) frame(data []byte, receivedAt time.Time) types.AudioFrame {
	return types.AudioFrame{
		Data:       data,
		SampleRate: p.rate,
		ReceivedAt: receivedAt,
		Duration:   p.frameDur,
	}
}
