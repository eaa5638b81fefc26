// Package energy provides a dependency-free vad.Engine that scores frames by
// their root-mean-square energy.
//
// The probability is a smooth ramp between a noise floor and a speech level,
// both expressed in 16-bit PCM units. It is a fallback for hosts where the
// WebRTC detector is unavailable and a deterministic engine for tests.
package energy

import (
	"fmt"
	"math"

	"github.com/MrWong99/pendant/pkg/provider/vad"
)

const (
	// DefaultNoiseFloor is the RMS at or below which a frame scores 0.
	DefaultNoiseFloor = 150.0

	// DefaultSpeechLevel is the RMS at or above which a frame scores 1.
	DefaultSpeechLevel = 1200.0
)

// Option configures an Engine.
type Option func(*Engine)

// WithLevels overrides the noise floor and the full-speech level.
func WithLevels(noiseFloor, speechLevel float64) Option {
	return func(e *Engine) {
		e.floor = noiseFloor
		e.level = speechLevel
	}
}

// Engine implements vad.Engine.
type Engine struct {
	floor float64
	level float64
}

var _ vad.Engine = (*Engine)(nil)

// New returns an energy engine.
func New(opts ...Option) *Engine {
	e := &Engine{floor: DefaultNoiseFloor, level: DefaultSpeechLevel}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if e.level <= e.floor {
		return nil, fmt.Errorf("energy vad: speech level %.0f must exceed noise floor %.0f", e.level, e.floor)
	}
	return &session{engine: e, cfg: cfg, frameBytes: cfg.FrameBytes()}, nil
}

type session struct {
	engine     *Engine
	cfg        vad.Config
	frameBytes int
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}
	return vad.Classify(s.engine.Probability(RMS(frame)), s.cfg.SpeechThreshold), nil
}

func (s *session) Reset() {}

func (s *session) Close() error { return nil }

// Probability maps an RMS value onto [0, 1].
func (e *Engine) Probability(rms float64) float64 {
	switch {
	case rms <= e.floor:
		return 0
	case rms >= e.level:
		return 1
	}
	return (rms - e.floor) / (e.level - e.floor)
}

// RMS computes the root-mean-square amplitude of 16-bit little-endian PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
