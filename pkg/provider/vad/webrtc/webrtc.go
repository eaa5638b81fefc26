// Package webrtc provides a vad.Engine backed by the WebRTC voice activity
// detector.
//
// The WebRTC detector only emits a boolean per 10, 20 or 30 ms frame. To
// produce a probability the session splits every frame into 10 ms sub-frames
// and reports the fraction classified as speech, so a 30 ms frame yields one
// of 0, 1/3, 2/3 or 1.
package webrtc

import (
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/pendant/pkg/provider/vad"
)

const subFrameMs = 10

// Engine implements vad.Engine.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns a WebRTC VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements vad.Engine. Supported sample rates are 8, 16, 32
// and 48 kHz; FrameSizeMs must be a multiple of 10.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("webrtc vad: unsupported sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs%subFrameMs != 0 {
		return nil, fmt.Errorf("webrtc vad: frame size %d ms is not a multiple of %d ms", cfg.FrameSizeMs, subFrameMs)
	}
	mode := min(max(cfg.Aggressiveness, 0), 3)

	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create: %w", err)
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode %d: %w", mode, err)
	}
	return &session{
		vad:        v,
		cfg:        cfg,
		frameBytes: cfg.FrameBytes(),
		subBytes:   cfg.SampleRate * subFrameMs / 1000 * 2,
	}, nil
}

// session implements vad.SessionHandle. It is not safe for concurrent use.
type session struct {
	vad        *webrtcvad.VAD
	cfg        vad.Config
	frameBytes int
	subBytes   int

	closeOnce sync.Once
	closed    bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("webrtc vad: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}
	var voiced, total int
	for off := 0; off+s.subBytes <= len(frame); off += s.subBytes {
		active, err := s.vad.Process(s.cfg.SampleRate, frame[off:off+s.subBytes])
		if err != nil {
			return vad.VADEvent{}, fmt.Errorf("webrtc vad: process: %w", err)
		}
		total++
		if active {
			voiced++
		}
	}
	p := float64(voiced) / float64(total)
	return vad.Classify(p, s.cfg.SpeechThreshold), nil
}

// Reset is a no-op: the detector keeps only short-term internal smoothing.
func (s *session) Reset() {}

func (s *session) Close() error {
	s.closeOnce.Do(func() { s.closed = true })
	return nil
}
