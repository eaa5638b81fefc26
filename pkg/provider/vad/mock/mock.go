// Package mock provides scriptable vad.Engine and vad.SessionHandle doubles
// for gate and session tests.
//
//	sess := &mock.Session{Script: []float64{0.1, 0.9, 0.9}, Threshold: 0.5}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"bytes"
	"sync"

	"github.com/MrWong99/pendant/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out Session (or a fresh silent one) and remembers the
// configs it was asked for.
type Engine struct {
	Session       vad.SessionHandle
	NewSessionErr error

	mu      sync.Mutex
	configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.NewSessionErr != nil:
		return nil, e.NewSessionErr
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the configs passed to NewSession, oldest first.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session answers ProcessFrame from, in order of precedence: ProcessFrameErr,
// EventFunc, the next unused Script probability (classified against
// Threshold), and finally EventResult.
type Session struct {
	EventResult     vad.VADEvent
	EventFunc       func(frame []byte) (vad.VADEvent, error)
	Script          []float64
	Threshold       float64
	ProcessFrameErr error
	CloseErr        error

	mu     sync.Mutex
	frames [][]byte
	resets int
	closes int
}

func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.frames)
	s.frames = append(s.frames, bytes.Clone(frame))
	switch {
	case s.ProcessFrameErr != nil:
		return vad.VADEvent{}, s.ProcessFrameErr
	case s.EventFunc != nil:
		return s.EventFunc(frame)
	case n < len(s.Script):
		return vad.Classify(s.Script[n], s.Threshold), nil
	}
	return s.EventResult, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.CloseErr
}

// CallCount is the number of frames processed so far.
func (s *Session) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Frames returns copies of every processed frame.
func (s *Session) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// Resets is the number of Reset calls.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closes is the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
