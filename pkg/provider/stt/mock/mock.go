// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(types.Transcript{ID: "1", Text: "hello", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
	// Session is the handle that was returned, nil on error.
	Session *Session
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Sessions are handed out in order by StartStream. Once exhausted, each
	// call returns a fresh NewSession.
	Sessions []*Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamFunc, when set, decides the error for each call by index.
	StartStreamFunc func(call int, cfg stt.StreamConfig) error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Name implements stt.Provider.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// StartStream records the call and returns the next session or StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := StartStreamCall{Ctx: ctx, Cfg: cfg}
	err := p.StartStreamErr
	if p.StartStreamFunc != nil {
		err = p.StartStreamFunc(len(p.StartStreamCalls), cfg)
	}
	if err != nil {
		p.StartStreamCalls = append(p.StartStreamCalls, call)
		return nil, err
	}
	var s *Session
	if len(p.Sessions) > 0 {
		s = p.Sessions[0]
		p.Sessions = p.Sessions[1:]
	} else {
		s = NewSession()
	}
	call.Session = s
	p.StartStreamCalls = append(p.StartStreamCalls, call)
	return s, nil
}

// Calls returns a snapshot of the recorded StartStream calls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.StartStreamCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Session is a mock implementation of stt.SessionHandle. Events pushed with
// Emit are delivered on Events; Close or Fail closes the channel.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events.
	EventsCh chan types.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// FinalizeErr, if non-nil, is returned by every Finalize call.
	FinalizeErr error

	// OnFinalize, when set, runs on every Finalize call.
	OnFinalize func(s *Session)

	// ErrValue is returned by Err.
	ErrValue error

	// --- Call records ---

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// FinalizeCount is the number of Finalize calls.
	FinalizeCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan types.Transcript, 64)}
}

// Emit delivers t on Events. It is a no-op once the session is closed.
func (s *Session) Emit(t types.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.EventsCh <- t
}

// Fail records err as the terminal error and closes Events.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrValue = err
	if !s.closed {
		s.closed = true
		close(s.EventsCh)
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && s.ErrValue == nil {
		return stt.ErrSessionClosed
	}
	s.SendAudioCalls = append(s.SendAudioCalls, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// Finalize records the call and returns FinalizeErr.
func (s *Session) Finalize() error {
	s.mu.Lock()
	s.FinalizeCount++
	fn, err := s.OnFinalize, s.FinalizeErr
	s.mu.Unlock()
	if fn != nil {
		fn(s)
	}
	return err
}

// Events returns EventsCh.
func (s *Session) Events() <-chan types.Transcript { return s.EventsCh }

// Err returns ErrValue.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrValue
}

// Close records the call and closes Events once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.EventsCh)
	}
	return nil
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// SentBytes returns the total number of bytes passed to SendAudio.
func (s *Session) SentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.SendAudioCalls {
		n += len(c)
	}
	return n
}

// Finalizes returns FinalizeCount. Thread-safe.
func (s *Session) Finalizes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalizeCount
}

// Closed reports whether Close or Fail has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
