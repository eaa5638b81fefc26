// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts gated PCM audio and emits a single ordered stream
// of Transcript values. Partials and finals of the same utterance share an ID;
// times are on the provider's audio clock, which only advances with audio the
// session actually sent.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/pendant/pkg/types"
)

// Error classes. Adapters wrap one of these so callers can classify failures
// with errors.Is.
var (
	// ErrAuth means the provider rejected the credentials. Terminal.
	ErrAuth = errors.New("stt: authentication failed")

	// ErrRejected means the provider refused the stream parameters, for
	// example an unsupported language. Terminal.
	ErrRejected = errors.New("stt: stream rejected")

	// ErrUnreachable means the provider could not be dialled. Transient.
	ErrUnreachable = errors.New("stt: provider unreachable")

	// ErrTransport means the connection failed twice in a row. Terminal.
	ErrTransport = errors.New("stt: transport failed")

	// ErrSessionClosed is returned by calls made after Close.
	ErrSessionClosed = errors.New("stt: session closed")
)

// IsTerminal reports whether err should end the session rather than be
// retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrRejected) || errors.Is(err, ErrTransport)
}

// ClassifyStatus maps an HTTP status seen while connecting to an error class.
func ClassifyStatus(code int) error {
	switch code {
	case 401, 403:
		return ErrAuth
	case 400, 404, 422:
		return ErrRejected
	default:
		return ErrUnreachable
	}
}

// StreamConfig describes the audio format and recognition options for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (8000 or 16000).
	SampleRate int

	// Channels is the number of audio channels. Sessions always send mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en", "fr").
	Language string

	// Region selects a regional endpoint when the provider offers several.
	Region string

	// Diarize asks the provider to label speakers.
	Diarize bool

	// InterimResults asks for partial transcripts.
	InterimResults bool

	// WordTimestamps asks for per-word timing.
	WordTimestamps bool

	// ProfileUserHint is a free-text hint about the known user, passed as
	// recognition context by providers that accept one.
	ProfileUserHint string
}

// Validate checks the fields every provider relies on.
func (c StreamConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("stt: sample rate %d must be positive", c.SampleRate)
	}
	return nil
}

// AudioDuration returns the play time of n bytes of 16-bit mono PCM.
func (c StreamConfig) AudioDuration(n int) time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(c.SampleRate)
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do so
// may leak goroutines and network connections inside the provider implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers gated PCM to the provider. A transient transport
	// failure is retried once inside the adapter; the returned error is
	// terminal. Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Finalize asks the provider to flush the current utterance. Results
	// arrive on Events.
	Finalize() error

	// Events returns the ordered transcript stream. It is closed after Close
	// completes or after a terminal failure.
	Events() <-chan types.Transcript

	// Err returns the terminal error, if any. Valid once Events is closed.
	Err() error

	// Close flushes pending results and releases all resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// StartStream opens a new streaming transcription session. It fails with
	// an error wrapping ErrUnreachable, ErrAuth or ErrRejected. The caller
	// owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// ShiftTranscript moves every time in t by d on the provider clock.
func ShiftTranscript(t types.Transcript, d time.Duration) types.Transcript {
	if d == 0 {
		return t
	}
	t.Start += d
	t.End += d
	if len(t.Words) > 0 {
		words := make([]types.WordDetail, len(t.Words))
		for i, w := range t.Words {
			w.Start += d
			w.End += d
			words[i] = w
		}
		t.Words = words
	}
	return t
}
