// Package types defines the shared types used across all pendant packages.
//
// These types form the lingua franca between the codec, the VAD gate, the STT
// providers, the normalizer and the conversation assembler. They are
// intentionally minimal; each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// AudioFrame is an immutable slice of signed 16-bit little-endian mono PCM
// flowing from the codec decoder into the VAD gate.
type AudioFrame struct {
	// Data holds the PCM samples. It must not be mutated after the frame is
	// handed downstream.
	Data []byte

	// SampleRate in Hz (8000 or 16000).
	SampleRate int

	// ReceivedAt is the wall-clock time at which the client bytes that
	// completed this frame arrived.
	ReceivedAt time.Time

	// Duration is the audio length of Data.
	Duration time.Duration
}

// Transcript is a provider event decoded into a provider-neutral shape. All
// times are relative to the provider socket's audio clock, not to the wall
// clock; the normalizer translates them.
type Transcript struct {
	// ID identifies the utterance. Partials and the final of the same
	// utterance share an ID.
	ID string

	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil.
	Words []WordDetail

	// SpeakerID is the provider's diarization label for the whole utterance
	// when words are not individually labelled. Empty when not diarized.
	SpeakerID string

	// Start and End bound the utterance on the provider clock.
	Start time.Duration
	End   time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64

	// Speaker is the diarization label for this word. Empty when the
	// provider does not diarize.
	Speaker string
}

// Segment is a transcript segment as delivered to the client and stored on a
// conversation. Start and End are seconds relative to the conversation's
// StartedAt.
type Segment struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker"`
	SpeakerID int     `json:"speaker_id"`
	IsUser    bool    `json:"is_user"`
	PersonID  *string `json:"person_id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`

	// Final is false while the provider may still refine the segment.
	Final bool `json:"-"`
}

// ConversationStatus enumerates the lifecycle states of a conversation.
type ConversationStatus string

const (
	StatusInProgress ConversationStatus = "in_progress"
	StatusProcessing ConversationStatus = "processing"
	StatusCompleted  ConversationStatus = "completed"
	StatusFailed     ConversationStatus = "failed"
)

// Conversation is the in-progress view of a conversation entity.
type Conversation struct {
	ID         string             `json:"id"`
	UID        string             `json:"uid"`
	Language   string             `json:"language"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Status     ConversationStatus `json:"status"`
	Segments   []Segment          `json:"transcript_segments"`
}

// HasFinalSpeech reports whether the conversation holds at least one final
// segment with non-empty text.
func (c *Conversation) HasFinalSpeech() bool {
	for _, s := range c.Segments {
		if s.Final && s.Text != "" {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Segments = append([]Segment(nil), c.Segments...)
	return &cp
}

// SpeechProfile is an enrollment clip of the known user. Audio is 16-bit
// mono PCM at SampleRate.
type SpeechProfile struct {
	UID        string
	Audio      []byte
	SampleRate int
	Duration   time.Duration
}
