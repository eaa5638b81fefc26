package conversation

import (
	"context"

	"github.com/MrWong99/pendant/pkg/types"
)

// Lifecycle event types sent to the client and to lifecycle subscribers.
const (
	EventCreating            = "new_conversation_creating"
	EventCreated             = "new_conversation_created"
	EventCreateFailed        = "new_conversation_create_failed"
	EventProcessingStarted   = "conversation_processing_started"
	EventProcessingCompleted = "conversation_processing_completed"
	EventProcessingFailed    = "conversation_processing_failed"
	EventSegmentsFlushed     = "segments_flushed"
)

// Event is one lifecycle notification for the client.
type Event struct {
	Type           string
	ConversationID string
	Reason         string

	// Segments is set on segments_flushed.
	Segments []types.Segment
}

// Sink receives everything the assembler sends to the client. Send errors
// are logged and otherwise ignored; the session notices a dead socket on
// its own.
type Sink interface {
	Segments(ctx context.Context, segs []types.Segment) error
	Deleted(ctx context.Context, ids []string) error
	Event(ctx context.Context, ev Event) error
}
