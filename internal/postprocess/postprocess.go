// Package postprocess connects the conversation assembler to the
// post-processing collaborator that turns a finished in-progress
// conversation into a processed one, and to subscribers of conversation
// lifecycle events.
package postprocess

import (
	"context"
	"errors"

	"github.com/MrWong99/pendant/pkg/types"
)

// ErrFailed is returned when the collaborator answers with a failure.
var ErrFailed = errors.New("postprocess: processing failed")

// Processed is the collaborator's answer for one conversation.
type Processed struct {
	ConversationID string                   `json:"conversation_id"`
	Status         types.ConversationStatus `json:"status"`
	Error          string                   `json:"error,omitempty"`
}

// Processor finalizes a conversation snapshot. Implementations must not
// retain snap after returning.
type Processor interface {
	Finalize(ctx context.Context, snap *types.Conversation) (Processed, error)
}

// Event is a conversation lifecycle notification.
type Event struct {
	Type           string `json:"event_type"`
	UID            string `json:"uid"`
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Publisher broadcasts lifecycle events. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Noop completes every conversation immediately and publishes nothing.
type Noop struct{}

var (
	_ Processor = Noop{}
	_ Publisher = Noop{}
)

// Finalize implements [Processor].
func (Noop) Finalize(_ context.Context, snap *types.Conversation) (Processed, error) {
	return Processed{ConversationID: snap.ID, Status: types.StatusCompleted}, nil
}

// Publish implements [Publisher].
func (Noop) Publish(context.Context, Event) error { return nil }
