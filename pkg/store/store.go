// Package store defines the persistence collaborators of the ingestion
// pipeline: in-progress conversations, speech profiles, and user resolution.
//
// Three backends implement [Store]:
//
//   - postgres: pgx connection pool, for multi-node deployments
//   - sqlite: a single database file, for single-node deployments
//   - memstore: process memory, for tests and local development
//
// Every conversation write is keyed by (uid, conversation ID) and is
// idempotent: replaying a call leaves the row in the same state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/pendant/pkg/types"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ConversationStore persists the in-progress conversation of a session.
type ConversationStore interface {
	// UpsertInProgress creates conv or overwrites the stored copy.
	UpsertInProgress(ctx context.Context, conv *types.Conversation) error

	// UpdateSegments replaces the transcript segments of a conversation.
	UpdateSegments(ctx context.Context, uid, convID string, segs []types.Segment) error

	// UpdateFinishedAt sets finished_at. Earlier values than the stored one
	// are ignored.
	UpdateFinishedAt(ctx context.Context, uid, convID string, t time.Time) error

	// UpdateStatus sets the conversation status.
	UpdateStatus(ctx context.Context, uid, convID string, status types.ConversationStatus) error

	// DeleteInProgress removes a conversation that is still in progress.
	// Deleting a missing or already processed conversation is a no-op.
	DeleteInProgress(ctx context.Context, uid, convID string) error

	// GetConversation returns one conversation.
	GetConversation(ctx context.Context, uid, convID string) (*types.Conversation, error)
}

// ProfileStore serves speech-profile enrollment clips.
type ProfileStore interface {
	// GetProfile returns the speech profile of uid, or [ErrNotFound].
	GetProfile(ctx context.Context, uid string) (types.SpeechProfile, error)

	// PutProfile stores or replaces the speech profile of p.UID.
	PutProfile(ctx context.Context, p types.SpeechProfile) error
}

// User is a resolved client identity.
type User struct {
	UID       string
	Name      string
	CreatedAt time.Time
}

// UserResolver resolves the user handle a client connects with.
type UserResolver interface {
	// ResolveUser returns the user for uid, or [ErrNotFound].
	ResolveUser(ctx context.Context, uid string) (User, error)
}

// Store bundles every collaborator one backend provides.
type Store interface {
	ConversationStore
	ProfileStore
	UserResolver

	// PutUser registers or renames a user.
	PutUser(ctx context.Context, u User) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// storedSegment is the persisted form of a segment. Unlike the client JSON it
// keeps the final flag, which the close-flush policy depends on.
type storedSegment struct {
	types.Segment
	Final bool `json:"final"`
}

// MarshalSegments encodes segments for a JSON column.
func MarshalSegments(segs []types.Segment) ([]byte, error) {
	out := make([]storedSegment, len(segs))
	for i, s := range segs {
		out[i] = storedSegment{Segment: s, Final: s.Final}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("store: marshal segments: %w", err)
	}
	return b, nil
}

// UnmarshalSegments decodes a JSON column written by [MarshalSegments].
func UnmarshalSegments(b []byte) ([]types.Segment, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var in []storedSegment
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("store: unmarshal segments: %w", err)
	}
	out := make([]types.Segment, len(in))
	for i, s := range in {
		out[i] = s.Segment
		out[i].Final = s.Final
	}
	return out, nil
}
