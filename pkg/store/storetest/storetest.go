// Package storetest is a behaviour suite every [store.Store] backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/pendant/pkg/store"
	"github.com/MrWong99/pendant/pkg/types"
)

// Run executes the suite. open must return an empty store; Run closes it.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"UpsertAndGet", testUpsertAndGet},
		{"UpsertIsIdempotent", testUpsertIsIdempotent},
		{"Updates", testUpdates},
		{"UpdateMissing", testUpdateMissing},
		{"FinishedAtIsMonotonic", testFinishedAtIsMonotonic},
		{"DeleteInProgress", testDeleteInProgress},
		{"Profiles", testProfiles},
		{"Users", testUsers},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func newConversation() *types.Conversation {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &types.Conversation{
		ID:         "conv-1",
		UID:        "user-1",
		Language:   "en",
		CreatedAt:  start,
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		Status:     types.StatusInProgress,
		Segments: []types.Segment{
			{ID: "a", Text: "hello", Speaker: "SPEAKER_00", Start: 0.2, End: 1.1, Final: true},
			{ID: "b", Text: "wor", Speaker: "SPEAKER_01", SpeakerID: 1, Start: 1.5, End: 2.8},
		},
	}
}

func mustGet(t *testing.T, s store.Store, uid, id string) *types.Conversation {
	t.Helper()
	c, err := s.GetConversation(context.Background(), uid, id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	return c
}

func testUpsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := newConversation()
	if err := s.UpsertInProgress(ctx, conv); err != nil {
		t.Fatalf("UpsertInProgress: %v", err)
	}
	got := mustGet(t, s, conv.UID, conv.ID)
	if got.Language != "en" || got.Status != types.StatusInProgress {
		t.Errorf("got %+v", got)
	}
	if !got.StartedAt.Equal(conv.StartedAt) || !got.FinishedAt.Equal(conv.FinishedAt) {
		t.Errorf("times = %v..%v, want %v..%v", got.StartedAt, got.FinishedAt, conv.StartedAt, conv.FinishedAt)
	}
	if len(got.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(got.Segments))
	}
	if !got.Segments[0].Final || got.Segments[1].Final {
		t.Errorf("final flags not preserved: %+v", got.Segments)
	}
	if got.Segments[1].SpeakerID != 1 || got.Segments[1].Text != "wor" {
		t.Errorf("segment 1 = %+v", got.Segments[1])
	}

	if _, err := s.GetConversation(ctx, "someone-else", conv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("other uid: err = %v, want ErrNotFound", err)
	}
}

func testUpsertIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := newConversation()
	for range 3 {
		if err := s.UpsertInProgress(ctx, conv); err != nil {
			t.Fatalf("UpsertInProgress: %v", err)
		}
	}
	if got := mustGet(t, s, conv.UID, conv.ID); len(got.Segments) != 2 {
		t.Errorf("segments = %d after replays, want 2", len(got.Segments))
	}
}

func testUpdates(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := newConversation()
	if err := s.UpsertInProgress(ctx, conv); err != nil {
		t.Fatalf("UpsertInProgress: %v", err)
	}
	segs := append(conv.Segments, types.Segment{ID: "c", Text: "bye", Start: 3, End: 3.4, Final: true})
	if err := s.UpdateSegments(ctx, conv.UID, conv.ID, segs); err != nil {
		t.Fatalf("UpdateSegments: %v", err)
	}
	if err := s.UpdateStatus(ctx, conv.UID, conv.ID, types.StatusProcessing); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	// Replaying the same status is not an error.
	if err := s.UpdateStatus(ctx, conv.UID, conv.ID, types.StatusProcessing); err != nil {
		t.Fatalf("UpdateStatus replay: %v", err)
	}
	got := mustGet(t, s, conv.UID, conv.ID)
	if len(got.Segments) != 3 || got.Segments[2].ID != "c" {
		t.Errorf("segments = %+v", got.Segments)
	}
	if got.Status != types.StatusProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}
}

func testUpdateMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.UpdateStatus(ctx, "nobody", "nothing", types.StatusCompleted); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateStatus: err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateSegments(ctx, "nobody", "nothing", nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateSegments: err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateFinishedAt(ctx, "nobody", "nothing", time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateFinishedAt: err = %v, want ErrNotFound", err)
	}
}

func testFinishedAtIsMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := newConversation()
	if err := s.UpsertInProgress(ctx, conv); err != nil {
		t.Fatalf("UpsertInProgress: %v", err)
	}
	later := conv.FinishedAt.Add(10 * time.Second)
	if err := s.UpdateFinishedAt(ctx, conv.UID, conv.ID, later); err != nil {
		t.Fatalf("UpdateFinishedAt: %v", err)
	}
	if err := s.UpdateFinishedAt(ctx, conv.UID, conv.ID, conv.FinishedAt); err != nil {
		t.Fatalf("UpdateFinishedAt earlier: %v", err)
	}
	if got := mustGet(t, s, conv.UID, conv.ID); !got.FinishedAt.Equal(later) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, later)
	}
}

func testDeleteInProgress(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := newConversation()
	if err := s.UpsertInProgress(ctx, conv); err != nil {
		t.Fatalf("UpsertInProgress: %v", err)
	}
	if err := s.DeleteInProgress(ctx, conv.UID, conv.ID); err != nil {
		t.Fatalf("DeleteInProgress: %v", err)
	}
	if _, err := s.GetConversation(ctx, conv.UID, conv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteInProgress(ctx, conv.UID, conv.ID); err != nil {
		t.Errorf("second delete: %v", err)
	}

	// A conversation that moved on is not deleted.
	conv.ID = "conv-2"
	conv.Status = types.StatusProcessing
	if err := s.UpsertInProgress(ctx, conv); err != nil {
		t.Fatalf("UpsertInProgress: %v", err)
	}
	if err := s.DeleteInProgress(ctx, conv.UID, conv.ID); err != nil {
		t.Fatalf("DeleteInProgress: %v", err)
	}
	mustGet(t, s, conv.UID, conv.ID)
}

func testProfiles(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.GetProfile(ctx, "user-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetProfile: err = %v, want ErrNotFound", err)
	}
	p := types.SpeechProfile{UID: "user-1", Audio: []byte{1, 2, 3, 4}, SampleRate: 16000, Duration: 2 * time.Second}
	if err := s.PutProfile(ctx, p); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	p.Audio = []byte{5, 6}
	p.Duration = time.Second
	if err := s.PutProfile(ctx, p); err != nil {
		t.Fatalf("PutProfile replace: %v", err)
	}
	got, err := s.GetProfile(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(got.Audio) != 2 || got.Audio[0] != 5 || got.SampleRate != 16000 || got.Duration != time.Second {
		t.Errorf("profile = %+v", got)
	}
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.ResolveUser(ctx, "ada"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ResolveUser: err = %v, want ErrNotFound", err)
	}
	if err := s.PutUser(ctx, store.User{UID: "ada", Name: "Ada"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	u, err := s.ResolveUser(ctx, "ada")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if u.Name != "Ada" {
		t.Errorf("Name = %q, want Ada", u.Name)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
