// Package memstore is an in-memory [store.Store] for tests and local runs.
// Data does not survive a restart.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/pendant/pkg/store"
	"github.com/MrWong99/pendant/pkg/types"
)

var _ store.Store = (*Store)(nil)

type key struct{ uid, id string }

// Store keeps every record in maps guarded by one mutex. Conversations are
// stored as deep copies so callers cannot alias stored state.
type Store struct {
	mu       sync.Mutex
	convs    map[key]*types.Conversation
	profiles map[string]types.SpeechProfile
	users    map[string]store.User
	calls    int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		convs:    make(map[key]*types.Conversation),
		profiles: make(map[string]types.SpeechProfile),
		users:    make(map[string]store.User),
	}
}

// UpsertInProgress implements [store.ConversationStore].
func (s *Store) UpsertInProgress(_ context.Context, conv *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	k := key{conv.UID, conv.ID}
	cp := conv.Clone()
	if old, ok := s.convs[k]; ok && old.FinishedAt.After(cp.FinishedAt) {
		cp.FinishedAt = old.FinishedAt
	}
	s.convs[k] = cp
	return nil
}

// UpdateSegments implements [store.ConversationStore].
func (s *Store) UpdateSegments(_ context.Context, uid, convID string, segs []types.Segment) error {
	return s.update(uid, convID, func(c *types.Conversation) {
		c.Segments = append([]types.Segment(nil), segs...)
	})
}

// UpdateFinishedAt implements [store.ConversationStore].
func (s *Store) UpdateFinishedAt(_ context.Context, uid, convID string, t time.Time) error {
	return s.update(uid, convID, func(c *types.Conversation) {
		if t.After(c.FinishedAt) {
			c.FinishedAt = t
		}
	})
}

// UpdateStatus implements [store.ConversationStore].
func (s *Store) UpdateStatus(_ context.Context, uid, convID string, status types.ConversationStatus) error {
	return s.update(uid, convID, func(c *types.Conversation) { c.Status = status })
}

func (s *Store) update(uid, convID string, fn func(*types.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	c, ok := s.convs[key{uid, convID}]
	if !ok {
		return store.ErrNotFound
	}
	fn(c)
	return nil
}

// DeleteInProgress implements [store.ConversationStore].
func (s *Store) DeleteInProgress(_ context.Context, uid, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	k := key{uid, convID}
	if c, ok := s.convs[k]; ok && c.Status == types.StatusInProgress {
		delete(s.convs, k)
	}
	return nil
}

// GetConversation implements [store.ConversationStore].
func (s *Store) GetConversation(_ context.Context, uid, convID string) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key{uid, convID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

// GetProfile implements [store.ProfileStore].
func (s *Store) GetProfile(_ context.Context, uid string) (types.SpeechProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[uid]
	if !ok {
		return types.SpeechProfile{}, store.ErrNotFound
	}
	return p, nil
}

// PutProfile implements [store.ProfileStore].
func (s *Store) PutProfile(_ context.Context, p types.SpeechProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Audio = append([]byte(nil), p.Audio...)
	s.profiles[p.UID] = p
	return nil
}

// ResolveUser implements [store.UserResolver].
func (s *Store) ResolveUser(_ context.Context, uid string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

// PutUser implements [store.Store].
func (s *Store) PutUser(_ context.Context, u store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.UID] = u
	return nil
}

// Conversations returns copies of every stored conversation of uid.
func (s *Store) Conversations(uid string) []*types.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Conversation
	for k, c := range s.convs {
		if k.uid == uid {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Writes returns the number of conversation write calls so far.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Ping implements [store.Store].
func (*Store) Ping(context.Context) error { return nil }

// Close implements [store.Store].
func (*Store) Close() error { return nil }
