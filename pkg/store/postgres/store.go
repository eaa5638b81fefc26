package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/pendant/pkg/store"
	"github.com/MrWong99/pendant/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for health checks and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// UpsertInProgress implements [store.ConversationStore].
func (s *Store) UpsertInProgress(ctx context.Context, conv *types.Conversation) error {
	segs, err := store.MarshalSegments(conv.Segments)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO conversations
		    (uid, id, language, status, created_at, started_at, finished_at, segments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (uid, id) DO UPDATE SET
		    language    = EXCLUDED.language,
		    status      = EXCLUDED.status,
		    started_at  = EXCLUDED.started_at,
		    finished_at = GREATEST(conversations.finished_at, EXCLUDED.finished_at),
		    segments    = EXCLUDED.segments,
		    updated_at  = now()`

	_, err = s.pool.Exec(ctx, q,
		conv.UID,
		conv.ID,
		conv.Language,
		string(conv.Status),
		conv.CreatedAt,
		conv.StartedAt,
		conv.FinishedAt,
		segs,
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert conversation: %w", err)
	}
	return nil
}

// UpdateSegments implements [store.ConversationStore].
func (s *Store) UpdateSegments(ctx context.Context, uid, convID string, segs []types.Segment) error {
	b, err := store.MarshalSegments(segs)
	if err != nil {
		return err
	}
	return s.exec(ctx, "update segments",
		`UPDATE conversations SET segments = $3, updated_at = now() WHERE uid = $1 AND id = $2`,
		uid, convID, b)
}

// UpdateFinishedAt implements [store.ConversationStore].
func (s *Store) UpdateFinishedAt(ctx context.Context, uid, convID string, t time.Time) error {
	return s.exec(ctx, "update finished_at",
		`UPDATE conversations
		 SET    finished_at = GREATEST(finished_at, $3), updated_at = now()
		 WHERE  uid = $1 AND id = $2`,
		uid, convID, t)
}

// UpdateStatus implements [store.ConversationStore].
func (s *Store) UpdateStatus(ctx context.Context, uid, convID string, status types.ConversationStatus) error {
	return s.exec(ctx, "update status",
		`UPDATE conversations SET status = $3, updated_at = now() WHERE uid = $1 AND id = $2`,
		uid, convID, string(status))
}

// exec runs an UPDATE and maps "no row" to [store.ErrNotFound].
func (s *Store) exec(ctx context.Context, op, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("postgres store: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: %s: %w", op, store.ErrNotFound)
	}
	return nil
}

// DeleteInProgress implements [store.ConversationStore].
func (s *Store) DeleteInProgress(ctx context.Context, uid, convID string) error {
	const q = `DELETE FROM conversations WHERE uid = $1 AND id = $2 AND status = $3`
	if _, err := s.pool.Exec(ctx, q, uid, convID, string(types.StatusInProgress)); err != nil {
		return fmt.Errorf("postgres store: delete conversation: %w", err)
	}
	return nil
}

// GetConversation implements [store.ConversationStore].
func (s *Store) GetConversation(ctx context.Context, uid, convID string) (*types.Conversation, error) {
	const q = `
		SELECT uid, id, language, status, created_at, started_at, finished_at, segments
		FROM   conversations
		WHERE  uid = $1 AND id = $2`

	var (
		c      types.Conversation
		status string
		segs   []byte
	)
	err := s.pool.QueryRow(ctx, q, uid, convID).Scan(
		&c.UID,
		&c.ID,
		&c.Language,
		&status,
		&c.CreatedAt,
		&c.StartedAt,
		&c.FinishedAt,
		&segs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get conversation: %w", err)
	}
	c.Status = types.ConversationStatus(status)
	if c.Segments, err = store.UnmarshalSegments(segs); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetProfile implements [store.ProfileStore].
func (s *Store) GetProfile(ctx context.Context, uid string) (types.SpeechProfile, error) {
	const q = `SELECT audio, sample_rate, duration_ns FROM speech_profiles WHERE uid = $1`
	p := types.SpeechProfile{UID: uid}
	var durNS int64
	err := s.pool.QueryRow(ctx, q, uid).Scan(&p.Audio, &p.SampleRate, &durNS)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.SpeechProfile{}, store.ErrNotFound
	}
	if err != nil {
		return types.SpeechProfile{}, fmt.Errorf("postgres store: get profile: %w", err)
	}
	p.Duration = time.Duration(durNS)
	return p, nil
}

// PutProfile implements [store.ProfileStore].
func (s *Store) PutProfile(ctx context.Context, p types.SpeechProfile) error {
	const q = `
		INSERT INTO speech_profiles (uid, audio, sample_rate, duration_ns)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (uid) DO UPDATE SET
		    audio       = EXCLUDED.audio,
		    sample_rate = EXCLUDED.sample_rate,
		    duration_ns = EXCLUDED.duration_ns,
		    updated_at  = now()`
	if _, err := s.pool.Exec(ctx, q, p.UID, p.Audio, p.SampleRate, p.Duration.Nanoseconds()); err != nil {
		return fmt.Errorf("postgres store: put profile: %w", err)
	}
	return nil
}

// ResolveUser implements [store.UserResolver].
func (s *Store) ResolveUser(ctx context.Context, uid string) (store.User, error) {
	const q = `SELECT uid, name, created_at FROM users WHERE uid = $1`
	var u store.User
	err := s.pool.QueryRow(ctx, q, uid).Scan(&u.UID, &u.Name, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("postgres store: resolve user: %w", err)
	}
	return u, nil
}

// PutUser implements [store.Store].
func (s *Store) PutUser(ctx context.Context, u store.User) error {
	const q = `
		INSERT INTO users (uid, name) VALUES ($1, $2)
		ON CONFLICT (uid) DO UPDATE SET name = EXCLUDED.name`
	if _, err := s.pool.Exec(ctx, q, u.UID, u.Name); err != nil {
		return fmt.Errorf("postgres store: put user: %w", err)
	}
	return nil
}
