// Package sqlite provides a single-file [store.Store] on the pure-Go
// modernc.org/sqlite driver. Times are stored as Unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/pendant/pkg/store"
	"github.com/MrWong99/pendant/pkg/types"
)

//go:embed schema.sql
var schemaFiles embed.FS

var _ store.Store = (*Store)(nil)

// Store is the SQLite-backed store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sqlite store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// SQLite allows one writer; a single connection serializes writes
	// instead of failing them with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}

	schema, err := schemaFiles.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: read schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements [store.Store].
func (s *Store) Close() error { return s.db.Close() }

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uid, id) DO UPDATE SET
		    language    = excluded.language,
		    status      = excluded.status,
		    started_at  = excluded.started_at,
		    finished_at = MAX(conversations.finished_at, excluded.finished_at),
		    segments    = excluded.segments`
	_, err = s.db.ExecContext(ctx, q,
		conv.UID, conv.ID, conv.Language, string(conv.Status),
		nanos(conv.CreatedAt), nanos(conv.StartedAt), nanos(conv.FinishedAt),
		string(segs),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: upsert conversation: %w", err)
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
		`UPDATE conversations SET segments = ? WHERE uid = ? AND id = ?`,
		string(b), uid, convID)
}

// UpdateFinishedAt implements [store.ConversationStore].
func (s *Store) UpdateFinishedAt(ctx context.Context, uid, convID string, t time.Time) error {
	return s.exec(ctx, "update finished_at",
		`UPDATE conversations SET finished_at = MAX(finished_at, ?) WHERE uid = ? AND id = ?`,
		nanos(t), uid, convID)
}

// UpdateStatus implements [store.ConversationStore].
func (s *Store) UpdateStatus(ctx context.Context, uid, convID string, status types.ConversationStatus) error {
	return s.exec(ctx, "update status",
		`UPDATE conversations SET status = ? WHERE uid = ? AND id = ?`,
		string(status), uid, convID)
}

func (s *Store) exec(ctx context.Context, op, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("sqlite store: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite store: %s: %w", op, store.ErrNotFound)
	}
	return nil
}

// DeleteInProgress implements [store.ConversationStore].
func (s *Store) DeleteInProgress(ctx context.Context, uid, convID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE uid = ? AND id = ? AND status = ?`,
		uid, convID, string(types.StatusInProgress))
	if err != nil {
		return fmt.Errorf("sqlite store: delete conversation: %w", err)
	}
	return nil
}

// GetConversation implements [store.ConversationStore].
func (s *Store) GetConversation(ctx context.Context, uid, convID string) (*types.Conversation, error) {
	var (
		c                          types.Conversation
		status, segs               string
		created, started, finished int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, id, language, status, created_at, started_at, finished_at, segments
		FROM   conversations
		WHERE  uid = ? AND id = ?`, uid, convID).Scan(
		&c.UID, &c.ID, &c.Language, &status, &created, &started, &finished, &segs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get conversation: %w", err)
	}
	c.Status = types.ConversationStatus(status)
	c.CreatedAt, c.StartedAt, c.FinishedAt = fromNanos(created), fromNanos(started), fromNanos(finished)
	if c.Segments, err = store.UnmarshalSegments([]byte(segs)); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetProfile implements [store.ProfileStore].
func (s *Store) GetProfile(ctx context.Context, uid string) (types.SpeechProfile, error) {
	p := types.SpeechProfile{UID: uid}
	var durNS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT audio, sample_rate, duration_ns FROM speech_profiles WHERE uid = ?`, uid).
		Scan(&p.Audio, &p.SampleRate, &durNS)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SpeechProfile{}, store.ErrNotFound
	}
	if err != nil {
		return types.SpeechProfile{}, fmt.Errorf("sqlite store: get profile: %w", err)
	}
	p.Duration = time.Duration(durNS)
	return p, nil
}

// PutProfile implements [store.ProfileStore].
func (s *Store) PutProfile(ctx context.Context, p types.SpeechProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO speech_profiles (uid, audio, sample_rate, duration_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (uid) DO UPDATE SET
		    audio       = excluded.audio,
		    sample_rate = excluded.sample_rate,
		    duration_ns = excluded.duration_ns`,
		p.UID, p.Audio, p.SampleRate, p.Duration.Nanoseconds())
	if err != nil {
		return fmt.Errorf("sqlite store: put profile: %w", err)
	}
	return nil
}

// ResolveUser implements [store.UserResolver].
func (s *Store) ResolveUser(ctx context.Context, uid string) (store.User, error) {
	var (
		u       store.User
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT uid, name, created_at FROM users WHERE uid = ?`, uid).
		Scan(&u.UID, &u.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("sqlite store: resolve user: %w", err)
	}
	u.CreatedAt = fromNanos(created)
	return u, nil
}

// PutUser implements [store.Store].
func (s *Store) PutUser(ctx context.Context, u store.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (uid, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (uid) DO UPDATE SET name = excluded.name`,
		u.UID, u.Name, nanos(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite store: put user: %w", err)
	}
	return nil
}
