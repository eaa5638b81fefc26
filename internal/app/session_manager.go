package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pendant/internal/router"
	"github.com/MrWong99/pendant/internal/server"
	"github.com/MrWong99/pendant/internal/session"
)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	ID        string
	UID       string
	Slot      router.Slot
	StartedAt time.Time
}

// SessionManager admits, runs and tracks streaming sessions. It enforces the
// server-wide session cap and closes every session on shutdown. All exported
// methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	active   map[string]*session.Session
	reserved int
	draining bool
	running  sync.WaitGroup

	max         int
	settings    func() session.Settings
	deps        func() session.Deps
	sendTimeout time.Duration
	log         *slog.Logger
}

var _ server.Launcher = (*SessionManager)(nil)

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	// Settings returns the tuning for a session about to open. It is called
	// once per session so reloaded values apply to new sessions only.
	Settings func() session.Settings

	// Deps returns the shared collaborators for a session about to open.
	Deps func() session.Deps

	SendTimeout time.Duration
	Logger      *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	return &SessionManager{
		active:      make(map[string]*session.Session),
		max:         cfg.MaxSessions,
		settings:    cfg.Settings,
		deps:        cfg.Deps,
		sendTimeout: cfg.SendTimeout,
		log:         cfg.Logger,
	}
}

// Launch implements [server.Launcher]. Open failures and overload are
// reported to the client before Launch returns.
func (sm *SessionManager) Launch(ctx context.Context, conn session.Conn, p session.Params) error {
	if !sm.admit() {
		sm.log.Warn("session rejected: at capacity", "uid", p.UID, "max_sessions", sm.max)
		sm.reject(ctx, conn, session.ErrOverload)
		return session.ErrOverload
	}
	defer sm.running.Done()

	s, err := session.Open(ctx, conn, p, sm.settings(), sm.deps())
	if err != nil {
		sm.release("")
		sm.log.Warn("session open failed", "uid", p.UID, "reason", session.Reason(err), "err", err)
		sm.reject(ctx, conn, err)
		return err
	}

	sm.mu.Lock()
	sm.active[s.ID()] = s
	draining := sm.draining
	sm.mu.Unlock()
	defer sm.release(s.ID())

	// Shutdown may have started while the session was opening.
	if draining {
		s.Close(session.CloseGoingAway)
	}
	return s.Run(ctx)
}

// admit reserves a slot and registers the caller with the running group.
func (sm *SessionManager) admit() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.draining || (sm.max > 0 && sm.reserved >= sm.max) {
		return false
	}
	sm.reserved++
	sm.running.Add(1)
	return true
}

func (sm *SessionManager) release(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.reserved--
	if id != "" {
		delete(sm.active, id)
	}
}

func (sm *SessionManager) reject(ctx context.Context, conn session.Conn, err error) {
	if rerr := session.Reject(ctx, conn, err, sm.sendTimeout); rerr != nil {
		sm.log.Debug("session reject", "err", rerr)
	}
}

// Active returns metadata for every running session.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.active))
	for _, s := range sm.active {
		out = append(out, SessionInfo{
			ID:        s.ID(),
			UID:       s.Params().UID,
			Slot:      s.Slot(),
			StartedAt: s.Started(),
		})
	}
	return out
}

// Count returns the number of admitted sessions, including ones still
// opening.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reserved
}

// Shutdown stops admitting sessions, asks every running session to close
// with "going away", and waits for them to finish or for ctx to expire.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.draining = true
	sessions := make([]*session.Session, 0, len(sm.active))
	for _, s := range sm.active {
		sessions = append(sessions, s)
	}
	sm.mu.Unlock()

	sm.log.Info("closing sessions", "count", len(sessions))
	for _, s := range sessions {
		s.Close(session.CloseGoingAway)
	}

	done := make(chan struct{})
	go func() {
		sm.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("app: sessions still running"), ctx.Err())
	}
}
