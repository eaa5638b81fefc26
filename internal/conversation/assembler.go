// Package conversation owns the in-progress conversation of a streaming
// session: it grows the conversation from normalized transcript updates,
// persists it, and hands it to post-processing when the speaker goes quiet
// or the session ends.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/pendant/internal/normalize"
	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/internal/postprocess"
	"github.com/MrWong99/pendant/internal/resilience"
	"github.com/MrWong99/pendant/pkg/store"
	"github.com/MrWong99/pendant/pkg/types"
)

const (
	DefaultIdleFinalize   = 120 * time.Second
	DefaultHandoffTimeout = 30 * time.Second
)

// Config wires an [Assembler].
type Config struct {
	UID       string
	SessionID string
	Language  string

	// SessionStart is the wall time segment times are relative to.
	SessionStart time.Time

	// IdleFinalize is the quiet period after which the conversation is
	// handed off. Default: 120 s.
	IdleFinalize time.Duration

	// HandoffTimeout bounds one post-processing call. Default: 30 s.
	HandoffTimeout time.Duration

	// Retry governs persistence retries. Defaults to three attempts with
	// exponential backoff.
	Retry resilience.RetryConfig

	Store     store.ConversationStore
	Processor postprocess.Processor
	Publisher postprocess.Publisher
	Sink      Sink

	// Handoffs tracks handoffs that outlive the session. May be nil.
	Handoffs *sync.WaitGroup

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Assembler owns at most one in-progress conversation. OnUpdate and Flush
// may be called from a different goroutine than Run.
type Assembler struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	conv *types.Conversation
	// offset is the conversation start in session seconds.
	offset float64
	closed bool

	kick chan struct{}
}

// New returns an Assembler. Store, Processor and Sink are required.
func New(cfg Config) *Assembler {
	if cfg.IdleFinalize <= 0 {
		cfg.IdleFinalize = DefaultIdleFinalize
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = DefaultHandoffTimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = postprocess.Noop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionStart.IsZero() {
		cfg.SessionStart = time.Now()
	}
	return &Assembler{
		cfg:  cfg,
		log:  cfg.Logger.With("uid", cfg.UID),
		kick: make(chan struct{}, 1),
	}
}

// Current returns a copy of the in-progress conversation, or nil.
func (a *Assembler) Current() *types.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conv == nil {
		return nil
	}
	return a.conv.Clone()
}

// OnUpdate applies one normalizer update. Segment times in u are session
// relative; they are stored and sent conversation relative. The returned
// error is a persistence failure that survived every retry.
func (a *Assembler) OnUpdate(ctx context.Context, u normalize.Update) error {
	if u.Empty() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}

	var removed []string
	if a.conv != nil && len(u.Removed) > 0 {
		removed = a.removeLocked(u.Removed)
	}

	created := false
	if a.conv == nil && len(u.Segments) > 0 {
		a.startLocked(u.Segments)
		created = true
	}

	var changed []types.Segment
	for _, s := range u.Segments {
		s.Start -= a.offset
		s.End -= a.offset
		if out, ok := a.upsertLocked(s); ok {
			changed = append(changed, out)
		}
	}

	if !created && len(changed) == 0 && len(removed) == 0 {
		return nil
	}
	a.bumpFinishedLocked()

	if err := a.persistLocked(ctx, created); err != nil {
		return err
	}

	if len(removed) > 0 {
		if err := a.cfg.Sink.Deleted(ctx, removed); err != nil {
			a.log.Debug("conversation: send deleted segments", "err", err)
		}
	}
	if len(changed) > 0 {
		if err := a.cfg.Sink.Segments(ctx, changed); err != nil {
			a.log.Debug("conversation: send segments", "err", err)
		}
	}

	select {
	case a.kick <- struct{}{}:
	default:
	}
	return nil
}

// startLocked opens a conversation back-dated to the first segment.
func (a *Assembler) startLocked(segs []types.Segment) {
	first := segs[0].Start
	for _, s := range segs[1:] {
		first = min(first, s.Start)
	}
	first = max(first, 0)
	started := a.cfg.SessionStart.Add(time.Duration(first * float64(time.Second)))
	a.offset = first
	a.conv = &types.Conversation{
		ID:         uuid.NewString(),
		UID:        a.cfg.UID,
		Language:   a.cfg.Language,
		CreatedAt:  time.Now().UTC(),
		StartedAt:  started.UTC(),
		FinishedAt: started.UTC(),
		Status:     types.StatusInProgress,
	}
	a.log = a.cfg.Logger.With("uid", a.cfg.UID, "conversation_id", a.conv.ID)
	a.log.Info("conversation: started", "started_at", a.conv.StartedAt)
}

// upsertLocked inserts or replaces s by ID, keeping segments ordered by
// start. It reports whether anything changed.
func (a *Assembler) upsertLocked(s types.Segment) (types.Segment, bool) {
	segs := a.conv.Segments
	for i := range segs {
		if segs[i].ID != s.ID {
			continue
		}
		if i > 0 && s.Start < segs[i-1].Start {
			s = a.clamp(s, segs[i-1].Start)
		}
		if equalSegment(segs[i], s) {
			return s, false
		}
		segs[i] = s
		a.sortLocked()
		return s, true
	}
	if s.Start < 0 {
		s = a.clamp(s, 0)
	}
	if n := len(segs); n > 0 && s.Start < segs[n-1].Start && segs[n-1].Final {
		s = a.clamp(s, segs[n-1].Start)
	}
	a.conv.Segments = append(segs, s)
	a.sortLocked()
	return s, true
}

func (a *Assembler) clamp(s types.Segment, start float64) types.Segment {
	a.log.Warn("conversation: segment starts before its predecessor, clamping",
		"segment_id", s.ID, "start", s.Start, "clamped", start)
	s.Start = start
	s.End = max(s.End, start)
	return s
}

func (a *Assembler) sortLocked() {
	sort.SliceStable(a.conv.Segments, func(i, j int) bool {
		return a.conv.Segments[i].Start < a.conv.Segments[j].Start
	})
}

func (a *Assembler) removeLocked(ids []string) []string {
	var removed []string
	kept := a.conv.Segments[:0]
	for _, s := range a.conv.Segments {
		drop := false
		for _, id := range ids {
			if s.ID == id {
				drop = true
				break
			}
		}
		if drop {
			removed = append(removed, s.ID)
			continue
		}
		kept = append(kept, s)
	}
	a.conv.Segments = kept
	return removed
}

func (a *Assembler) bumpFinishedLocked() {
	var end float64
	for _, s := range a.conv.Segments {
		end = max(end, s.End)
	}
	t := a.conv.StartedAt.Add(time.Duration(end * float64(time.Second)))
	if t.After(a.conv.FinishedAt) {
		a.conv.FinishedAt = t
	}
}

func (a *Assembler) persistLocked(ctx context.Context, created bool) error {
	conv := a.conv
	retry := func(op string, fn func(ctx context.Context) error) error {
		if err := resilience.Retry(ctx, a.cfg.Retry, fn); err != nil {
			return fmt.Errorf("conversation: %s: %w", op, err)
		}
		return nil
	}
	if created {
		return retry("upsert in-progress", func(ctx context.Context) error {
			return a.cfg.Store.UpsertInProgress(ctx, conv)
		})
	}
	err := retry("update segments", func(ctx context.Context) error {
		err := a.cfg.Store.UpdateSegments(ctx, conv.UID, conv.ID, conv.Segments)
		if errors.Is(err, store.ErrNotFound) {
			return a.cfg.Store.UpsertInProgress(ctx, conv)
		}
		return err
	})
	if err != nil {
		return err
	}
	return retry("update finished_at", func(ctx context.Context) error {
		return a.cfg.Store.UpdateFinishedAt(ctx, conv.UID, conv.ID, conv.FinishedAt)
	})
}

// Run is the finalize watchdog. It hands the conversation off after
// IdleFinalize without new segments and returns when ctx is done.
func (a *Assembler) Run(ctx context.Context) error {
	timer := time.NewTimer(a.cfg.IdleFinalize)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.kick:
			timer.Reset(a.cfg.IdleFinalize)
		case <-timer.C:
			a.mu.Lock()
			conv := a.detachLocked()
			a.mu.Unlock()
			if conv == nil {
				continue
			}
			a.log.Info("conversation: idle, finalizing", "idle", a.cfg.IdleFinalize)
			if !a.begin(ctx, conv) {
				continue
			}
			hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HandoffTimeout)
			a.handoff(hctx, conv)
			cancel()
		}
	}
}

// Flush applies the close policy: a conversation with final speech is sent
// back to the client as segments_flushed and handed off in the background;
// anything else is discarded. The Assembler accepts no updates afterwards.
func (a *Assembler) Flush(ctx context.Context) {
	a.mu.Lock()
	a.closed = true
	conv := a.detachLocked()
	a.mu.Unlock()
	if conv == nil {
		return
	}

	if !conv.HasFinalSpeech() {
		a.discard(ctx, conv)
		return
	}

	var finals []types.Segment
	for _, s := range conv.Segments {
		if s.Final {
			finals = append(finals, s)
		}
	}
	a.emit(ctx, Event{Type: EventSegmentsFlushed, ConversationID: conv.ID, Segments: finals})

	if !a.begin(ctx, conv) {
		return
	}
	run := func() {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HandoffTimeout)
		defer cancel()
		a.handoff(hctx, conv)
	}
	if a.cfg.Handoffs != nil {
		a.cfg.Handoffs.Go(run)
	} else {
		go run()
	}
}

func (a *Assembler) detachLocked() *types.Conversation {
	conv := a.conv
	a.conv = nil
	a.offset = 0
	return conv
}

func (a *Assembler) discard(ctx context.Context, conv *types.Conversation) {
	a.log.Info("conversation: no final speech, discarding", "conversation_id", conv.ID)
	if err := a.cfg.Store.DeleteInProgress(context.WithoutCancel(ctx), conv.UID, conv.ID); err != nil {
		a.log.Warn("conversation: delete in-progress", "conversation_id", conv.ID, "err", err)
	}
}

// begin moves conv to processing and tells the client. It reports false
// when the conversation was discarded instead.
func (a *Assembler) begin(ctx context.Context, conv *types.Conversation) bool {
	if !conv.HasFinalSpeech() {
		a.discard(ctx, conv)
		return false
	}
	a.emit(ctx, Event{Type: EventCreating, ConversationID: conv.ID})
	conv.Status = types.StatusProcessing
	err := resilience.Retry(context.WithoutCancel(ctx), a.cfg.Retry, func(ctx context.Context) error {
		return a.cfg.Store.UpdateStatus(ctx, conv.UID, conv.ID, types.StatusProcessing)
	})
	if err != nil {
		a.log.Error("conversation: mark processing", "conversation_id", conv.ID, "err", err)
	}
	a.emit(ctx, Event{Type: EventProcessingStarted, ConversationID: conv.ID})
	return true
}

// handoff runs the post-processing collaborator and reports the outcome.
// It never retries the collaborator.
func (a *Assembler) handoff(ctx context.Context, conv *types.Conversation) {
	start := time.Now()
	res, err := a.cfg.Processor.Finalize(ctx, conv.Clone())
	status := types.StatusCompleted
	if err != nil {
		status = types.StatusFailed
	}
	a.cfg.Metrics.RecordConversationFinalized(ctx, string(status), time.Since(start).Seconds())

	if serr := resilience.Retry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		return a.cfg.Store.UpdateStatus(ctx, conv.UID, conv.ID, status)
	}); serr != nil {
		a.log.Error("conversation: store final status", "conversation_id", conv.ID, "status", status, "err", serr)
	}

	if err != nil {
		reason := res.Error
		if reason == "" {
			reason = err.Error()
		}
		a.log.Warn("conversation: post-processing failed", "conversation_id", conv.ID, "err", err)
		a.emit(ctx, Event{Type: EventProcessingFailed, ConversationID: conv.ID, Reason: reason})
		a.emit(ctx, Event{Type: EventCreateFailed, ConversationID: conv.ID, Reason: reason})
		return
	}
	a.log.Info("conversation: processed", "conversation_id", conv.ID, "segments", len(conv.Segments),
		"duration", conv.FinishedAt.Sub(conv.StartedAt))
	a.emit(ctx, Event{Type: EventProcessingCompleted, ConversationID: conv.ID})
	a.emit(ctx, Event{Type: EventCreated, ConversationID: conv.ID})
}

func (a *Assembler) emit(ctx context.Context, ev Event) {
	if err := a.cfg.Sink.Event(ctx, ev); err != nil {
		a.log.Debug("conversation: send event", "event", ev.Type, "err", err)
	}
	pe := postprocess.Event{
		Type:           ev.Type,
		UID:            a.cfg.UID,
		ConversationID: ev.ConversationID,
		SessionID:      a.cfg.SessionID,
		Reason:         ev.Reason,
	}
	if err := a.cfg.Publisher.Publish(ctx, pe); err != nil {
		a.log.Debug("conversation: publish event", "event", ev.Type, "err", err)
	}
}

func equalSegment(a, b types.Segment) bool {
	if a.ID != b.ID || a.Text != b.Text || a.Speaker != b.Speaker || a.SpeakerID != b.SpeakerID ||
		a.IsUser != b.IsUser || a.Start != b.Start || a.End != b.End || a.Final != b.Final {
		return false
	}
	switch {
	case a.PersonID == nil && b.PersonID == nil:
		return true
	case a.PersonID == nil || b.PersonID == nil:
		return false
	default:
		return *a.PersonID == *b.PersonID
	}
}
