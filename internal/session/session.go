// Package session runs one client streaming session: it decodes uplink
// audio, gates it, routes it to the session's STT provider sockets, turns
// provider events into transcript segments and grows the session's
// conversation from them.
//
// A session is opened with [Open], fed by its own receive loop, and driven by
// [Session.Run] until the client leaves, the soft deadline passes, or a task
// fails. Closing is graceful: intake stops first, queued audio is drained
// through the decoder and gate, provider sockets are finalized and flushed,
// the conversation is flushed, and only then is the client socket closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/pendant/internal/conversation"
	"github.com/MrWong99/pendant/internal/gate"
	"github.com/MrWong99/pendant/internal/normalize"
	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/internal/postprocess"
	"github.com/MrWong99/pendant/internal/router"
	"github.com/MrWong99/pendant/pkg/audio"
	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/provider/vad"
	"github.com/MrWong99/pendant/pkg/store"
	"github.com/MrWong99/pendant/pkg/types"
)

// frameDuration is the packetizer and VAD frame length.
const frameDuration = 30 * time.Millisecond

// Settings are the per-session tunables. They are frozen when the session
// opens; a config reload only affects later sessions.
type Settings struct {
	SoftDeadline   time.Duration
	Heartbeat      time.Duration
	IdleFinalize   time.Duration
	SendTimeout    time.Duration
	CloseGrace     time.Duration
	ProfileMargin  time.Duration
	HandoffTimeout time.Duration
	QueueFrames    int

	Gate gate.Config

	// Aggressiveness is passed to engines with a discrete mode.
	Aggressiveness int
}

// DefaultSettings returns the stock timings.
func DefaultSettings() Settings {
	return Settings{
		SoftDeadline:   420 * time.Second,
		Heartbeat:      30 * time.Second,
		IdleFinalize:   conversation.DefaultIdleFinalize,
		SendTimeout:    2 * time.Second,
		CloseGrace:     router.DefaultCloseGrace,
		ProfileMargin:  router.DefaultProfileMargin,
		HandoffTimeout: conversation.DefaultHandoffTimeout,
		QueueFrames:    256,
		Gate:           gate.DefaultConfig(),
	}
}

func (s *Settings) applyDefaults() {
	def := DefaultSettings()
	if s.SoftDeadline <= 0 {
		s.SoftDeadline = def.SoftDeadline
	}
	if s.Heartbeat <= 0 {
		s.Heartbeat = def.Heartbeat
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = def.SendTimeout
	}
	if s.QueueFrames <= 0 {
		s.QueueFrames = def.QueueFrames
	}
}

// Deps are the process-wide collaborators every session shares.
type Deps struct {
	Pool          *router.Pool
	VAD           vad.Engine
	Users         store.UserResolver
	Profiles      store.ProfileStore
	Conversations store.ConversationStore
	Processor     postprocess.Processor
	Publisher     postprocess.Publisher

	// Workers bounds concurrent decode and VAD work across sessions. May be
	// nil.
	Workers *semaphore.Weighted

	// Handoffs tracks post-processing that outlives its session. May be nil.
	Handoffs *sync.WaitGroup

	// NewDecoder replaces [audio.NewDecoder]. May be nil.
	NewDecoder func(codec audio.Codec, sampleRate, channels int) (audio.Decoder, error)

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Session is one open client stream.
type Session struct {
	id     string
	params Params
	user   store.User
	set    Settings
	deps   Deps
	log    *slog.Logger
	start  time.Time
	slot   router.Slot

	conn  Conn
	down  *downlink
	queue *audio.ChunkQueue
	dec   audio.Decoder
	pack  *audio.Packetizer
	vad   vad.SessionHandle
	gate  *gate.Gate
	rt    *router.Router
	norm  *normalize.Normalizer
	ident *normalize.ProfileIdentifier
	asm   *conversation.Assembler

	stopping chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	code     websocket.StatusCode
	cause    string

	emptyFrames atomic.Int64
	queueDrops  atomic.Int64
	codecDrops  atomic.Int64

	firstAudio  time.Time
	firstResult bool
}

// Open validates p, resolves the user, and connects the provider sockets.
// The returned error wraps ErrUnsupportedCodec, ErrAuth or ErrSTTFailed when
// it has a client-facing reason.
func Open(ctx context.Context, conn Conn, p Params, set Settings, deps Deps) (s *Session, err error) {
	set.applyDefaults()
	ctx, span := observe.StartSpan(ctx, "session.open",
		attribute.String("pendant.uid", p.UID),
		attribute.String("pendant.codec", string(p.Codec)),
		attribute.Int("pendant.sample_rate", p.SampleRate),
		attribute.String("pendant.language", p.Language),
	)
	defer func() { observe.EndSpan(span, err) }()

	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = postprocess.Noop{}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	user, err := deps.Users.ResolveUser(ctx, p.UID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrAuth, p.UID)
	}
	if err != nil {
		return nil, fmt.Errorf("session: resolve user: %w", err)
	}

	newDecoder := deps.NewDecoder
	if newDecoder == nil {
		newDecoder = audio.NewDecoder
	}
	dec, err := newDecoder(p.Codec, p.SampleRate, p.Channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedCodec, err)
	}

	s = &Session{
		id:       uuid.NewString(),
		params:   p,
		user:     user,
		set:      set,
		deps:     deps,
		start:    time.Now(),
		conn:     conn,
		down:     &downlink{conn: conn, timeout: set.SendTimeout, watch: p.NewConversationWatch},
		queue:    audio.NewChunkQueue(set.QueueFrames),
		dec:      dec,
		pack:     audio.NewPacketizer(p.SampleRate, frameDuration),
		stopping: make(chan struct{}),
		code:     CloseNormal,
		cause:    "normal",
	}
	s.log = observe.WithTrace(ctx, deps.Logger).With("session_id", s.id, "uid", p.UID)

	if deps.VAD != nil && set.Gate.SpeechThreshold > 0 {
		s.vad, err = deps.VAD.NewSession(vad.Config{
			SampleRate:      p.SampleRate,
			FrameSizeMs:     int(frameDuration / time.Millisecond),
			SpeechThreshold: set.Gate.SpeechThreshold,
			Aggressiveness:  set.Aggressiveness,
		})
		if err != nil {
			return nil, fmt.Errorf("session: vad: %w", err)
		}
	}
	s.gate, err = gate.New(set.Gate, s.vad, gate.WithLogger(s.log), gate.WithMetrics(deps.Metrics))
	if err != nil {
		s.closeVAD()
		return nil, fmt.Errorf("session: gate: %w", err)
	}

	s.slot = s.selectSlot()
	profile := s.loadProfile(ctx)
	s.rt, err = router.Open(ctx, deps.Pool, router.Options{
		Slot: s.slot,
		Stream: stt.StreamConfig{
			SampleRate:      p.SampleRate,
			Channels:        1,
			Language:        p.Language,
			Diarize:         true,
			InterimResults:  true,
			WordTimestamps:  true,
			ProfileUserHint: user.Name,
		},
		Profile:       profile,
		ProfileMargin: set.ProfileMargin,
		CloseGrace:    set.CloseGrace,
		Logger:        s.log,
	})
	if err != nil {
		s.closeVAD()
		return nil, fmt.Errorf("%w: %w", ErrSTTFailed, err)
	}

	span.SetAttributes(
		attribute.String("pendant.session_id", s.id),
		attribute.String("pendant.slot", string(s.slot)),
		attribute.String("pendant.provider", s.rt.Provider()),
		attribute.Bool("pendant.primed", s.rt.Primed()),
	)

	var ident normalize.SpeakerIdentifier
	if s.rt.Primed() {
		s.ident = normalize.NewProfileIdentifier()
		ident = s.ident
	}
	s.norm = normalize.New(s.gate.TimeMap(), normalize.Options{Identifier: ident, Logger: s.log})
	s.asm = conversation.New(conversation.Config{
		UID:            p.UID,
		SessionID:      s.id,
		Language:       p.Language,
		SessionStart:   s.start,
		IdleFinalize:   set.IdleFinalize,
		HandoffTimeout: set.HandoffTimeout,
		Store:          deps.Conversations,
		Processor:      deps.Processor,
		Publisher:      deps.Publisher,
		Sink:           s.down,
		Handoffs:       deps.Handoffs,
		Metrics:        deps.Metrics,
		Logger:         s.log,
	})

	deps.Metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("session opened",
		"language", p.Language,
		"codec", p.Codec,
		"sample_rate", p.SampleRate,
		"channels", p.Channels,
		"slot", s.slot,
		"provider", s.rt.Provider(),
		"primed", s.rt.Primed(),
	)
	return s, nil
}

// selectSlot applies the routing rule and falls back to the other streaming
// slot when the chosen one is not configured.
func (s *Session) selectSlot() router.Slot {
	pool := s.deps.Pool
	slot := router.Select(s.params.RouterParams(), pool.Configured(router.SlotC))
	if pool.Configured(slot) {
		return slot
	}
	other := router.SlotA
	if slot == router.SlotA {
		other = router.SlotB
	}
	if pool.Configured(other) {
		s.log.Debug("session: slot not configured, falling back", "slot", slot, "fallback", other)
		return other
	}
	return slot
}

func (s *Session) loadProfile(ctx context.Context) *types.SpeechProfile {
	if !s.params.IncludeSpeechProfile || s.deps.Profiles == nil || !s.slot.Primable() {
		return nil
	}
	prof, err := s.deps.Profiles.GetProfile(ctx, s.params.UID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.log.Debug("session: no speech profile")
		return nil
	case err != nil:
		s.log.Warn("session: load speech profile", "err", err)
		return nil
	}
	return &prof
}

// ID returns the session's generated identifier.
func (s *Session) ID() string { return s.id }

// Params returns the parameters the session was opened with.
func (s *Session) Params() Params { return s.params }

// Slot returns the provider slot chosen at open.
func (s *Session) Slot() router.Slot { return s.slot }

// Started returns the wall time the session opened.
func (s *Session) Started() time.Time { return s.start }

// Conversation returns a copy of the in-progress conversation, or nil.
func (s *Session) Conversation() *types.Conversation { return s.asm.Current() }

// Push queues one uplink message. It never blocks: empty messages are
// counted and ignored, and a full queue drops its oldest message.
func (s *Session) Push(b []byte) {
	if s.isStopping() {
		return
	}
	ctx := context.Background()
	if len(b) == 0 {
		s.emptyFrames.Add(1)
		s.deps.Metrics.EmptyFrames.Add(ctx, 1)
		return
	}
	if n := s.queue.Push(audio.Chunk{Data: b, ReceivedAt: time.Now()}); n > 0 {
		s.queueDrops.Add(int64(n))
		s.deps.Metrics.QueueDrops.Add(ctx, int64(n))
	}
}

// Close asks the session to shut down with code. Only the first call
// counts. Run performs the actual close sequence.
func (s *Session) Close(code websocket.StatusCode) {
	cause := "normal"
	if code == CloseGoingAway {
		cause = "going_away"
	}
	s.closeWith(code, cause)
}

func (s *Session) closeWith(code websocket.StatusCode, cause string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.code, s.cause = code, cause
		s.mu.Unlock()
		s.queue.Close()
		close(s.stopping)
	})
}

func (s *Session) isStopping() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

func (s *Session) closeState() (websocket.StatusCode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.cause
}

// Run drives the session until it closes and returns the error that ended
// it, nil for a normal close.
func (s *Session) Run(ctx context.Context) (err error) {
	defer s.deps.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	ctx, span := observe.StartSpan(ctx, "session.run", attribute.String("pendant.session_id", s.id))
	defer func() { observe.EndSpan(span, err) }()

	var recv sync.WaitGroup
	recv.Go(func() { s.receive(ctx) })

	g, gctx := errgroup.WithContext(ctx)
	wctx, stopWatchdog := context.WithCancel(gctx)
	defer stopWatchdog()

	g.Go(func() error { return s.process(gctx) })
	g.Go(func() error {
		defer stopWatchdog()
		return s.pump(gctx)
	})
	g.Go(func() error { return s.heartbeat(gctx) })
	g.Go(func() error { return s.asm.Run(wctx) })
	g.Go(func() error { return s.deadline(gctx) })
	err = g.Wait()

	if ctx.Err() != nil && err == nil {
		s.closeWith(CloseGoingAway, "shutdown")
	}
	s.closeWith(CloseNormal, "normal")
	_ = s.rt.Close()
	audio.Drain(s.rt.Events())

	bg := context.WithoutCancel(ctx)
	s.asm.Flush(bg)

	code, cause := s.closeState()
	var reason string
	if err != nil {
		code, cause = CloseInternal, "internal"
		if reason = Reason(err); reason != "" {
			cause = reason
		}
		s.log.Error("session failed", "err", err)
	}
	s.announceClosed(bg, cause)
	if reason != "" {
		if werr := s.down.fail(bg, reason); werr != nil {
			s.log.Debug("session: send error event", "err", werr)
		}
	}
	if cerr := s.down.close(code, ""); cerr != nil {
		s.log.Debug("session: close client socket", "err", cerr)
	}
	recv.Wait()
	s.closeVAD()

	span.SetAttributes(attribute.String("pendant.close_cause", cause), attribute.Int("pendant.close_code", int(code)))
	s.deps.Metrics.RecordSessionClosed(bg, cause)
	s.logSummary(bg, code, cause)
	return err
}

// announceClosed tells the client and lifecycle subscribers that the session
// is over. The error event, when there is one, still comes last before the
// close frame.
func (s *Session) announceClosed(ctx context.Context, cause string) {
	if err := s.down.sessionClosed(ctx, cause); err != nil {
		s.log.Debug("session: send session_closed", "err", err)
	}
	ev := postprocess.Event{Type: EventSessionClosed, UID: s.params.UID, SessionID: s.id, Reason: cause}
	if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
		s.log.Debug("session: publish session_closed", "err", err)
	}
}

// receive reads uplink messages until the client socket closes. The read is
// not tied to ctx so the socket stays open while the session drains.
func (s *Session) receive(ctx context.Context) {
	rctx := context.WithoutCancel(ctx)
	for {
		typ, b, err := s.conn.Read(rctx)
		if err != nil {
			if !s.isStopping() {
				s.log.Debug("session: client read ended", "err", err)
				s.closeWith(CloseNormal, "client")
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		s.Push(b)
	}
}

// process moves queued audio through decoder, gate and router in arrival
// order. Once intake stops it drains the queue, finalizes the open utterance
// and closes the router so the pump can flush the last results.
func (s *Session) process(ctx context.Context) error {
	for {
		c, err := s.queue.Pop(ctx)
		if errors.Is(err, audio.ErrQueueClosed) {
			break
		}
		if err != nil {
			return nil
		}
		if err := s.handleChunk(ctx, c); err != nil {
			return err
		}
	}

	var tail []gate.Decision
	if f, ok := s.pack.Flush(time.Now()); ok {
		tail = append(tail, s.gate.Process(f))
	}
	if d, ok := s.gate.Close(); ok {
		tail = append(tail, d)
	}
	if err := s.forward(tail); err != nil {
		return err
	}
	return s.rt.Close()
}

func (s *Session) handleChunk(ctx context.Context, c audio.Chunk) error {
	var decisions []gate.Decision
	err := s.work(ctx, func() {
		pcm, err := s.dec.Decode(c.Data)
		if err != nil {
			s.codecDrops.Add(1)
			s.deps.Metrics.CodecDrops.Add(ctx, 1)
			s.log.Debug("session: dropped undecodable frame", "bytes", len(c.Data), "err", err)
			return
		}
		for _, f := range s.pack.Push(pcm, c.ReceivedAt) {
			decisions = append(decisions, s.gate.Process(f))
		}
	})
	if err != nil {
		return nil
	}
	return s.forward(decisions)
}

// work runs fn in a worker slot. Each session has at most one call in
// flight because process is sequential.
func (s *Session) work(ctx context.Context, fn func()) error {
	if s.deps.Workers == nil {
		fn()
		return nil
	}
	if err := s.deps.Workers.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.deps.Workers.Release(1)
	fn()
	return nil
}

func (s *Session) forward(decisions []gate.Decision) error {
	for _, d := range decisions {
		s.rt.Observe(d.Wall)
		switch d.Kind {
		case gate.KindSpeech, gate.KindKeepalive:
			if err := s.rt.SendAudio(d.Bytes); err != nil {
				return fmt.Errorf("%w: %w", ErrSTTFailed, err)
			}
			if len(d.Bytes) > 0 {
				s.setFirstAudio(time.Now())
			}
		case gate.KindFinalize:
			if err := s.rt.Finalize(); err != nil {
				s.gate.RecordFinalizeError()
				s.log.Debug("session: finalize", "err", err)
			}
		}
	}
	return nil
}

// pump feeds provider events through the normalizer into the assembler in
// the order the router delivers them. It returns once the router's event
// stream closes.
func (s *Session) pump(ctx context.Context) error {
	events := s.rt.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if err := s.rt.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrSTTFailed, err)
				}
				return nil
			}
			s.recordFirstResult(ctx)
			if s.ident != nil && ev.Socket == router.SocketPrimed && !ev.Profile && ev.Transcript.IsFinal {
				s.ident.Lock()
			}
			u := s.norm.Process(ev)
			if err := s.asm.OnUpdate(ctx, u); err != nil {
				return fmt.Errorf("session: persist conversation: %w", err)
			}
		}
	}
}

func (s *Session) setFirstAudio(t time.Time) {
	s.mu.Lock()
	if s.firstAudio.IsZero() {
		s.firstAudio = t
	}
	s.mu.Unlock()
}

func (s *Session) recordFirstResult(ctx context.Context) {
	s.mu.Lock()
	if s.firstResult || s.firstAudio.IsZero() {
		s.mu.Unlock()
		return
	}
	s.firstResult = true
	lat := time.Since(s.firstAudio)
	s.mu.Unlock()
	s.deps.Metrics.STTFirstResultLatency.Record(ctx, lat.Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.rt.Provider())))
}

// heartbeat pings the client. A failed ping means the client is gone.
func (s *Session) heartbeat(ctx context.Context) error {
	t := time.NewTicker(s.set.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopping:
			return nil
		case <-t.C:
			if err := s.down.ping(ctx); err != nil {
				if s.isStopping() {
					return nil
				}
				return fmt.Errorf("session: heartbeat: %w", err)
			}
		}
	}
}

// deadline closes the session with "going away" once the soft deadline
// passes.
func (s *Session) deadline(ctx context.Context) error {
	t := time.NewTimer(s.set.SoftDeadline)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-s.stopping:
	case <-t.C:
		s.log.Info("session: soft deadline reached", "after", s.set.SoftDeadline)
		s.closeWith(CloseGoingAway, "deadline")
	}
	return nil
}

func (s *Session) closeVAD() {
	if s.vad == nil {
		return
	}
	if err := s.vad.Close(); err != nil {
		s.log.Debug("session: close vad", "err", err)
	}
}

func (s *Session) logSummary(ctx context.Context, code websocket.StatusCode, cause string) {
	snap := s.gate.Summary(ctx)
	s.log.Info("session closed",
		"code", int(code),
		"cause", cause,
		"duration", time.Since(s.start).Round(time.Millisecond),
		"slot", s.slot,
		"provider", s.rt.Provider(),
		"bytes_received", snap.BytesReceived,
		"bytes_sent", snap.BytesSent,
		"bytes_saved_ratio", snap.BytesSavedRatio,
		"keepalives", snap.Keepalives,
		"finalizes", snap.Finalizes,
		"vad_errors", snap.VADErrors,
		"codec_drops", s.codecDrops.Load(),
		"queue_drops", s.queueDrops.Load(),
		"empty_frames", s.emptyFrames.Load(),
		"duplicates", s.norm.Duplicates(),
		"timemap_violations", s.gate.TimeMap().Violations(),
	)
}

// Stats returns the session's gate counters and drop counts.
func (s *Session) Stats() Stats {
	return Stats{
		Gate:        s.gate.Stats().Snapshot(),
		CodecDrops:  s.codecDrops.Load(),
		QueueDrops:  s.queueDrops.Load(),
		EmptyFrames: s.emptyFrames.Load(),
	}
}

// Stats is a point-in-time view of a session's counters.
type Stats struct {
	Gate        gate.Snapshot
	CodecDrops  int64
	QueueDrops  int64
	EmptyFrames int64
}
