// Package wsstream is the websocket transport shared by the streaming STT
// adapters.
//
// A [Stream] owns one provider websocket at a time. Adapters describe the
// wire protocol through [Protocol]; the stream handles dialing with a connect
// timeout, per-frame send timeouts, a single redial on transport failure, the
// provider clock across redials, and the ordered delivery of transcripts.
package wsstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/types"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultSendTimeout    = 2 * time.Second
	DefaultCloseGrace     = 3 * time.Second
)

// Protocol describes a provider's websocket dialect.
type Protocol interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Endpoint returns the URL and headers to dial for cfg.
	Endpoint(cfg stt.StreamConfig) (string, http.Header, error)

	// Handshake runs right after the socket opens, for protocols that send
	// their configuration as the first message.
	Handshake(ctx context.Context, conn *websocket.Conn, cfg stt.StreamConfig) error

	// FinalizeMessage is the text frame that flushes the current utterance.
	FinalizeMessage() []byte

	// CloseMessage is the frame that signals the end of audio.
	CloseMessage() (websocket.MessageType, []byte)

	// NewDecoder returns a decoder for one connection.
	NewDecoder() Decoder
}

// Decoder turns provider messages into transcripts. Times are relative to the
// connection's own audio clock. A returned error is terminal for the stream.
type Decoder interface {
	Decode(data []byte) ([]types.Transcript, error)
}

// Options tunes a Stream.
type Options struct {
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	CloseGrace     time.Duration
	Metrics        *observe.Metrics
	Logger         *slog.Logger
	// HTTPClient is used for the websocket handshake when non-nil.
	HTTPClient *http.Client
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = DefaultCloseGrace
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// link is one websocket connection of a stream.
type link struct {
	conn *websocket.Conn
	n    int
	// base is the stream's provider clock when this link opened.
	base   time.Duration
	sent   time.Duration
	broken atomic.Bool
	done   chan struct{}
}

// Stream implements stt.SessionHandle over a websocket protocol.
type Stream struct {
	proto  Protocol
	cfg    stt.StreamConfig
	opts   Options
	id     string
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	link    *link
	links   int
	stopped bool
	readers sync.WaitGroup
	closed  atomic.Bool

	events   chan types.Transcript
	finished chan struct{}

	errMu sync.Mutex
	err   error

	firstSend   atomic.Int64
	firstResult atomic.Bool
	closeOnce   sync.Once
}

var _ stt.SessionHandle = (*Stream)(nil)

// Open dials the provider and starts the reader. A transient dial failure is
// retried once.
func Open(ctx context.Context, id string, proto Protocol, cfg stt.StreamConfig, opts Options) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Stream{
		proto:    proto,
		cfg:      cfg,
		opts:     opts,
		id:       id,
		log:      opts.Logger.With("provider", proto.Name(), "stream_id", id),
		ctx:      sctx,
		cancel:   cancel,
		events:   make(chan types.Transcript, 64),
		finished: make(chan struct{}),
	}

	l, err := s.dial(ctx, 0)
	if err != nil && errors.Is(err, stt.ErrUnreachable) {
		s.log.Warn("wsstream: dial failed, retrying once", "err", err)
		l, err = s.dial(ctx, 0)
		if errors.Is(err, stt.ErrUnreachable) {
			err = fmt.Errorf("%w: %w", stt.ErrTransport, err)
		}
	}
	if err != nil {
		cancel()
		return nil, err
	}
	s.link = l
	go s.supervise()
	return s, nil
}

// dial opens a connection whose clock starts at base. The caller adds the
// reader.
func (s *Stream) dial(ctx context.Context, base time.Duration) (*link, error) {
	url, header, err := s.proto.Endpoint(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: endpoint: %w", s.proto.Name(), err)
	}
	dctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: s.opts.HTTPClient,
	})
	if err != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		s.record("dial", "error")
		return nil, fmt.Errorf("%s: dial: %w: %w", s.proto.Name(), stt.ClassifyStatus(code), err)
	}
	conn.SetReadLimit(1 << 20)
	if err := s.proto.Handshake(dctx, conn, s.cfg); err != nil {
		conn.CloseNow()
		s.record("dial", "error")
		return nil, fmt.Errorf("%s: handshake: %w: %w", s.proto.Name(), stt.ErrUnreachable, err)
	}
	s.record("dial", "ok")
	if s.opts.Metrics != nil {
		s.opts.Metrics.ActiveProviderSockets.Add(context.Background(), 1)
	}

	s.links++
	l := &link{conn: conn, n: s.links, base: base, done: make(chan struct{})}
	s.readers.Add(1)
	go s.read(l)
	return l, nil
}

func (s *Stream) record(kind, status string) {
	if s.opts.Metrics == nil {
		return
	}
	ctx := context.Background()
	s.opts.Metrics.RecordProviderRequest(ctx, s.proto.Name(), kind, status)
	if status != "ok" {
		s.opts.Metrics.RecordProviderError(ctx, s.proto.Name(), kind)
	}
}

// read pumps one connection's messages into the event channel.
func (s *Stream) read(l *link) {
	defer s.readers.Done()
	defer close(l.done)
	defer func() {
		if s.opts.Metrics != nil {
			s.opts.Metrics.ActiveProviderSockets.Add(context.Background(), -1)
		}
	}()

	dec := s.proto.NewDecoder()
	for {
		_, msg, err := l.conn.Read(s.ctx)
		if err != nil {
			l.broken.Store(true)
			if s.ctx.Err() == nil && !s.closed.Load() {
				s.log.Warn("wsstream: provider socket dropped", "link", l.n, "err", err)
			}
			return
		}
		ts, err := dec.Decode(msg)
		if err != nil {
			s.fail(err)
			return
		}
		for _, t := range ts {
			if t.ID != "" {
				t.ID = fmt.Sprintf("%s-%d-%s", s.id, l.n, t.ID)
			}
			t = stt.ShiftTranscript(t, l.base)
			s.observeFirstResult()
			select {
			case s.events <- t:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Stream) observeFirstResult() {
	if s.opts.Metrics == nil || !s.firstResult.CompareAndSwap(false, true) {
		return
	}
	if start := s.firstSend.Load(); start > 0 {
		lat := time.Since(time.Unix(0, start))
		s.opts.Metrics.STTFirstResultLatency.Record(context.Background(), lat.Seconds())
	}
}

// supervise closes the event channel once the stream is cancelled and every
// reader has exited.
func (s *Stream) supervise() {
	<-s.ctx.Done()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.readers.Wait()
	close(s.events)
	close(s.finished)
}

// fail records a terminal error and tears the stream down.
func (s *Stream) fail(err error) {
	s.errMu.Lock()
	first := s.err == nil
	if first {
		s.err = err
	}
	s.errMu.Unlock()
	if first {
		s.log.Error("wsstream: terminal provider error", "err", err)
		s.record("stream", "error")
	}
	s.cancel()
}

// SendAudio writes chunk within the send timeout. On failure the stream
// redials once and resends; a second consecutive failure is terminal.
func (s *Stream) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || s.ctx.Err() != nil {
		if err := s.Err(); err != nil {
			return err
		}
		return stt.ErrSessionClosed
	}
	s.firstSend.CompareAndSwap(0, time.Now().UnixNano())

	if !s.link.broken.Load() {
		err := s.writeLocked(websocket.MessageBinary, chunk)
		if err == nil {
			s.link.sent += s.cfg.AudioDuration(len(chunk))
			return nil
		}
		s.log.Warn("wsstream: send failed, redialing", "link", s.link.n, "err", err)
		s.record("send", "error")
	}

	if err := s.redialLocked(); err != nil {
		s.fail(err)
		return err
	}
	if err := s.writeLocked(websocket.MessageBinary, chunk); err != nil {
		err = fmt.Errorf("%s: %w: resend after redial: %w", s.proto.Name(), stt.ErrTransport, err)
		s.fail(err)
		return err
	}
	s.link.sent += s.cfg.AudioDuration(len(chunk))
	return nil
}

func (s *Stream) writeLocked(typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.SendTimeout)
	defer cancel()
	return s.link.conn.Write(ctx, typ, data)
}

// redialLocked replaces the current link. Audio already sent keeps its place
// on the provider clock; the new link's timestamps are offset past it.
func (s *Stream) redialLocked() error {
	old := s.link
	old.broken.Store(true)
	old.conn.CloseNow()
	<-old.done

	if s.stopped {
		return stt.ErrSessionClosed
	}
	l, err := s.dial(s.ctx, old.base+old.sent)
	if err != nil {
		if !stt.IsTerminal(err) {
			err = fmt.Errorf("%w: redial: %w", stt.ErrTransport, err)
		}
		return err
	}
	s.log.Info("wsstream: redialed", "link", l.n, "clock_base", l.base)
	s.link = l
	return nil
}

// Finalize sends the protocol's flush message. It is not retried.
func (s *Stream) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || s.ctx.Err() != nil {
		return stt.ErrSessionClosed
	}
	if s.link.broken.Load() {
		return fmt.Errorf("%s: finalize: connection lost", s.proto.Name())
	}
	if err := s.writeLocked(websocket.MessageText, s.proto.FinalizeMessage()); err != nil {
		s.record("finalize", "error")
		return fmt.Errorf("%s: finalize: %w", s.proto.Name(), err)
	}
	return nil
}

// Events implements stt.SessionHandle.
func (s *Stream) Events() <-chan types.Transcript { return s.events }

// Err implements stt.SessionHandle.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// ClockOffset returns the provider-clock position of the next byte sent.
func (s *Stream) ClockOffset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link.base + s.link.sent
}

// Close signals end of audio, waits up to the close grace for the provider
// to flush and hang up, then tears the connection down.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		l := s.link
		if l != nil && !l.broken.Load() && s.ctx.Err() == nil {
			typ, msg := s.proto.CloseMessage()
			if err := s.writeLocked(typ, msg); err != nil {
				s.log.Debug("wsstream: end-of-audio write failed", "err", err)
			}
		}
		s.mu.Unlock()

		if l != nil {
			timer := time.NewTimer(s.opts.CloseGrace)
			select {
			case <-l.done:
			case <-s.ctx.Done():
			case <-timer.C:
				s.log.Debug("wsstream: close grace elapsed")
			}
			timer.Stop()
		}
		s.cancel()
		if l != nil {
			_ = l.conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		<-s.finished
	})
	return nil
}
