package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pendant/pkg/audio"
	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/types"
)

// Socket identifiers carried on every [Event].
const (
	SocketLive   = 1
	SocketPrimed = 2
)

const (
	DefaultProfileMargin = time.Second
	DefaultCloseGrace    = 3 * time.Second

	profileChunk = 100 * time.Millisecond
)

// Event is a transcript from one of the session's sockets. Times are on the
// live provider clock: primed-socket times are already shifted back by the
// profile length.
type Event struct {
	Socket int

	// Authoritative is true when Socket was the authoritative socket at the
	// moment the event was received.
	Authoritative bool

	// Profile marks a primed-socket event that lies entirely inside the
	// enrollment preamble. It carries no live speech.
	Profile bool

	Transcript types.Transcript
}

// Options configures a session's router.
type Options struct {
	Slot   Slot
	Region string
	Stream stt.StreamConfig

	// Profile, when non-nil, enables the primed socket.
	Profile *types.SpeechProfile

	// ProfileMargin is added to the profile length before handover.
	ProfileMargin time.Duration

	// CloseGrace is how long a finalized socket may keep delivering results
	// before it is closed.
	CloseGrace time.Duration

	Logger *slog.Logger
}

type socket struct {
	id       int
	handle   stt.SessionHandle
	provider string
	shift    time.Duration
	dropped  atomic.Bool
}

// Router owns the provider sockets of one session.
type Router struct {
	opts Options
	log  *slog.Logger

	live   *socket
	primed *socket

	profileDur time.Duration
	handoverAt time.Duration

	authoritative atomic.Int32
	handedOver    atomic.Bool

	mu     sync.Mutex
	closed bool

	events  chan Event
	pumps   sync.WaitGroup
	retired sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Open starts the sockets for opts.Slot: the live socket and, when a profile
// is given and the slot streams, the primed socket, which receives the whole
// profile before Open returns. Failure of the primed socket only disables
// priming.
func Open(ctx context.Context, pool *Pool, opts Options) (*Router, error) {
	if opts.ProfileMargin <= 0 {
		opts.ProfileMargin = DefaultProfileMargin
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Router{
		opts:   opts,
		log:    opts.Logger.With("slot", opts.Slot),
		events: make(chan Event, 64),
	}

	var profile []byte
	if opts.Profile != nil && len(opts.Profile.Audio) > 0 && opts.Slot.Primable() {
		profile = audio.ResampleMono16(opts.Profile.Audio, opts.Profile.SampleRate, opts.Stream.SampleRate)
		r.profileDur = opts.Stream.AudioDuration(len(profile))
		r.handoverAt = r.profileDur + opts.ProfileMargin
	}

	// The primed socket is dialled first so the provider hears the profile
	// before any live audio; the live socket opens while the profile uploads.
	var primed *socket
	if profile != nil {
		h, name, err := pool.StartStream(ctx, opts.Slot, opts.Region, opts.Stream)
		if err != nil {
			r.log.Warn("router: speech-profile priming disabled", "err", err)
		} else {
			primed = &socket{id: SocketPrimed, handle: h, provider: name, shift: -r.profileDur}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, name, err := pool.StartStream(gctx, opts.Slot, opts.Region, opts.Stream)
		if err != nil {
			return err
		}
		r.live = &socket{id: SocketLive, handle: h, provider: name}
		return nil
	})
	if primed != nil {
		// The primed socket's failure never fails the group.
		g.Go(func() error {
			if err := sendProfile(primed.handle, profile, opts.Stream.SampleRate); err != nil {
				r.log.Warn("router: speech-profile priming disabled", "err", err)
				_ = primed.handle.Close()
				return nil
			}
			r.primed = primed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if r.primed != nil {
			_ = r.primed.handle.Close()
		}
		return nil, err
	}

	r.authoritative.Store(SocketLive)
	if r.primed != nil {
		r.authoritative.Store(SocketPrimed)
		r.log.Info("router: primed socket open",
			"profile", r.profileDur, "handover_at", r.handoverAt, "provider", r.primed.provider)
	}

	r.startPump(r.live)
	if r.primed != nil {
		r.startPump(r.primed)
	}
	go func() {
		r.pumps.Wait()
		close(r.events)
	}()
	return r, nil
}

func sendProfile(h stt.SessionHandle, profile []byte, rate int) error {
	step := rate * 2 * int(profileChunk/time.Millisecond) / 1000
	for off := 0; off < len(profile); off += step {
		end := min(off+step, len(profile))
		if err := h.SendAudio(profile[off:end]); err != nil {
			return fmt.Errorf("send profile: %w", err)
		}
	}
	return nil
}

func (r *Router) startPump(s *socket) {
	r.pumps.Add(1)
	go func() {
		defer r.pumps.Done()
		for t := range s.handle.Events() {
			ev := Event{
				Socket:        s.id,
				Authoritative: int(r.authoritative.Load()) == s.id,
				Transcript:    stt.ShiftTranscript(t, s.shift),
			}
			ev.Profile = s.id == SocketPrimed && ev.Transcript.End <= 0
			r.events <- ev
		}
		err := s.handle.Err()
		switch {
		case err == nil:
		case s.id == SocketLive:
			r.setErr(fmt.Errorf("%s: %w", s.provider, err))
			// The session is over; take the primed socket down with it.
			r.dropPrimed()
		default:
			r.log.Warn("router: primed socket failed", "err", err)
			r.dropPrimed()
		}
	}()
}

func (r *Router) setErr(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// Err returns the live socket's terminal error, if any.
func (r *Router) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Events returns the tagged event stream. It closes once every socket has
// closed.
func (r *Router) Events() <-chan Event { return r.events }

// Authoritative returns the socket whose events currently win duplicates.
func (r *Router) Authoritative() int { return int(r.authoritative.Load()) }

// Primed reports whether a primed socket is still attached.
func (r *Router) Primed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primed != nil && !r.primed.dropped.Load()
}

// ProfileDuration returns the length of the priming preamble, zero without
// priming.
func (r *Router) ProfileDuration() time.Duration { return r.profileDur }

// Provider returns the live socket's provider name.
func (r *Router) Provider() string { return r.live.provider }

// SendAudio forwards gated audio to every attached socket. Only a live
// socket failure is returned.
func (r *Router) SendAudio(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	r.mu.Lock()
	p := r.primed
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return stt.ErrSessionClosed
	}
	if p != nil && !p.dropped.Load() {
		if err := p.handle.SendAudio(b); err != nil {
			r.log.Warn("router: primed socket send failed", "err", err)
			r.dropPrimed()
		}
	}
	if err := r.live.handle.SendAudio(b); err != nil {
		err = fmt.Errorf("%s: %w", r.live.provider, err)
		if stt.IsTerminal(err) {
			r.setErr(err)
		}
		return err
	}
	return nil
}

// Finalize asks every attached socket to flush the current utterance.
func (r *Router) Finalize() error {
	r.mu.Lock()
	p := r.primed
	r.mu.Unlock()
	if p != nil && !p.dropped.Load() {
		if err := p.handle.Finalize(); err != nil {
			r.log.Debug("router: primed finalize failed", "err", err)
		}
	}
	return r.live.handle.Finalize()
}

// Observe advances the router's view of live wall time. Once it passes the
// profile length plus margin, the primed socket is finalized, given the close
// grace to flush, and closed; the live socket becomes authoritative.
func (r *Router) Observe(wall time.Duration) {
	if r.handoverAt == 0 || wall < r.handoverAt || !r.handedOver.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	p := r.primed
	r.mu.Unlock()
	r.authoritative.Store(SocketLive)
	if p == nil || p.dropped.Load() {
		return
	}
	r.log.Info("router: handing over to live socket", "wall", wall)
	r.retire(p, true)
}

// dropPrimed detaches a failed primed socket. The session continues on the
// live socket.
func (r *Router) dropPrimed() {
	r.mu.Lock()
	p := r.primed
	r.mu.Unlock()
	if p == nil || !p.dropped.CompareAndSwap(false, true) {
		return
	}
	r.authoritative.Store(SocketLive)
	r.retired.Add(1)
	go func() {
		defer r.retired.Done()
		_ = p.handle.Close()
	}()
}

// retire finalizes s, waits up to the close grace for its results, then
// closes it.
func (r *Router) retire(s *socket, finalize bool) {
	if !s.dropped.CompareAndSwap(false, true) {
		return
	}
	r.retired.Add(1)
	go func() {
		defer r.retired.Done()
		if finalize {
			if err := s.handle.Finalize(); err != nil {
				r.log.Debug("router: finalize before retire failed", "socket", s.id, "err", err)
			}
			t := time.NewTimer(r.opts.CloseGrace)
			defer t.Stop()
			<-t.C
		}
		if err := s.handle.Close(); err != nil {
			r.log.Debug("router: close retired socket", "socket", s.id, "err", err)
		}
	}()
}

// Close flushes and closes every socket. Events keep flowing until each
// provider has delivered its final results; the caller should keep reading
// Events until it closes.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		p := r.primed
		r.mu.Unlock()

		var g errgroup.Group
		if p != nil && p.dropped.CompareAndSwap(false, true) {
			g.Go(p.handle.Close)
		}
		g.Go(r.live.handle.Close)
		if err := g.Wait(); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
			r.log.Debug("router: close", "err", err)
		}
		r.retired.Wait()
	})
	return nil
}
