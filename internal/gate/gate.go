// Package gate implements the voice-activity gate that sits between the codec
// decoder and the STT router.
//
// A [Gate] consumes fixed-size PCM frames and returns one [Decision] per
// frame: forward the audio, suppress it, replace it with a zero-energy
// keepalive, or mark the end of an utterance. Only forwarded bytes advance
// the provider clock, so the gate keeps a [TimeMap] that translates provider
// timestamps back to the wall-clock offsets of the original recording.
//
// A Gate is owned by a single session goroutine. Its TimeMap and Stats may be
// read concurrently.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/pkg/provider/vad"
	"github.com/MrWong99/pendant/pkg/types"
)

// Kind tags a per-frame gate decision.
type Kind int

const (
	// KindSpeech forwards the frame (or buffered pre-roll plus the frame).
	KindSpeech Kind = iota

	// KindSilenceSuppressed forwards nothing.
	KindSilenceSuppressed

	// KindKeepalive forwards a zero-energy frame in place of the input.
	KindKeepalive

	// KindFinalize forwards nothing and asks the provider to flush the
	// current utterance.
	KindFinalize
)

// String returns the wire-style name of the decision kind.
func (k Kind) String() string {
	switch k {
	case KindSpeech:
		return "SPEECH"
	case KindSilenceSuppressed:
		return "SILENCE_SUPPRESSED"
	case KindKeepalive:
		return "KEEPALIVE_INJECTED"
	case KindFinalize:
		return "FINALIZE_MARK"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Forwards reports whether the decision carries audio for the provider.
func (k Kind) Forwards() bool {
	return k == KindSpeech || k == KindKeepalive
}

// Decision is the gate output for one input frame.
type Decision struct {
	Kind Kind

	// Bytes is the PCM to send. Empty for suppressed frames and finalize marks.
	Bytes []byte

	// ProviderOffset is the provider-clock offset at which Bytes begin. It is
	// nondecreasing across decisions.
	ProviderOffset time.Duration

	// Wall is the wall-clock offset of the input frame.
	Wall time.Duration
}

// State is the gate state.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateCooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Mode selects whether the gate filters audio.
type Mode string

const (
	// ModeActive suppresses silence.
	ModeActive Mode = "active"

	// ModeObserve forwards everything and only records metrics.
	ModeObserve Mode = "observe"
)

// DefaultAnchorSpacing is the minimum wall-clock gap between throttled
// anchors.
const DefaultAnchorSpacing = 250 * time.Millisecond

// Config tunes a gate. A Config is frozen when the gate is created.
type Config struct {
	// SpeechThreshold is the probability at or above which a frame counts
	// as speech. Zero forwards every frame.
	SpeechThreshold float64

	// TriggerLevel is the number of consecutive speech frames that open
	// the gate.
	TriggerLevel int

	// Hangover is how long silence is still forwarded after speech.
	Hangover time.Duration

	// KeepaliveInterval is the longest run of unforwarded audio before a
	// keepalive frame is injected. Zero disables keepalives.
	KeepaliveInterval time.Duration

	// FinalizeAfter is the silence after the last speech frame that
	// triggers a finalize mark.
	FinalizeAfter time.Duration

	Mode Mode

	// AnchorSpacing throttles routine anchors. Defaults to 250 ms.
	AnchorSpacing time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:   0.65,
		TriggerLevel:      1,
		Hangover:          300 * time.Millisecond,
		KeepaliveInterval: 8 * time.Second,
		FinalizeAfter:     1500 * time.Millisecond,
		Mode:              ModeActive,
		AnchorSpacing:     DefaultAnchorSpacing,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("gate: speech_threshold %.2f out of range [0, 1]", c.SpeechThreshold))
	}
	if c.TriggerLevel < 1 {
		errs = append(errs, fmt.Errorf("gate: trigger_level %d must be at least 1", c.TriggerLevel))
	}
	if c.Hangover < 0 || c.KeepaliveInterval < 0 || c.FinalizeAfter < 0 {
		errs = append(errs, errors.New("gate: durations must not be negative"))
	}
	switch c.Mode {
	case ModeActive, ModeObserve, "":
	default:
		errs = append(errs, fmt.Errorf("gate: unknown mode %q", c.Mode))
	}
	return errors.Join(errs...)
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// WithMetrics mirrors gate counters into OpenTelemetry instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// Gate is the per-session voice-activity filter.
type Gate struct {
	cfg     Config
	vad     vad.SessionHandle
	log     *slog.Logger
	metrics *observe.Metrics
	tm      *TimeMap
	stats   *Stats

	state State

	// wall is W: the summed duration of every frame received.
	wall time.Duration
	// provider is P: the summed duration of every byte forwarded.
	provider time.Duration

	speechRun int
	preroll   [][]byte
	// prerollDur is the wall time covered by preroll.
	prerollDur time.Duration

	// silence is the unbroken silence since the last speech frame.
	silence time.Duration
	// unforwarded is the wall time since the last forwarded byte.
	unforwarded time.Duration

	lastForwarded bool
	afterFinalize bool
	started       bool
}

// New creates a gate over the given VAD session. The gate does not close the
// VAD session.
func New(cfg Config, v vad.SessionHandle, opts ...Option) (*Gate, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeActive
	}
	if cfg.AnchorSpacing <= 0 {
		cfg.AnchorSpacing = DefaultAnchorSpacing
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if v == nil && cfg.SpeechThreshold > 0 && cfg.Mode == ModeActive {
		return nil, errors.New("gate: a VAD session is required when speech_threshold > 0")
	}
	g := &Gate{cfg: cfg, vad: v, log: slog.Default(), stats: &Stats{}}
	for _, o := range opts {
		o(g)
	}
	g.tm = NewTimeMap(g.log, func() {
		if g.metrics != nil {
			g.metrics.TimeMapViolations.Add(context.Background(), 1)
		}
	})
	return g, nil
}

// TimeMap returns the gate's provider-to-wall mapping.
func (g *Gate) TimeMap() *TimeMap { return g.tm }

// Stats returns the live counters.
func (g *Gate) Stats() *Stats { return g.stats }

// State returns the current state.
func (g *Gate) State() State { return g.state }

// Config returns the frozen configuration.
func (g *Gate) Config() Config { return g.cfg }

// Wall returns the wall offset reached so far.
func (g *Gate) Wall() time.Duration { return g.wall }

// Process classifies one frame and advances the gate.
func (g *Gate) Process(f types.AudioFrame) Decision {
	dur := f.Duration
	if dur <= 0 && f.SampleRate > 0 {
		dur = time.Duration(len(f.Data)/2) * time.Second / time.Duration(f.SampleRate)
	}
	start := g.wall
	g.wall += dur
	g.stats.Chunks.Add(1)
	g.stats.BytesReceived.Add(int64(len(f.Data)))

	speech := g.classify(f.Data)
	if speech {
		g.stats.Speech.Add(1)
	} else {
		g.stats.Silence.Add(1)
	}
	if g.metrics != nil {
		ctx := context.Background()
		g.metrics.GateChunks.Add(ctx, 1)
		g.metrics.GateBytesReceived.Add(ctx, int64(len(f.Data)))
		if speech {
			g.metrics.GateSpeech.Add(ctx, 1)
		} else {
			g.metrics.GateSilence.Add(ctx, 1)
		}
	}

	if !g.started {
		g.started = true
		g.tm.Add(Anchor{Wall: start, Provider: g.provider})
	}

	var d Decision
	if g.cfg.Mode == ModeObserve {
		d = g.forward(start, dur, KindSpeech, f.Data)
	} else {
		d = g.step(start, dur, speech, f.Data)
	}
	g.tm.Advance(g.wall)
	return d
}

func (g *Gate) classify(frame []byte) bool {
	if g.cfg.SpeechThreshold <= 0 || g.vad == nil {
		return true
	}
	ev, err := g.vad.ProcessFrame(frame)
	if err != nil {
		g.stats.VADErrors.Add(1)
		if g.metrics != nil {
			g.metrics.GateVADErrors.Add(context.Background(), 1)
		}
		g.log.Debug("gate: vad error, treating frame as speech", "err", err)
		return true
	}
	return ev.Probability >= g.cfg.SpeechThreshold
}

func (g *Gate) step(start, dur time.Duration, speech bool, frame []byte) Decision {
	switch g.state {
	case StateOpen:
		if speech {
			g.silence = 0
			return g.forward(start, dur, KindSpeech, frame)
		}
		prior := g.silence
		g.silence += dur
		if prior < g.cfg.Hangover {
			return g.forward(start, dur, KindSpeech, frame)
		}
		g.state = StateCooldown
		g.log.Debug("gate: closing", "wall", start)
		return g.suppress(start, dur, len(frame))

	default: // idle, cooldown
		if speech {
			g.speechRun++
			if g.speechRun >= g.cfg.TriggerLevel {
				return g.open(start, dur, frame)
			}
			g.preroll = append(g.preroll, append([]byte(nil), frame...))
			g.prerollDur += dur
			return g.suppressPending(start, dur)
		}
		g.speechRun = 0
		g.preroll = g.preroll[:0]
		g.prerollDur = 0
		if g.state == StateCooldown {
			g.silence += dur
		}
		return g.suppress(start, dur, len(frame))
	}
}

func (g *Gate) open(start, dur time.Duration, frame []byte) Decision {
	g.state = StateOpen
	g.silence = 0
	g.speechRun = 0
	if len(g.preroll) == 0 {
		return g.forward(start, dur, KindSpeech, frame)
	}
	total := len(frame)
	for _, p := range g.preroll {
		total += len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range g.preroll {
		buf = append(buf, p...)
	}
	buf = append(buf, frame...)
	from := start - g.prerollDur
	span := dur + g.prerollDur
	g.preroll = g.preroll[:0]
	g.prerollDur = 0
	return g.forward(from, span, KindSpeech, buf)
}

// suppress handles a frame that is not forwarded. It may turn into a finalize
// mark or a keepalive; finalize wins when both are due.
func (g *Gate) suppress(start, dur time.Duration, frameLen int) Decision {
	g.unforwarded += dur
	if g.state == StateCooldown && g.silence >= g.cfg.FinalizeAfter {
		g.finalize()
		g.enterSuppression(start)
		return Decision{Kind: KindFinalize, ProviderOffset: g.provider, Wall: start}
	}
	if g.cfg.KeepaliveInterval > 0 && g.unforwarded >= g.cfg.KeepaliveInterval {
		g.stats.Keepalives.Add(1)
		if g.metrics != nil {
			g.metrics.GateKeepalives.Add(context.Background(), 1)
		}
		return g.forward(start, dur, KindKeepalive, make([]byte, frameLen))
	}
	g.enterSuppression(start)
	return Decision{Kind: KindSilenceSuppressed, ProviderOffset: g.provider, Wall: start}
}

// suppressPending holds a speech frame back while the trigger level has not
// been reached.
func (g *Gate) suppressPending(start, dur time.Duration) Decision {
	g.unforwarded += dur
	g.enterSuppression(start)
	return Decision{Kind: KindSilenceSuppressed, ProviderOffset: g.provider, Wall: start}
}

func (g *Gate) finalize() {
	g.state = StateIdle
	g.silence = 0
	g.afterFinalize = true
	g.stats.Finalizes.Add(1)
	if g.metrics != nil {
		g.metrics.GateFinalizes.Add(context.Background(), 1)
	}
}

// enterSuppression anchors the point where the provider clock stops.
func (g *Gate) enterSuppression(start time.Duration) {
	if g.lastForwarded {
		g.tm.Add(Anchor{Wall: start, Provider: g.provider})
	}
	g.lastForwarded = false
}

func (g *Gate) forward(start, dur time.Duration, kind Kind, data []byte) Decision {
	switch {
	case !g.lastForwarded, g.afterFinalize:
		// Provider clock resumes here.
		g.tm.Add(Anchor{Wall: start, Provider: g.provider})
	default:
		if last, ok := g.tm.Last(); ok && start-last.Wall >= g.cfg.AnchorSpacing {
			g.tm.Add(Anchor{Wall: start, Provider: g.provider})
		}
	}
	if kind == KindSpeech {
		g.afterFinalize = false
	}
	g.lastForwarded = true
	g.unforwarded = 0

	d := Decision{Kind: kind, Bytes: data, ProviderOffset: g.provider, Wall: start}
	g.provider += dur
	g.stats.BytesSent.Add(int64(len(data)))
	if g.metrics != nil {
		g.metrics.GateBytesSent.Add(context.Background(), int64(len(data)))
	}
	return d
}

// Close ends the stream. When an utterance is still open it returns a final
// finalize mark.
func (g *Gate) Close() (Decision, bool) {
	if g.cfg.Mode == ModeObserve || g.state == StateIdle {
		g.preroll = g.preroll[:0]
		return Decision{}, false
	}
	g.finalize()
	g.enterSuppression(g.wall)
	return Decision{Kind: KindFinalize, ProviderOffset: g.provider, Wall: g.wall}, true
}

// RecordFinalizeError counts a finalize signal the provider failed to accept.
func (g *Gate) RecordFinalizeError() {
	g.stats.FinalizeErrors.Add(1)
	if g.metrics != nil {
		g.metrics.GateFinalizeErrors.Add(context.Background(), 1)
	}
}

// Summary records the per-session bytes-saved histogram sample and returns a
// snapshot of the counters.
func (g *Gate) Summary(ctx context.Context) Snapshot {
	s := g.stats.Snapshot()
	if g.metrics != nil && s.BytesReceived > 0 {
		g.metrics.BytesSavedRatio.Record(ctx, s.BytesSavedRatio)
	}
	return s
}
