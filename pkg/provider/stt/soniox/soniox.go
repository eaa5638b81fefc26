// Package soniox provides an STT provider for the Soniox real-time websocket
// API. Soniox streams individual tokens with millisecond timestamps; the
// decoder folds them into utterance-level transcripts.
//
// The stream configuration, including the API key, travels in the first text
// message rather than in headers, so authentication failures surface as an
// error message on the open socket.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/provider/stt/wsstream"
	"github.com/MrWong99/pendant/pkg/types"
)

const (
	defaultEndpoint = "wss://stt-rt.soniox.com/transcribe-websocket"
	defaultModel    = "stt-rt-preview"

	// Control tokens emitted by the service.
	tokenFinalized = "<fin>"
	tokenEndpoint  = "<end>"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the recognition model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the websocket endpoint. Used by tests.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// WithRegionEndpoints maps region names to endpoints. Unknown regions fall
// back to the default endpoint.
func WithRegionEndpoints(m map[string]string) Option {
	return func(p *Provider) { p.regions = m }
}

// WithStreamOptions sets the transport timeouts, metrics and logger.
func WithStreamOptions(o wsstream.Options) Option {
	return func(p *Provider) { p.stream = o }
}

// WithMetrics records dial and error counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) { p.stream.Metrics = m }
}

// Provider implements stt.Provider backed by Soniox.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
	regions  map[string]string
	stream   wsstream.Options
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("soniox: apiKey must not be empty")
	}
	p := &Provider{apiKey: apiKey, model: defaultModel, endpoint: defaultEndpoint}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "soniox" }

// StartStream implements stt.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	s, err := wsstream.Open(ctx, uuid.NewString()[:8], &protocol{p: p}, cfg, p.stream)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ---- protocol ----

type protocol struct{ p *Provider }

func (pr *protocol) Name() string { return "soniox" }

func (pr *protocol) Endpoint(cfg stt.StreamConfig) (string, http.Header, error) {
	if ep, ok := pr.p.regions[cfg.Region]; ok && cfg.Region != "" {
		return ep, nil, nil
	}
	return pr.p.endpoint, nil, nil
}

// startRequest is the configuration message that opens a stream.
type startRequest struct {
	APIKey                   string   `json:"api_key"`
	Model                    string   `json:"model"`
	AudioFormat              string   `json:"audio_format"`
	SampleRate               int      `json:"sample_rate"`
	NumChannels              int      `json:"num_channels"`
	LanguageHints            []string `json:"language_hints,omitempty"`
	EnableSpeakerDiarization bool     `json:"enable_speaker_diarization,omitempty"`
	EnableEndpointDetection  bool     `json:"enable_endpoint_detection"`
	Context                  string   `json:"context,omitempty"`
	ClientReferenceID        string   `json:"client_reference_id,omitempty"`
}

func (pr *protocol) Handshake(ctx context.Context, conn *websocket.Conn, cfg stt.StreamConfig) error {
	req := startRequest{
		APIKey:                   pr.p.apiKey,
		Model:                    pr.p.model,
		AudioFormat:              "pcm_s16le",
		SampleRate:               cfg.SampleRate,
		NumChannels:              1,
		EnableSpeakerDiarization: cfg.Diarize,
		EnableEndpointDetection:  true,
		Context:                  userContext(cfg.ProfileUserHint),
	}
	if cfg.Language != "" {
		req.LanguageHints = []string{primaryLanguage(cfg.Language)}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// userContext seeds recognition with the known user's name.
func userContext(hint string) string {
	if hint == "" {
		return ""
	}
	return "The wearer of the device is " + hint + "."
}

func primaryLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}

func (pr *protocol) FinalizeMessage() []byte { return []byte(`{"type":"finalize"}`) }

// CloseMessage is an empty frame, which Soniox treats as end of audio.
func (pr *protocol) CloseMessage() (websocket.MessageType, []byte) {
	return websocket.MessageText, []byte{}
}

func (pr *protocol) NewDecoder() wsstream.Decoder { return &decoder{} }

// ---- decoding ----

type token struct {
	Text       string  `json:"text"`
	StartMs    *int64  `json:"start_ms"`
	EndMs      *int64  `json:"end_ms"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
	Speaker    string  `json:"speaker"`
}

type response struct {
	Tokens       []token `json:"tokens"`
	ErrorCode    int     `json:"error_code"`
	ErrorMessage string  `json:"error_message"`
	Finished     bool    `json:"finished"`
}

// decoder folds the token stream into utterances. Final tokens accumulate
// until an endpoint or finalize token closes the utterance; non-final tokens
// are the tail hypothesis and are replaced on every message.
type decoder struct {
	seq   int
	final []token
	tail  []token

	// shown is set once a partial of the current utterance went out.
	shown bool
}

func (d *decoder) Decode(data []byte) ([]types.Transcript, error) {
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		slog.Debug("soniox: ignoring undecodable message", "err", err)
		return nil, nil
	}
	if r.ErrorCode != 0 {
		return nil, classify(r.ErrorCode, r.ErrorMessage)
	}

	var out []types.Transcript
	d.tail = d.tail[:0]
	for _, tk := range r.Tokens {
		switch {
		case tk.Text == tokenFinalized || tk.Text == tokenEndpoint:
			if t, ok := d.emit(); ok {
				out = append(out, t)
			}
		case tk.IsFinal:
			d.final = append(d.final, tk)
		default:
			d.tail = append(d.tail, tk)
		}
	}
	if r.Finished {
		if t, ok := d.emit(); ok {
			out = append(out, t)
		}
		return out, nil
	}
	if len(r.Tokens) > 0 {
		if t, ok := d.build(false); ok {
			d.shown = true
			out = append(out, t)
		}
	}
	return out, nil
}

// emit closes the current utterance as a final transcript. The pending tail
// is dropped: the service re-sends anything it still believes in as final
// tokens before the control token. When nothing survives but a partial was
// shown, an empty final retracts it.
func (d *decoder) emit() (types.Transcript, bool) {
	d.tail = d.tail[:0]
	t, ok := d.build(true)
	if !ok && d.shown {
		t, ok = types.Transcript{ID: strconv.Itoa(d.seq), IsFinal: true}, true
	}
	d.final = d.final[:0]
	d.shown = false
	if ok {
		d.seq++
	}
	return t, ok
}

func (d *decoder) build(final bool) (types.Transcript, bool) {
	toks := append(append([]token(nil), d.final...), d.tail...)
	if len(toks) == 0 {
		return types.Transcript{}, false
	}
	var (
		sb      strings.Builder
		words   []types.WordDetail
		confSum float64
	)
	for _, tk := range toks {
		sb.WriteString(tk.Text)
		confSum += tk.Confidence
		w := types.WordDetail{
			Word:       strings.TrimSpace(tk.Text),
			Confidence: tk.Confidence,
			Speaker:    tk.Speaker,
		}
		if tk.StartMs != nil {
			w.Start = time.Duration(*tk.StartMs) * time.Millisecond
		}
		if tk.EndMs != nil {
			w.End = time.Duration(*tk.EndMs) * time.Millisecond
		}
		// Sub-word tokens without a leading space continue the previous word.
		if n := len(words); n > 0 && !strings.HasPrefix(tk.Text, " ") {
			words[n-1].Word += w.Word
			words[n-1].End = w.End
			continue
		}
		if w.Word != "" {
			words = append(words, w)
		}
	}
	t := types.Transcript{
		ID:         strconv.Itoa(d.seq),
		Text:       strings.TrimSpace(sb.String()),
		IsFinal:    final,
		Confidence: confSum / float64(len(toks)),
		Words:      words,
	}
	if len(words) > 0 {
		t.Start = words[0].Start
		t.End = words[len(words)-1].End
		t.SpeakerID = words[0].Speaker
	}
	return t, true
}

func classify(code int, msg string) error {
	switch code {
	case 401, 403:
		return fmt.Errorf("soniox: %w: %s", stt.ErrAuth, msg)
	case 400:
		return fmt.Errorf("soniox: %w: %s", stt.ErrRejected, msg)
	default:
		return fmt.Errorf("soniox: %w: error %d: %s", stt.ErrTransport, code, msg)
	}
}
