// Package deepgram is the STT adapter for Deepgram's live transcription
// websocket. All stream parameters travel in the URL query, audio goes out as
// binary linear16 frames and results come back as JSON text frames.
//
// Deepgram is the diarizing provider: every word carries a numeric speaker
// index, which the adapter passes on as a string label.
package deepgram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
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
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option configures a Provider.
type Option func(*Provider)

// WithModel selects the model, e.g. "nova-3" or "nova-2-general".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the language used when a stream does not name one.
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithSampleRate sets the rate assumed when a stream does not name one.
func WithSampleRate(rate int) Option { return func(p *Provider) { p.sampleRate = rate } }

// WithEndpoint overrides the websocket URL.
func WithEndpoint(u string) Option { return func(p *Provider) { p.endpoint = u } }

// WithRegionEndpoints maps region names to endpoints, e.g. "eu" to the EU
// data-residency host. Unknown regions use the default endpoint.
func WithRegionEndpoints(m map[string]string) Option { return func(p *Provider) { p.regions = m } }

// WithStreamOptions sets the transport timeouts, metrics and logger.
func WithStreamOptions(o wsstream.Options) Option { return func(p *Provider) { p.stream = o } }

// WithMetrics records dial and error counters on m.
func WithMetrics(m *observe.Metrics) Option { return func(p *Provider) { p.stream.Metrics = m } }

// Provider is a Deepgram client. It is also the wsstream protocol of its own
// streams.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
	regions    map[string]string
	stream     wsstream.Options
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ wsstream.Protocol = (*Provider)(nil)
)

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return "deepgram" }

// StartStream dials a new live transcription socket.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = p.sampleRate
	}
	if cfg.Language == "" {
		cfg.Language = p.language
	}
	return wsstream.Open(ctx, uuid.NewString()[:8], p, cfg, p.stream)
}

// Endpoint builds the listen URL. The wearer's name is the one proper noun
// known in advance, so it is boosted as a keyterm (nova-3) or keyword.
func (p *Provider) Endpoint(cfg stt.StreamConfig) (string, http.Header, error) {
	base := p.endpoint
	if ep, ok := p.regions[cfg.Region]; ok {
		base = ep
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", nil, fmt.Errorf("deepgram: endpoint: %w", err)
	}

	q := u.Query()
	for k, v := range map[string]string{
		"model":           p.model,
		"language":        cmp.Or(cfg.Language, p.language),
		"encoding":        "linear16",
		"sample_rate":     strconv.Itoa(cmp.Or(cfg.SampleRate, p.sampleRate)),
		"channels":        "1",
		"punctuate":       "true",
		"smart_format":    "true",
		"interim_results": strconv.FormatBool(cfg.InterimResults),
	} {
		q.Set(k, v)
	}
	if cfg.Diarize {
		q.Set("diarize", "true")
	}
	if hint := cfg.ProfileUserHint; hint != "" {
		if strings.HasPrefix(p.model, "nova-3") {
			q.Add("keyterm", hint)
		} else {
			q.Add("keywords", hint+":2")
		}
	}
	u.RawQuery = q.Encode()

	h := http.Header{}
	h.Set("Authorization", "Token "+p.apiKey)
	return u.String(), h, nil
}

// Handshake does nothing; the URL carries the whole configuration.
func (p *Provider) Handshake(context.Context, *websocket.Conn, stt.StreamConfig) error { return nil }

func (p *Provider) FinalizeMessage() []byte { return []byte(`{"type":"Finalize"}`) }

func (p *Provider) CloseMessage() (websocket.MessageType, []byte) {
	return websocket.MessageText, []byte(`{"type":"CloseStream"}`)
}

func (p *Provider) NewDecoder() wsstream.Decoder {
	return &decoder{log: cmp.Or(p.stream.Logger, slog.Default())}
}

// message is the union of the server frames the adapter reads.
type message struct {
	Type string `json:"type"`

	// Error
	Description string `json:"description"`
	Message     string `json:"message"`

	// Metadata
	RequestID string `json:"request_id"`

	// Results
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []struct {
		Word           string  `json:"word"`
		PunctuatedWord string  `json:"punctuated_word"`
		Start          float64 `json:"start"`
		End            float64 `json:"end"`
		Confidence     float64 `json:"confidence"`
		Speaker        *int    `json:"speaker"`
	} `json:"words"`
}

// decoder turns server frames into transcripts. Unknown and malformed frames
// are skipped; an Error frame ends the stream.
type decoder struct {
	log       *slog.Logger
	requestID string
}

func (d *decoder) Decode(data []byte) ([]types.Transcript, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		d.log.Debug("deepgram: skipping undecodable frame", "err", err)
		return nil, nil
	}
	switch m.Type {
	case "Results":
		t, ok := m.transcript()
		if !ok {
			return nil, nil
		}
		return []types.Transcript{t}, nil
	case "Metadata":
		d.requestID = m.RequestID
		d.log.Debug("deepgram: stream metadata", "request_id", m.RequestID)
	case "Error":
		return nil, fmt.Errorf("deepgram: %w: %s (request %s)", stt.ErrTransport, cmp.Or(m.Description, m.Message), cmp.Or(d.requestID, "unknown"))
	}
	return nil, nil
}

func secs(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// transcript converts a Results frame. Interim and final results for the
// same stretch of audio share a start offset, which becomes the utterance
// ID. Interim frames with no text are dropped; an empty final is kept so
// the interim it closes can be retracted.
func (m message) transcript() (types.Transcript, bool) {
	var alt alternative
	if len(m.Channel.Alternatives) > 0 {
		alt = m.Channel.Alternatives[0]
	}
	if !m.IsFinal && strings.TrimSpace(alt.Transcript) == "" {
		return types.Transcript{}, false
	}

	t := types.Transcript{
		ID:         strconv.FormatInt(secs(m.Start).Milliseconds(), 10),
		Text:       strings.TrimSpace(alt.Transcript),
		IsFinal:    m.IsFinal,
		Confidence: alt.Confidence,
		Start:      secs(m.Start),
		End:        secs(m.Start + m.Duration),
		Words:      make([]types.WordDetail, 0, len(alt.Words)),
	}
	for _, w := range alt.Words {
		wd := types.WordDetail{
			Word:       cmp.Or(w.PunctuatedWord, w.Word),
			Start:      secs(w.Start),
			End:        secs(w.End),
			Confidence: w.Confidence,
		}
		if w.Speaker != nil {
			wd.Speaker = strconv.Itoa(*w.Speaker)
		}
		t.Words = append(t.Words, wd)
	}
	if len(t.Words) > 0 {
		t.SpeakerID = t.Words[0].Speaker
	}
	return t, true
}
