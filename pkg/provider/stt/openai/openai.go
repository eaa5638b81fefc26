// Package openai provides a batch STT provider backed by the OpenAI audio
// transcription API with word-level timestamps.
//
// The API has no streaming socket, so a session buffers gated audio and
// posts one request per utterance when the caller finalizes. Requests are
// issued in order by a single worker, which keeps the event stream ordered.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/provider/vad/energy"
	"github.com/MrWong99/pendant/pkg/types"
)

const (
	bitsPerSample = 16

	defaultRequestTimeout = 30 * time.Second
	defaultMaxUtterance   = 60 * time.Second

	// silenceRMS is the level below which a buffered utterance is not worth
	// a request. Whisper-family models hallucinate text on pure silence.
	silenceRMS = 120.0
)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithModel sets the transcription model. Word timestamps require a model
// that supports the verbose_json response format.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithRequestTimeout bounds each transcription request.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithMaxUtterance forces a request once this much audio is buffered without
// a finalize.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) { p.maxUtterance = d }
}

// WithMetrics records request and error counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// WithLogger sets the logger used by sessions.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider implements stt.Provider on top of the OpenAI transcription API.
type Provider struct {
	client       oai.Client
	apiKey       string
	baseURL      string
	model        string
	timeout      time.Duration
	maxUtterance time.Duration
	metrics      *observe.Metrics
	log          *slog.Logger
}

var _ stt.Provider = (*Provider)(nil)

// New constructs a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        string(oai.AudioModelWhisper1),
		timeout:      defaultRequestTimeout,
		maxUtterance: defaultMaxUtterance,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: p.timeout}),
		option.WithMaxRetries(1),
	}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "openai" }

// StartStream implements stt.Provider. No connection is made until the first
// utterance is finalized.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		p:      p,
		cfg:    cfg,
		ctx:    sctx,
		cancel: cancel,
		log:    p.log.With("provider", "openai"),
		jobs:   make(chan job, 16),
		events: make(chan types.Transcript, 64),
		done:   make(chan struct{}),
	}
	go s.work()
	return s, nil
}

// job is one utterance waiting for transcription.
type job struct {
	seq    int
	offset time.Duration
	pcm    []byte
}

type session struct {
	p      *Provider
	cfg    stt.StreamConfig
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu     sync.Mutex
	buf    []byte
	start  time.Duration // provider clock at the start of buf
	clock  time.Duration
	seq    int
	closed bool

	jobs   chan job
	events chan types.Transcript
	done   chan struct{}

	errMu sync.Mutex
	err   error
	once  sync.Once
}

// SendAudio buffers chunk for the current utterance.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	if err := s.Err(); err != nil {
		return err
	}
	if len(s.buf) == 0 {
		s.start = s.clock
	}
	s.buf = append(s.buf, chunk...)
	s.clock += s.cfg.AudioDuration(len(chunk))
	if s.cfg.AudioDuration(len(s.buf)) >= s.p.maxUtterance {
		s.flushLocked()
	}
	return nil
}

// Finalize queues the buffered utterance for transcription.
func (s *session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.flushLocked()
	return s.Err()
}

func (s *session) flushLocked() {
	if len(s.buf) == 0 {
		return
	}
	j := job{seq: s.seq, offset: s.start, pcm: s.buf}
	s.seq++
	s.buf = nil
	if energy.RMS(j.pcm) < silenceRMS {
		return
	}
	select {
	case s.jobs <- j:
	case <-s.ctx.Done():
	}
}

func (s *session) Events() <-chan types.Transcript { return s.events }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close transcribes whatever is still buffered, waits for queued requests and
// closes the event stream.
func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.flushLocked()
		s.closed = true
		close(s.jobs)
		s.mu.Unlock()
		<-s.done
		s.cancel()
	})
	return nil
}

func (s *session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
		s.log.Error("openai: terminal transcription error", "err", err)
	}
	s.errMu.Unlock()
	s.cancel()
}

// work runs queued utterances one at a time so results keep their order.
func (s *session) work() {
	defer close(s.done)
	defer close(s.events)
	for j := range s.jobs {
		if s.ctx.Err() != nil {
			return
		}
		t, err := s.transcribe(j)
		if err != nil {
			if stt.IsTerminal(err) {
				s.fail(err)
				return
			}
			s.log.Warn("openai: utterance dropped", "seq", j.seq, "err", err)
			continue
		}
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		select {
		case s.events <- t:
		case <-s.ctx.Done():
		}
	}
}

// verboseTranscription is the subset of the verbose_json response we read.
type verboseTranscription struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Words    []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

func (s *session) transcribe(j job) (types.Transcript, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.p.timeout)
	defer cancel()

	params := oai.AudioTranscriptionNewParams{
		File:                   oai.File(bytes.NewReader(encodeWAV(j.pcm, s.cfg.SampleRate, 1)), "audio.wav", "audio/wav"),
		Model:                  oai.AudioModel(s.p.model),
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"word"},
	}
	if lang := primaryLanguage(s.cfg.Language); lang != "" {
		params.Language = oai.String(lang)
	}
	if s.cfg.ProfileUserHint != "" {
		params.Prompt = oai.String(s.cfg.ProfileUserHint)
	}

	res, err := s.p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		s.record("error")
		return types.Transcript{}, classify(err)
	}
	s.record("ok")

	var v verboseTranscription
	if err := json.Unmarshal([]byte(res.RawJSON()), &v); err != nil || v.Text == "" {
		v.Text = res.Text
	}

	t := types.Transcript{
		ID:         strconv.Itoa(j.seq),
		Text:       strings.TrimSpace(v.Text),
		IsFinal:    true,
		Confidence: 1,
		Start:      j.offset,
		End:        j.offset + s.cfg.AudioDuration(len(j.pcm)),
	}
	for _, w := range v.Words {
		t.Words = append(t.Words, types.WordDetail{
			Word:       strings.TrimSpace(w.Word),
			Start:      j.offset + seconds(w.Start),
			End:        j.offset + seconds(w.End),
			Confidence: 1,
		})
	}
	if n := len(t.Words); n > 0 {
		t.Start = t.Words[0].Start
		t.End = t.Words[n-1].End
	}
	return t, nil
}

func (s *session) record(status string) {
	if s.p.metrics == nil {
		return
	}
	ctx := context.Background()
	s.p.metrics.RecordProviderRequest(ctx, "openai", "transcribe", status)
	if status != "ok" {
		s.p.metrics.RecordProviderError(ctx, "openai", "transcribe")
	}
}

// classify maps API failures onto the stt error classes.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("openai: %w: %w", stt.ErrAuth, err)
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			return fmt.Errorf("openai: %w: %w", stt.ErrRejected, err)
		}
	}
	return fmt.Errorf("openai: %w: %w", stt.ErrUnreachable, err)
}

func primaryLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a RIFF/WAV
// container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
