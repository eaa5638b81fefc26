package session

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/pendant/internal/router"
	"github.com/MrWong99/pendant/pkg/audio"
)

// Open failures. The server maps them to the user-visible error reasons.
var (
	// ErrUnsupportedCodec rejects a codec, rate and channel tuple outside the
	// supported set.
	ErrUnsupportedCodec = errors.New("session: unsupported codec")

	// ErrAuth rejects a user handle that cannot be resolved.
	ErrAuth = errors.New("session: unknown user")

	// ErrOverload rejects a session when the server is at capacity.
	ErrOverload = errors.New("session: server at capacity")

	// ErrSTTFailed marks a terminal provider failure.
	ErrSTTFailed = errors.New("session: stt failed")
)

// Error reasons sent in {"event_type":"error","reason":...}.
const (
	ReasonSTTFailed = "stt_failed"
	ReasonAuth      = "auth"
	ReasonOverload  = "overload"
	ReasonCodec     = "codec"
)

// Reason maps an Open or Run error to the reason reported to the client, or
// "" when the error has no client-facing class.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedCodec), errors.Is(err, audio.ErrUnsupportedCodec):
		return ReasonCodec
	case errors.Is(err, ErrAuth):
		return ReasonAuth
	case errors.Is(err, ErrOverload):
		return ReasonOverload
	case errors.Is(err, ErrSTTFailed):
		return ReasonSTTFailed
	}
	return ""
}

// Params are the attributes a client opens a session with.
type Params struct {
	UID        string
	Language   string
	SampleRate int
	Codec      audio.Codec
	Channels   int

	IncludeSpeechProfile bool

	// NewConversationWatch enables lifecycle events on the downlink.
	NewConversationWatch bool

	// GranularTimings asks for per-word timings from the batch provider.
	GranularTimings bool
}

// RouterParams returns the attributes provider selection looks at.
func (p Params) RouterParams() router.Params {
	return router.Params{
		Language:        p.Language,
		Codec:           p.Codec,
		SampleRate:      p.SampleRate,
		GranularTimings: p.GranularTimings,
	}
}

// ParseParams reads session parameters from the listen URL query. The codec
// defaults from the sample rate when absent: pcm8 at 8 kHz, pcm16 at 16 kHz.
func ParseParams(q url.Values) (Params, error) {
	p := Params{
		UID:        strings.TrimSpace(q.Get("uid")),
		Language:   q.Get("language"),
		SampleRate: 16000,
		Codec:      audio.Codec(strings.ToLower(q.Get("codec"))),
		Channels:   1,
	}
	if p.Language == "" {
		p.Language = "en"
	}
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("%w: sample_rate %q", ErrUnsupportedCodec, v)
		}
		p.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("%w: channels %q", ErrUnsupportedCodec, v)
		}
		p.Channels = n
	}
	if p.Codec == "" {
		p.Codec = audio.CodecPCM16
		if p.SampleRate == 8000 {
			p.Codec = audio.CodecPCM8
		}
	}
	p.IncludeSpeechProfile = queryBool(q, "include_speech_profile", false)
	p.NewConversationWatch = queryBool(q, "new_conversation_watch", true)
	p.GranularTimings = queryBool(q, "granular_timings", false)

	if err := p.Validate(); err != nil {
		return p, err
	}
	if p.UID == "" {
		return p, fmt.Errorf("%w: uid is required", ErrAuth)
	}
	return p, nil
}

// Validate checks the codec tuple: (8000, pcm8), (16000, pcm16) or
// (16000, opus), with one or two channels.
func (p Params) Validate() error {
	if !audio.Supported(p.Codec, p.SampleRate) {
		return fmt.Errorf("%w: %s at %d Hz", ErrUnsupportedCodec, p.Codec, p.SampleRate)
	}
	if p.Channels < 1 || p.Channels > 2 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedCodec, p.Channels)
	}
	return nil
}

func queryBool(q url.Values, key string, def bool) bool {
	v := q.Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
