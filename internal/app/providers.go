package app

import (
	"log/slog"
	"time"

	"github.com/MrWong99/pendant/internal/config"
	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/provider/stt/deepgram"
	"github.com/MrWong99/pendant/pkg/provider/stt/openai"
	"github.com/MrWong99/pendant/pkg/provider/stt/soniox"
	"github.com/MrWong99/pendant/pkg/provider/stt/wsstream"
	"github.com/MrWong99/pendant/pkg/provider/vad"
	"github.com/MrWong99/pendant/pkg/provider/vad/energy"
	"github.com/MrWong99/pendant/pkg/provider/vad/webrtc"
)

// BuiltinProviders lists the provider names registered by
// [RegisterBuiltinProviders], by kind.
var BuiltinProviders = map[string][]string{
	"stt": {"soniox", "deepgram", "openai"},
	"vad": {"webrtc", "energy"},
}

// RegisterBuiltinProviders wires every provider implementation that ships
// with pendant into reg. Stream timeouts come from the session section.
func RegisterBuiltinProviders(reg *config.Registry, sess config.SessionConfig, m *observe.Metrics, log *slog.Logger) {
	stream := wsstream.Options{
		ConnectTimeout: sess.ConnectTimeout(),
		SendTimeout:    sess.SendTimeout(),
		CloseGrace:     sess.CloseGrace(),
		Metrics:        m,
		Logger:         log,
	}

	reg.RegisterSTT("soniox", func(e config.ProviderEntry, region string) (stt.Provider, error) {
		opts := []soniox.Option{soniox.WithStreamOptions(stream)}
		if e.Model != "" {
			opts = append(opts, soniox.WithModel(e.Model))
		}
		if ep := endpoint(e, region); ep != "" {
			opts = append(opts, soniox.WithEndpoint(ep))
		}
		if len(e.Regions) > 0 {
			opts = append(opts, soniox.WithRegionEndpoints(e.Regions))
		}
		return soniox.New(e.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry, region string) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithStreamOptions(stream)}
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ep := endpoint(e, region); ep != "" {
			opts = append(opts, deepgram.WithEndpoint(ep))
		}
		if len(e.Regions) > 0 {
			opts = append(opts, deepgram.WithRegionEndpoints(e.Regions))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterSTT("openai", func(e config.ProviderEntry, region string) (stt.Provider, error) {
		opts := []openai.Option{openai.WithMetrics(m), openai.WithLogger(log)}
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if ep := endpoint(e, region); ep != "" {
			opts = append(opts, openai.WithBaseURL(ep))
		}
		if ms := optInt(e.Options, "request_timeout_ms"); ms > 0 {
			opts = append(opts, openai.WithRequestTimeout(time.Duration(ms)*time.Millisecond))
		}
		if ms := optInt(e.Options, "max_utterance_ms"); ms > 0 {
			opts = append(opts, openai.WithMaxUtterance(time.Duration(ms)*time.Millisecond))
		}
		return openai.New(e.APIKey, opts...)
	})

	reg.RegisterVAD("webrtc", func(config.VADConfig) (vad.Engine, error) {
		return webrtc.New(), nil
	})

	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	for kind, names := range BuiltinProviders {
		for _, name := range names {
			log.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// endpoint resolves the base URL for region, falling back to the entry's
// BaseURL.
func endpoint(e config.ProviderEntry, region string) string {
	if ep, ok := e.Regions[region]; ok && region != "" {
		return ep
	}
	return e.BaseURL
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes small integers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
