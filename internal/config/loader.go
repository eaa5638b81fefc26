package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the STT provider implementations shipped with
// pendant. Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"soniox", "deepgram", "openai"}

// ValidVADEngines lists the VAD engines shipped with pendant.
var ValidVADEngines = []string{"webrtc", "energy"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// process environment, and validates the result. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBytes is [LoadFromReader] over an in-memory document.
func LoadBytes(b []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(b))
}

// ApplyEnv overrides fields from environment variables looked up through
// lookup. Malformed numbers are reported together.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	setInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q: %w", key, v, err))
			return
		}
		*dst = n
	}
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("VAD_SPEECH_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: VAD_SPEECH_THRESHOLD=%q: %w", v, err))
		} else {
			c.VAD.SpeechThreshold = &f
		}
	}
	setInt("VAD_TRIGGER_LEVEL", &c.VAD.TriggerLevel)
	setInt("VAD_HANGOVER_MS", &c.VAD.HangoverMS)
	setString("STT_PROVIDER_A_KEY", &c.Providers.A.APIKey)
	setString("STT_PROVIDER_B_KEY", &c.Providers.B.APIKey)
	setString("STT_PROVIDER_C_KEY", &c.Providers.C.APIKey)
	setInt("SESSION_SOFT_DEADLINE_S", &c.Session.SoftDeadlineS)
	setInt("IDLE_FINALIZE_S", &c.Session.IdleFinalizeS)
	setInt("HEARTBEAT_S", &c.Session.HeartbeatS)
	setString("DATABASE_URL", &c.Storage.DSN)
	setString("NATS_URL", &c.Postprocess.NATSURL)
	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	switch cfg.Server.LogFormat {
	case "", LogFormatText, LogFormatJSON:
	default:
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}

	// Session
	for _, f := range []struct {
		name string
		v    int
	}{
		{"session.soft_deadline_s", cfg.Session.SoftDeadlineS},
		{"session.heartbeat_s", cfg.Session.HeartbeatS},
		{"session.idle_finalize_s", cfg.Session.IdleFinalizeS},
		{"session.queue_frames", cfg.Session.QueueFrames},
		{"session.connect_timeout_ms", cfg.Session.ConnectTimeoutMS},
		{"session.send_timeout_ms", cfg.Session.SendTimeoutMS},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.v))
		}
	}

	// VAD
	if !slices.Contains(ValidVADEngines, cfg.VAD.Engine) {
		errs = append(errs, fmt.Errorf("vad.engine %q is invalid; valid values: %v", cfg.VAD.Engine, ValidVADEngines))
	}
	if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0, 3]", cfg.VAD.Aggressiveness))
	}
	if err := cfg.VAD.Gate().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}

	// Providers
	if !cfg.Providers.A.Configured() && !cfg.Providers.B.Configured() {
		errs = append(errs, errors.New("providers: at least one of providers.a and providers.b must be configured"))
	}
	for slot, e := range map[string]ProviderEntry{"a": cfg.Providers.A, "b": cfg.Providers.B, "c": cfg.Providers.C} {
		if !e.Configured() {
			continue
		}
		validateProviderName(slot, e.Name)
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("providers.%s.api_key is required for %q", slot, e.Name))
		}
		if e.Region != "" && e.Regions != nil {
			if _, ok := e.Regions[e.Region]; !ok {
				errs = append(errs, fmt.Errorf("providers.%s.region %q has no entry in providers.%s.regions", slot, e.Region, slot))
			}
		}
	}

	// Storage
	switch cfg.Storage.Driver {
	case StoragePostgres, StorageSQLite:
		if cfg.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", cfg.Storage.Driver))
		}
	case StorageMemory, "":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: postgres, sqlite, memory", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == StorageMemory && cfg.Postprocess.NATSURL != "" {
		slog.Warn("storage.driver is memory; conversations handed to post-processing are not durable")
	}

	// Auth
	seen := make(map[string]int, len(cfg.Auth.Users))
	for i, u := range cfg.Auth.Users {
		prefix := fmt.Sprintf("auth.users[%d]", i)
		if u.UID == "" {
			errs = append(errs, fmt.Errorf("%s.uid is required", prefix))
			continue
		}
		if prev, ok := seen[u.UID]; ok {
			errs = append(errs, fmt.Errorf("%s.uid %q is a duplicate of auth.users[%d]", prefix, u.UID, prev))
		}
		seen[u.UID] = i
	}
	if !cfg.Auth.AllowAny && len(cfg.Auth.Users) == 0 && cfg.Storage.Driver == StorageMemory {
		slog.Warn("auth.allow_any is false and no users are configured; every session will be rejected")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not a shipped provider.
func validateProviderName(slot, name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"slot", slot,
		"name", name,
		"known", ValidProviderNames,
	)
}
