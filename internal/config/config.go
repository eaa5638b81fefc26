// Package config provides the configuration schema, loader, environment
// overrides, provider registry and hot-reload watcher for the pendant
// ingestion service.
package config

import (
	"time"

	"github.com/MrWong99/pendant/internal/gate"
)

// LogLevel controls log verbosity for the pendant server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StorageDriver selects the persistence backend.
type StorageDriver string

const (
	StoragePostgres StorageDriver = "postgres"
	StorageSQLite   StorageDriver = "sqlite"
	StorageMemory   StorageDriver = "memory"
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Session     SessionConfig     `yaml:"session"`
	VAD         VADConfig         `yaml:"vad"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Storage     StorageConfig     `yaml:"storage"`
	Postprocess PostprocessConfig `yaml:"postprocess"`
	Auth        AuthConfig        `yaml:"auth"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// MaxSessions caps concurrent streaming sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// ReadLimitBytes caps one uplink websocket message.
	ReadLimitBytes int64 `yaml:"read_limit_bytes"`

	// Workers sizes the process-wide decode/VAD worker pool. Defaults to
	// the number of CPUs.
	Workers int `yaml:"workers"`
}

// SessionConfig holds per-session timing. All values are integers in the
// unit their name carries.
type SessionConfig struct {
	SoftDeadlineS    int `yaml:"soft_deadline_s"`
	HeartbeatS       int `yaml:"heartbeat_s"`
	IdleFinalizeS    int `yaml:"idle_finalize_s"`
	QueueFrames      int `yaml:"queue_frames"`
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`
	SendTimeoutMS    int `yaml:"send_timeout_ms"`
	CloseGraceMS     int `yaml:"close_grace_ms"`
	ProfileMarginMS  int `yaml:"profile_margin_ms"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }

func (s SessionConfig) SoftDeadline() time.Duration   { return seconds(s.SoftDeadlineS) }
func (s SessionConfig) Heartbeat() time.Duration      { return seconds(s.HeartbeatS) }
func (s SessionConfig) IdleFinalize() time.Duration   { return seconds(s.IdleFinalizeS) }
func (s SessionConfig) ConnectTimeout() time.Duration { return millis(s.ConnectTimeoutMS) }
func (s SessionConfig) SendTimeout() time.Duration    { return millis(s.SendTimeoutMS) }
func (s SessionConfig) CloseGrace() time.Duration     { return millis(s.CloseGraceMS) }
func (s SessionConfig) ProfileMargin() time.Duration  { return millis(s.ProfileMarginMS) }

// VADConfig tunes the voice-activity gate. It is the only section applied
// on hot reload; running sessions keep the values they opened with.
type VADConfig struct {
	// Engine selects the VAD model: "webrtc" or "energy".
	Engine string `yaml:"engine"`

	// SpeechThreshold is a pointer so that an explicit 0 (forward
	// everything) survives ApplyDefaults.
	SpeechThreshold     *float64  `yaml:"speech_threshold"`
	TriggerLevel        int       `yaml:"trigger_level"`
	HangoverMS          int       `yaml:"hangover_ms"`
	KeepaliveIntervalMS int       `yaml:"keepalive_interval_ms"`
	FinalizeAfterMS     int       `yaml:"finalize_after_ms"`
	Mode                gate.Mode `yaml:"mode"`

	// Aggressiveness is the WebRTC VAD mode (0-3).
	Aggressiveness int `yaml:"aggressiveness"`
}

// Gate converts the section into a gate configuration.
func (v VADConfig) Gate() gate.Config {
	var threshold float64
	if v.SpeechThreshold != nil {
		threshold = *v.SpeechThreshold
	}
	return gate.Config{
		SpeechThreshold:   threshold,
		TriggerLevel:      v.TriggerLevel,
		Hangover:          millis(v.HangoverMS),
		KeepaliveInterval: millis(v.KeepaliveIntervalMS),
		FinalizeAfter:     millis(v.FinalizeAfterMS),
		Mode:              v.Mode,
	}
}

// ProvidersConfig holds the three STT provider slots. Slot a serves English
// Opus at 16 kHz, slot b everything else, slot c granular word timings.
type ProvidersConfig struct {
	A ProviderEntry `yaml:"a"`
	B ProviderEntry `yaml:"b"`
	C ProviderEntry `yaml:"c"`
}

// ProviderEntry is the configuration block of one STT provider. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "soniox", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-3").
	Model string `yaml:"model"`

	// Region is the default region; sessions may not override it.
	Region string `yaml:"region"`

	// Regions maps region names to endpoint URLs.
	Regions map[string]string `yaml:"regions"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// Configured reports whether the slot names a provider.
func (e ProviderEntry) Configured() bool { return e.Name != "" }

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver StorageDriver `yaml:"driver"`

	// DSN is the postgres connection string or the sqlite file path.
	DSN string `yaml:"dsn"`
}

// PostprocessConfig configures the post-processing collaborator. An empty
// NATSURL completes conversations locally without post-processing.
type PostprocessConfig struct {
	NATSURL       string `yaml:"nats_url"`
	Subject       string `yaml:"subject"`
	EventsSubject string `yaml:"events_subject"`
	TimeoutMS     int    `yaml:"timeout_ms"`
}

// Timeout returns the handoff timeout.
func (p PostprocessConfig) Timeout() time.Duration { return millis(p.TimeoutMS) }

// AuthConfig controls how the uid query parameter is resolved.
type AuthConfig struct {
	// AllowAny accepts any non-empty uid without a lookup.
	AllowAny bool `yaml:"allow_any"`

	// Users are registered in the store at start-up.
	Users []UserConfig `yaml:"users"`
}

// UserConfig seeds one known user.
type UserConfig struct {
	UID  string `yaml:"uid"`
	Name string `yaml:"name"`

	// SpeechProfile is the path of a 16-bit mono PCM WAV enrollment clip.
	SpeechProfile string `yaml:"speech_profile"`
}

// ApplyDefaults fills every zero value with its default.
func (c *Config) ApplyDefaults() {
	def := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = LogFormatText
	}
	if c.Server.ReadLimitBytes == 0 {
		c.Server.ReadLimitBytes = 1 << 20
	}

	def(&c.Session.SoftDeadlineS, 420)
	def(&c.Session.HeartbeatS, 30)
	def(&c.Session.IdleFinalizeS, 120)
	def(&c.Session.QueueFrames, 256)
	def(&c.Session.ConnectTimeoutMS, 5000)
	def(&c.Session.SendTimeoutMS, 2000)
	def(&c.Session.CloseGraceMS, 3000)
	def(&c.Session.ProfileMarginMS, 1000)

	if c.VAD.Engine == "" {
		c.VAD.Engine = "webrtc"
	}
	if c.VAD.SpeechThreshold == nil {
		v := 0.65
		c.VAD.SpeechThreshold = &v
	}
	def(&c.VAD.TriggerLevel, 1)
	def(&c.VAD.HangoverMS, 300)
	def(&c.VAD.KeepaliveIntervalMS, 8000)
	def(&c.VAD.FinalizeAfterMS, 1500)
	if c.VAD.Mode == "" {
		c.VAD.Mode = gate.ModeActive
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	if c.Postprocess.Subject == "" {
		c.Postprocess.Subject = "pendant.conversation.finalize"
	}
	def(&c.Postprocess.TimeoutMS, 30000)
}
