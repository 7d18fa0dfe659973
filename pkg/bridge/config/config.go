package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vango-go/vai-bridge/pkg/bridge/audio"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/flow"
	"github.com/vango-go/vai-bridge/pkg/bridge/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/bridge/redact"
)

// AudioProfile picks the upstream audio encoding and the pacing strategy that
// suits it.
type AudioProfile string

const (
	ProfileLinear16 AudioProfile = "linear16"
	ProfileMulaw    AudioProfile = "mulaw"
)

type Profile struct {
	Upstream audio.Format
	Pacer    flow.Strategy
}

var profiles = map[AudioProfile]Profile{
	ProfileLinear16: {
		Upstream: audio.Format{Encoding: audio.EncodingLinear16, SampleRate: 16000, Channels: 1},
		Pacer:    flow.StrategyPerFrame,
	},
	ProfileMulaw: {
		Upstream: audio.Telephony,
		Pacer:    flow.StrategyBatched,
	},
}

func ProfileFor(name AudioProfile) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("AUDIO_PROFILE must be one of linear16|mulaw, got %q", name)
	}
	return p, nil
}

type Config struct {
	Addr string

	// Both may hold a Secret Manager path until resolved at startup.
	GenesysAPIKey       string
	GenesysClientSecret string
	SignatureMaxSkew    time.Duration

	// Empty means Application Default Credentials.
	AuthTokenSecretPath string
	TokenCacheTTL       time.Duration

	LogLevel          string
	LogUnredactedData bool
	DebugWebSockets   bool

	CESBaseURL           string
	CESVariablesSeparate bool
	CESHandshakeTimeout  time.Duration

	AudioProfile       AudioProfile
	PacerStrategy      flow.Strategy
	PacerMinInterval   time.Duration
	PacerMaxChunkBytes int

	MaxMessageBytes    int64
	WSWriteTimeout     time.Duration
	InboundMaxAudioBPS int64

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("SIGNATURE_MAX_SKEW", 5*time.Minute)
	v.SetDefault("TOKEN_CACHE_TTL", 5*time.Minute)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEBUG_WEBSOCKETS", "false")
	v.SetDefault("CES_WS_BASE_URL", protocol.DefaultCESBaseURL)
	v.SetDefault("CES_VARIABLES_SEPARATE", false)
	v.SetDefault("CES_HANDSHAKE_TIMEOUT", 10*time.Second)
	v.SetDefault("AUDIO_PROFILE", string(ProfileLinear16))
	v.SetDefault("PACER_MIN_INTERVAL", flow.DefaultMinInterval)
	v.SetDefault("PACER_MAX_CHUNK_BYTES", flow.DefaultMaxChunkBytes)
	v.SetDefault("MAX_MESSAGE_BYTES", 4<<20)
	v.SetDefault("WS_WRITE_TIMEOUT", 5*time.Second)
	v.SetDefault("INBOUND_MAX_AUDIO_BPS", 0)
	v.SetDefault("READ_HEADER_TIMEOUT", 10*time.Second)
	v.SetDefault("SHUTDOWN_GRACE_PERIOD", 30*time.Second)
}

// LoadFromEnv reads the configuration from the process environment.
func LoadFromEnv() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	return Load(v)
}

// Load reads the configuration from v, applying defaults first.
func Load(v *viper.Viper) (Config, error) {
	setDefaults(v)

	port := strings.TrimSpace(v.GetString("PORT"))
	addr := port
	if !strings.Contains(port, ":") {
		addr = ":" + port
	}

	cfg := Config{
		Addr:                 addr,
		GenesysAPIKey:        strings.TrimSpace(v.GetString("GENESYS_API_KEY")),
		GenesysClientSecret:  strings.TrimSpace(v.GetString("GENESYS_CLIENT_SECRET")),
		SignatureMaxSkew:     v.GetDuration("SIGNATURE_MAX_SKEW"),
		AuthTokenSecretPath:  strings.TrimSpace(v.GetString("AUTH_TOKEN_SECRET_PATH")),
		TokenCacheTTL:        v.GetDuration("TOKEN_CACHE_TTL"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		LogUnredactedData:    redact.Truthy(v.GetString("LOG_UNREDACTED_DATA")),
		DebugWebSockets:      strings.EqualFold(v.GetString("DEBUG_WEBSOCKETS"), "true"),
		CESBaseURL:           v.GetString("CES_WS_BASE_URL"),
		CESVariablesSeparate: v.GetBool("CES_VARIABLES_SEPARATE"),
		CESHandshakeTimeout:  v.GetDuration("CES_HANDSHAKE_TIMEOUT"),
		AudioProfile:         AudioProfile(strings.ToLower(strings.TrimSpace(v.GetString("AUDIO_PROFILE")))),
		PacerMinInterval:     v.GetDuration("PACER_MIN_INTERVAL"),
		PacerMaxChunkBytes:   v.GetInt("PACER_MAX_CHUNK_BYTES"),
		MaxMessageBytes:      v.GetInt64("MAX_MESSAGE_BYTES"),
		WSWriteTimeout:       v.GetDuration("WS_WRITE_TIMEOUT"),
		InboundMaxAudioBPS:   v.GetInt64("INBOUND_MAX_AUDIO_BPS"),
		ReadHeaderTimeout:    v.GetDuration("READ_HEADER_TIMEOUT"),
		ShutdownGracePeriod:  v.GetDuration("SHUTDOWN_GRACE_PERIOD"),
	}

	if port == "" || port == ":" {
		return Config{}, fmt.Errorf("PORT must not be empty")
	}
	if cfg.GenesysAPIKey == "" {
		return Config{}, fmt.Errorf("GENESYS_API_KEY must be set")
	}
	if cfg.GenesysClientSecret == "" {
		return Config{}, fmt.Errorf("GENESYS_CLIENT_SECRET must be set; it is required for signature verification")
	}
	if cfg.AuthTokenSecretPath != "" && !strings.HasPrefix(cfg.AuthTokenSecretPath, "projects/") {
		return Config{}, fmt.Errorf("AUTH_TOKEN_SECRET_PATH must start with projects/")
	}
	if !strings.HasPrefix(cfg.CESBaseURL, "ws://") && !strings.HasPrefix(cfg.CESBaseURL, "wss://") {
		return Config{}, fmt.Errorf("CES_WS_BASE_URL must be a ws:// or wss:// url")
	}

	profile, err := ProfileFor(cfg.AudioProfile)
	if err != nil {
		return Config{}, err
	}
	cfg.PacerStrategy = profile.Pacer
	if raw := strings.TrimSpace(v.GetString("PACER_STRATEGY")); raw != "" {
		s, err := flow.ParseStrategy(strings.ToLower(raw))
		if err != nil {
			return Config{}, fmt.Errorf("PACER_STRATEGY must be one of batched|per_frame")
		}
		cfg.PacerStrategy = s
	}

	if cfg.PacerMinInterval <= 0 {
		return Config{}, fmt.Errorf("PACER_MIN_INTERVAL must be > 0")
	}
	if cfg.PacerMaxChunkBytes <= 0 {
		return Config{}, fmt.Errorf("PACER_MAX_CHUNK_BYTES must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.CESHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CES_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.InboundMaxAudioBPS < 0 {
		return Config{}, fmt.Errorf("INBOUND_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.TokenCacheTTL <= 0 {
		return Config{}, fmt.Errorf("TOKEN_CACHE_TTL must be > 0")
	}
	if cfg.SignatureMaxSkew <= 0 {
		return Config{}, fmt.Errorf("SIGNATURE_MAX_SKEW must be > 0")
	}
	if cfg.ShutdownGracePeriod < 0 {
		return Config{}, fmt.Errorf("SHUTDOWN_GRACE_PERIOD must be >= 0")
	}
	return cfg, nil
}

// Profile returns the resolved audio profile. Load has already validated it.
func (c Config) Profile() Profile {
	p, _ := ProfileFor(c.AudioProfile)
	return p
}

// PacerConfig is the pacer setup for every bridge.
func (c Config) PacerConfig() flow.PacerConfig {
	return flow.PacerConfig{
		Strategy:      c.PacerStrategy,
		MinInterval:   c.PacerMinInterval,
		MaxChunkBytes: c.PacerMaxChunkBytes,
	}
}
