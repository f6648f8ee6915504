package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voxloop service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	// Text generation collaborator.
	GenerationMode    string // auto | http | mock
	GenerationURL     string
	GenerationTimeout time.Duration

	// Speech synthesis collaborator.
	SynthMode       string // auto | elevenlabs | mock
	SynthAPIKey     string
	SynthWSBaseURL  string
	SynthVoiceID    string
	SynthModelID    string
	SynthSampleRate int

	// Session engine tuning.
	SupersedeGrace   time.Duration
	SentenceQueueCap int
	BargeInMinRunes  int
	FirstAudioSLO    time.Duration

	// Playback scheduler tuning (used by the probe client).
	JitterMinChunks int
	JitterMaxWait   time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voxloop"),
		AllowAnyOrigin:   false,

		GenerationMode: envOrDefault("GENERATION_MODE", "auto"),
		GenerationURL:  envString("GENERATION_URL"),

		SynthMode:       envOrDefault("SYNTH_MODE", "auto"),
		SynthAPIKey:     envString("SYNTH_API_KEY"),
		SynthWSBaseURL:  envOrDefault("SYNTH_WS_BASE_URL", "wss://api.elevenlabs.io"),
		SynthVoiceID:    envOrDefault("SYNTH_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		SynthModelID:    envOrDefault("SYNTH_MODEL_ID", "eleven_flash_v2_5"),
		SynthSampleRate: 16000,

		DatabaseURL: envString("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		GenerationTimeout:        20 * time.Second,
		SupersedeGrace:           150 * time.Millisecond,
		SentenceQueueCap:         64,
		BargeInMinRunes:          6,
		FirstAudioSLO:            700 * time.Millisecond,
		JitterMinChunks:          3,
		JitterMaxWait:            250 * time.Millisecond,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.GenerationTimeout, err = durationFromEnv("GENERATION_TIMEOUT", cfg.GenerationTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SupersedeGrace, err = durationFromEnv("SESSION_SUPERSEDE_GRACE", cfg.SupersedeGrace); err != nil {
		return Config{}, err
	}
	if cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO); err != nil {
		return Config{}, err
	}
	if cfg.JitterMaxWait, err = durationFromEnv("PLAYBACK_JITTER_MAX_WAIT", cfg.JitterMaxWait); err != nil {
		return Config{}, err
	}
	if cfg.SentenceQueueCap, err = intFromEnv("SESSION_SENTENCE_QUEUE_CAP", cfg.SentenceQueueCap); err != nil {
		return Config{}, err
	}
	if cfg.BargeInMinRunes, err = intFromEnv("BARGE_IN_MIN_RUNES", cfg.BargeInMinRunes); err != nil {
		return Config{}, err
	}
	if cfg.SynthSampleRate, err = intFromEnv("SYNTH_SAMPLE_RATE", cfg.SynthSampleRate); err != nil {
		return Config{}, err
	}
	if cfg.JitterMinChunks, err = intFromEnv("PLAYBACK_JITTER_MIN_CHUNKS", cfg.JitterMinChunks); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SupersedeGrace < 0 || cfg.SupersedeGrace > 2*time.Second {
		return Config{}, fmt.Errorf("SESSION_SUPERSEDE_GRACE must be within [0, 2s]")
	}
	if cfg.SentenceQueueCap <= 0 {
		return Config{}, fmt.Errorf("SESSION_SENTENCE_QUEUE_CAP must be positive")
	}
	if cfg.BargeInMinRunes <= 0 {
		return Config{}, fmt.Errorf("BARGE_IN_MIN_RUNES must be positive")
	}
	if cfg.SynthSampleRate <= 0 {
		return Config{}, fmt.Errorf("SYNTH_SAMPLE_RATE must be positive")
	}
	if cfg.JitterMinChunks <= 0 {
		return Config{}, fmt.Errorf("PLAYBACK_JITTER_MIN_CHUNKS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envString(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envString(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envString(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
