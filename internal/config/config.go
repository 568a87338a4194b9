package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice engine daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	RealtimeEndpoint   string
	RealtimeModel      string
	RealtimeVoice      string
	Instructions       string
	SampleRate         int
	TranscriptionModel string
	Temperature        float64
	MaxOutputTokens    int

	// TurnDetection selects turn boundary signalling: "server_vad" or "local".
	TurnDetection     string
	MinCommitDuration time.Duration
	DebounceInterval  time.Duration
	HandshakeTimeout  time.Duration
	MaxReconnects     int

	VADStaticFloorDB float64
	VADMarginDB      float64

	// AudioDriver picks the device layer: "null" runs the engine headless.
	AudioDriver        string
	PlaybackSampleRate int
	PlaybackChannels   int

	TTSProvider        string
	ElevenLabsAPIKey   string
	ElevenLabsTTSVoice string
	ElevenLabsTTSModel string
	ElevenLabsBaseURL  string

	// TokenURL enables backend-issued session tokens; empty means the
	// realtime API key is used directly.
	TokenURL       string
	AppSecret      string
	RealtimeAPIKey string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "solace"),
		ShutdownTimeout:  15 * time.Second,

		RealtimeEndpoint: envOrDefault("REALTIME_ENDPOINT", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:    envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:    envOrDefault("REALTIME_VOICE", "alloy"),
		Instructions:     envOrDefault("REALTIME_INSTRUCTIONS", ""),
		// 24kHz is the model's native PCM16 rate; 16kHz is accepted for
		// constrained capture paths.
		SampleRate:         24000,
		TranscriptionModel: envOrDefault("REALTIME_TRANSCRIPTION_MODEL", "whisper-1"),
		Temperature:        0.8,
		MaxOutputTokens:    0,

		TurnDetection:     envOrDefault("TURN_DETECTION", "server_vad"),
		MinCommitDuration: 100 * time.Millisecond,
		DebounceInterval:  350 * time.Millisecond,
		HandshakeTimeout:  10 * time.Second,
		MaxReconnects:     3,

		VADStaticFloorDB: -55,
		VADMarginDB:      10,

		AudioDriver:        envOrDefault("AUDIO_DRIVER", "null"),
		PlaybackSampleRate: 48000,
		PlaybackChannels:   2,

		TTSProvider:        envOrDefault("TTS_PROVIDER", "auto"),
		ElevenLabsAPIKey:   stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsTTSVoice: envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsTTSModel: envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsBaseURL:  envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),

		TokenURL:       stringsTrimSpace("REALTIME_TOKEN_URL"),
		AppSecret:      stringsTrimSpace("APP_SECRET"),
		RealtimeAPIKey: stringsTrimSpace("REALTIME_API_KEY"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("REALTIME_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("REALTIME_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxOutputTokens, err = intFromEnv("REALTIME_MAX_OUTPUT_TOKENS", cfg.MaxOutputTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.MinCommitDuration, err = durationFromEnv("TURN_MIN_COMMIT_DURATION", cfg.MinCommitDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.DebounceInterval, err = durationFromEnv("TURN_DEBOUNCE_INTERVAL", cfg.DebounceInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HandshakeTimeout, err = durationFromEnv("REALTIME_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxReconnects, err = intFromEnv("REALTIME_MAX_RECONNECTS", cfg.MaxReconnects)
	if err != nil {
		return Config{}, err
	}
	cfg.VADStaticFloorDB, err = floatFromEnv("VAD_STATIC_FLOOR_DB", cfg.VADStaticFloorDB)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMarginDB, err = floatFromEnv("VAD_MARGIN_DB", cfg.VADMarginDB)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackSampleRate, err = intFromEnv("PLAYBACK_SAMPLE_RATE", cfg.PlaybackSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackChannels, err = intFromEnv("PLAYBACK_CHANNELS", cfg.PlaybackChannels)
	if err != nil {
		return Config{}, err
	}

	if cfg.SampleRate != 16000 && cfg.SampleRate != 24000 {
		return Config{}, fmt.Errorf("REALTIME_SAMPLE_RATE must be 16000 or 24000")
	}
	if cfg.TurnDetection != "server_vad" && cfg.TurnDetection != "local" {
		return Config{}, fmt.Errorf("TURN_DETECTION must be server_vad or local")
	}
	if cfg.MinCommitDuration <= 0 {
		return Config{}, fmt.Errorf("TURN_MIN_COMMIT_DURATION must be positive")
	}
	if cfg.DebounceInterval <= 0 {
		return Config{}, fmt.Errorf("TURN_DEBOUNCE_INTERVAL must be positive")
	}
	if cfg.HandshakeTimeout < time.Second {
		return Config{}, fmt.Errorf("REALTIME_HANDSHAKE_TIMEOUT must be at least 1s")
	}
	if cfg.MaxReconnects < 0 {
		return Config{}, fmt.Errorf("REALTIME_MAX_RECONNECTS must be >= 0")
	}
	if cfg.VADMarginDB <= 0 {
		return Config{}, fmt.Errorf("VAD_MARGIN_DB must be positive")
	}
	if cfg.PlaybackSampleRate <= 0 {
		return Config{}, fmt.Errorf("PLAYBACK_SAMPLE_RATE must be positive")
	}
	if cfg.PlaybackChannels != 1 && cfg.PlaybackChannels != 2 {
		return Config{}, fmt.Errorf("PLAYBACK_CHANNELS must be 1 or 2")
	}
	if cfg.TokenURL == "" && cfg.RealtimeAPIKey == "" {
		return Config{}, fmt.Errorf("one of REALTIME_TOKEN_URL or REALTIME_API_KEY is required")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
