package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/solhealth/solace/internal/audio"
	"github.com/solhealth/solace/internal/auth"
	"github.com/solhealth/solace/internal/config"
	"github.com/solhealth/solace/internal/hardware"
	"github.com/solhealth/solace/internal/httpapi"
	"github.com/solhealth/solace/internal/observability"
	"github.com/solhealth/solace/internal/playback"
	"github.com/solhealth/solace/internal/realtime"
	"github.com/solhealth/solace/internal/synthesis"
	"github.com/solhealth/solace/internal/transcript"
	"github.com/solhealth/solace/internal/tts"
	"github.com/solhealth/solace/internal/vad"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Client  *realtime.Client
	Arbiter *synthesis.Arbiter
	Metrics *observability.Metrics
	Sink    transcript.Sink

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	sink, err := transcript.NewSink(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	provider := resolveAuthProvider(cfg)
	backend := resolveTTSBackend(cfg)

	hw := hardware.NewManager(hardware.NullDevice{})

	player := playback.NewEngine(&playback.NullOutput{}, playback.Format{
		SampleRate: cfg.PlaybackSampleRate,
		Channels:   cfg.PlaybackChannels,
	})

	arbiter := synthesis.NewArbiter(backend, player, cfg.SampleRate)
	arbiter.SetFallbackHook(func() {
		metrics.SynthesisFallbacks.Inc()
	})

	detector := vad.NewDetector(vad.Config{
		StaticFloorDB: cfg.VADStaticFloorDB,
		MarginDB:      cfg.VADMarginDB,
	})

	client, err := realtime.NewClient(realtime.Config{
		EndpointURL:        cfg.RealtimeEndpoint,
		Model:              cfg.RealtimeModel,
		Voice:              cfg.RealtimeVoice,
		Instructions:       cfg.Instructions,
		SampleRate:         cfg.SampleRate,
		TranscriptionModel: cfg.TranscriptionModel,
		Detection:          cfg.TurnDetection,
		Temperature:        cfg.Temperature,
		MaxOutputTokens:    cfg.MaxOutputTokens,
		MinCommitDuration:  cfg.MinCommitDuration,
		DebounceInterval:   cfg.DebounceInterval,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		MaxReconnects:      cfg.MaxReconnects,
	}, realtime.Deps{
		Auth:     provider,
		Arbiter:  arbiter,
		Player:   player,
		Detector: detector,
		Hardware: hw,
		Sink:     sink,
		Metrics:  metrics,
	})
	if err != nil {
		arbiter.Close()
		_ = sink.Close()
		return nil, fmt.Errorf("realtime client init failed: %w", err)
	}

	capture := audio.NewCaptureEngine(
		resolveSource(cfg),
		cfg.SampleRate,
		client.HandleCaptureChunk,
		client.HandleCaptureError,
	)
	client.SetCapture(capture)

	api := httpapi.New(cfg, client, sink, metrics, backend)

	cleanup := func() error {
		var errs []string
		client.Disconnect()
		arbiter.Close()
		if err := sink.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Client:  client,
		Arbiter: arbiter,
		Metrics: metrics,
		Sink:    sink,
		Cleanup: cleanup,
	}, nil
}

// resolveAuthProvider prefers backend-issued tokens; direct API keys are
// the development path.
func resolveAuthProvider(cfg config.Config) auth.Provider {
	if cfg.TokenURL != "" {
		log.Printf("auth: backend token provider (%s)", cfg.TokenURL)
		return auth.NewHTTPProvider(cfg.TokenURL, cfg.AppSecret)
	}
	log.Printf("auth: static api key")
	return auth.StaticProvider{Value: cfg.RealtimeAPIKey}
}

func resolveTTSBackend(cfg config.Config) tts.Backend {
	provider := strings.ToLower(strings.TrimSpace(cfg.TTSProvider))
	if provider == "mock" || (provider == "auto" && cfg.ElevenLabsAPIKey == "") {
		log.Printf("tts: mock backend")
		return tts.NewMockBackend()
	}
	log.Printf("tts: elevenlabs voice=%s model=%s", cfg.ElevenLabsTTSVoice, cfg.ElevenLabsTTSModel)
	return tts.NewElevenLabsBackend(tts.ElevenLabsConfig{
		APIKey:  cfg.ElevenLabsAPIKey,
		BaseURL: cfg.ElevenLabsBaseURL,
		VoiceID: cfg.ElevenLabsTTSVoice,
		ModelID: cfg.ElevenLabsTTSModel,
	})
}

// resolveSource picks the input device. The null driver emits silence so
// the engine can run headless in development and CI.
func resolveSource(cfg config.Config) audio.Source {
	switch strings.ToLower(strings.TrimSpace(cfg.AudioDriver)) {
	case "", "null", "silence":
		return &audio.SilenceSource{SampleRate: cfg.SampleRate}
	default:
		log.Printf("audio: unknown driver %q, using null source", cfg.AudioDriver)
		return &audio.SilenceSource{SampleRate: cfg.SampleRate}
	}
}
