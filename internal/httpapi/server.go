package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/solhealth/solace/internal/audio"
	"github.com/solhealth/solace/internal/auth"
	"github.com/solhealth/solace/internal/config"
	"github.com/solhealth/solace/internal/observability"
	"github.com/solhealth/solace/internal/realtime"
	"github.com/solhealth/solace/internal/transcript"
	"github.com/solhealth/solace/internal/tts"
	"github.com/solhealth/solace/internal/turn"
)

// Engine is the slice of the realtime client the control API drives.
type Engine interface {
	Connect(ctx context.Context) error
	Disconnect()
	CommitNow() error
	Status() realtime.Status
}

// Server exposes the operational control surface for the voice engine.
type Server struct {
	cfg     config.Config
	engine  Engine
	sink    transcript.Sink
	metrics *observability.Metrics
	voice   tts.Backend
}

func New(cfg config.Config, engine Engine, sink transcript.Sink, metrics *observability.Metrics, voice tts.Backend) *Server {
	return &Server{
		cfg:     cfg,
		engine:  engine,
		sink:    sink,
		metrics: metrics,
		voice:   voice,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/voice/status", s.handleStatus)
	r.Post("/v1/voice/connect", s.handleConnect)
	r.Post("/v1/voice/disconnect", s.handleDisconnect)
	r.Post("/v1/voice/commit", s.handleCommit)
	r.Get("/v1/voice/perf", s.handlePerf)
	r.Post("/v1/voice/tts/preview", s.handlePreviewTTS)
	r.Get("/v1/transcript/recent", s.handleRecentTranscript)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"state":  s.engine.Status().State,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HandshakeTimeout+5*time.Second)
	defer cancel()

	if err := s.engine.Connect(ctx); err != nil {
		switch {
		case errors.Is(err, realtime.ErrAlreadyConnected):
			respondError(w, http.StatusConflict, "already_connected", err.Error())
		case errors.Is(err, realtime.ErrConnectionTimeout):
			respondError(w, http.StatusGatewayTimeout, "handshake_timeout", err.Error())
		case errors.Is(err, auth.ErrPremiumRequired):
			respondError(w, http.StatusPaymentRequired, "premium_required", err.Error())
		case errors.Is(err, auth.ErrUnauthorized):
			respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		default:
			respondError(w, http.StatusBadGateway, "connect_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.engine.Disconnect()
	respondJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleCommit(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.CommitNow(); err != nil {
		switch {
		case errors.Is(err, realtime.ErrNotConnected):
			respondError(w, http.StatusConflict, "not_connected", err.Error())
		case errors.Is(err, turn.ErrTooLittleAudio):
			respondError(w, http.StatusUnprocessableEntity, "too_little_audio", err.Error())
		default:
			respondError(w, http.StatusBadGateway, "commit_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handlePerf(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

func (s *Server) handleRecentTranscript(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be 1-500")
			return
		}
		limit = n
	}
	records, err := s.sink.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []transcript.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handlePreviewTTS voices a short text through the configured synthesis
// backend and returns a playable WAV clip. Operational check for the
// voice path without a live session.
func (s *Server) handlePreviewTTS(w http.ResponseWriter, r *http.Request) {
	if s.voice == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "no synthesis backend configured")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}
	if len(text) > 500 {
		respondError(w, http.StatusBadRequest, "text_too_long", "text must be at most 500 characters")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()
	pcm, err := s.voice.Synthesize(ctx, text)
	if err != nil {
		respondError(w, http.StatusBadGateway, "synthesis_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	if err := audio.WriteWAVPCM16LETo(w, pcm, s.voice.SampleRate()); err != nil {
		log.Printf("httpapi: write preview wav: %v", err)
	}
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
