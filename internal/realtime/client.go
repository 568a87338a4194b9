package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/solhealth/solace/internal/audio"
	"github.com/solhealth/solace/internal/auth"
	"github.com/solhealth/solace/internal/hardware"
	"github.com/solhealth/solace/internal/observability"
	"github.com/solhealth/solace/internal/protocol"
	"github.com/solhealth/solace/internal/reliability"
	"github.com/solhealth/solace/internal/synthesis"
	"github.com/solhealth/solace/internal/transcript"
	"github.com/solhealth/solace/internal/turn"
	"github.com/solhealth/solace/internal/vad"
)

// Conn is the subset of a websocket connection the client uses. Tests
// substitute an in-process fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the realtime websocket.
type Dialer func(ctx context.Context, urlStr string, header http.Header) (Conn, error)

func gorillaDialer(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime endpoint: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}
	return conn, nil
}

// Config tunes the realtime session.
type Config struct {
	EndpointURL        string
	Model              string
	Voice              string
	Instructions       string
	SampleRate         int
	TranscriptionModel string
	// Detection selects turn boundary signalling: turn.DetectionServerVAD
	// or turn.DetectionLocal.
	Detection         string
	Temperature       float64
	MaxOutputTokens   int
	MinCommitDuration time.Duration
	DebounceInterval  time.Duration
	HandshakeTimeout  time.Duration
	MaxReconnects     int
	ReconnectBase     time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 3
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
}

// Hooks deliver finalized conversation artifacts to the embedding app.
// All hooks are optional and called outside client locks.
type Hooks struct {
	OnUserTranscript    func(text string)
	OnAssistantResponse func(text string)
	OnTerminalError     func(err error)
}

// Capture is the slice of the capture engine the client drives.
type Capture interface {
	Start() error
	Stop()
}

// Player is the slice of the playback engine the client tears down on
// disconnect.
type Player interface {
	Speaking() bool
	Stop()
}

// Deps are the collaborators a client is wired with.
type Deps struct {
	Auth     auth.Provider
	Arbiter  *synthesis.Arbiter
	Player   Player
	Detector *vad.Detector
	Capture  Capture
	Hardware *hardware.Manager
	Sink     transcript.Sink
	Metrics  *observability.Metrics
	Hooks    Hooks
	// Dial is optional; defaults to a gorilla websocket dialer.
	Dial Dialer
}

// Client owns the duplex realtime session: it dials the endpoint,
// configures the session, streams capture audio up and routes model events
// into the turn coordinator, the synthesis arbiter and the transcript
// sink. It reconnects on unexpected closure with exponential backoff, up
// to a bounded number of attempts.
type Client struct {
	cfg         Config
	deps        Deps
	coordinator *turn.Coordinator

	writeMu sync.Mutex

	mu                sync.Mutex
	state             SessionState
	sessionID         string
	conn              Conn
	configured        chan struct{}
	shouldReconnect   bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
	lastErr           error
	hwHeld            bool
	localActive       bool
	commitAt          time.Time
	firstAudioSeen    bool
	speechStopAt      time.Time
}

func NewClient(cfg Config, deps Deps) (*Client, error) {
	cfg.applyDefaults()
	if err := validateEndpoint(cfg.EndpointURL); err != nil {
		return nil, err
	}
	if deps.Dial == nil {
		deps.Dial = gorillaDialer
	}
	c := &Client{
		cfg:   cfg,
		deps:  deps,
		state: StateDisconnected,
	}
	c.coordinator = turn.NewCoordinator(turn.Config{
		MinCommitDuration: cfg.MinCommitDuration,
		DebounceInterval:  cfg.DebounceInterval,
		Detection:         cfg.Detection,
	}, c, deps.Arbiter)
	if deps.Metrics != nil {
		c.coordinator.SetEventHook(func(event string) {
			deps.Metrics.TurnEvents.WithLabelValues(event).Inc()
			if event == "commit_rejected_short" || event == "stop_ignored_short" {
				deps.Metrics.PendingAudioDropped.Inc()
			}
		})
	}
	return c, nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
	}
	return nil
}

// Coordinator exposes the turn coordinator for callers that need direct
// turn signals, such as a push-to-talk surface.
func (c *Client) Coordinator() *turn.Coordinator { return c.coordinator }

// SetCapture attaches the capture engine. Separate from construction
// because the engine's chunk callback points back at the client. Must be
// called before Connect.
func (c *Client) SetCapture(capture Capture) {
	c.deps.Capture = capture
}

// Connect establishes a fresh session. It blocks until the endpoint
// acknowledges the session configuration or the handshake window elapses;
// on any failure all state is rolled back to disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	token, err := c.deps.Auth.Token(ctx)
	if err != nil {
		c.connectFailed(nil, false)
		return fmt.Errorf("fetch realtime token: %w", err)
	}

	if err := c.deps.Hardware.Acquire(hardware.UseCaseRealtimeDuplex); err != nil {
		c.connectFailed(nil, false)
		return fmt.Errorf("configure audio hardware: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, err := c.deps.Dial(ctx, c.sessionURL(), header)
	if err != nil {
		c.connectFailed(nil, true)
		return err
	}

	configured := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.state = StateConfiguring
	c.configured = configured
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.sendEvent(c.sessionUpdateEvent()); err != nil {
		c.connectFailed(conn, true)
		return fmt.Errorf("configure session: %w", err)
	}

	select {
	case <-configured:
	case <-time.After(c.cfg.HandshakeTimeout):
		c.connectFailed(conn, true)
		return ErrConnectionTimeout
	case <-ctx.Done():
		c.connectFailed(conn, true)
		return ctx.Err()
	}

	c.mu.Lock()
	if c.state != StateConfiguring || c.conn != conn {
		// Disconnect intervened while we waited for the ack.
		c.mu.Unlock()
		c.connectFailed(conn, true)
		return fmt.Errorf("session closed during handshake: %w", ErrNotConnected)
	}
	c.state = StateActive
	c.sessionID = uuid.NewString()
	c.hwHeld = true
	c.shouldReconnect = true
	c.reconnectAttempts = 0
	c.lastErr = nil
	c.localActive = false
	c.commitAt = time.Time{}
	c.speechStopAt = time.Time{}
	sessionID := c.sessionID
	c.mu.Unlock()

	// A fresh session never inherits turn state, VAD calibration, queued
	// synthesis or buffered fallback audio. A terminal connection loss
	// leaves the arbiter untouched, so this also covers connect-after-
	// reconnect-exhaustion without an intervening Disconnect.
	c.coordinator.Reset()
	c.deps.Detector.Reset()
	c.deps.Arbiter.Reset()
	if c.deps.Player != nil {
		c.deps.Player.Stop()
	}

	if c.deps.Capture != nil {
		if err := c.deps.Capture.Start(); err != nil {
			// Capture failure degrades input only; the session stays up.
			log.Printf("realtime: capture start failed: %v", err)
		}
	}

	if c.deps.Metrics != nil {
		c.deps.Metrics.ConnectionUp.Set(1)
		c.deps.Metrics.SessionEvents.WithLabelValues("connected").Inc()
	}
	log.Printf("realtime: session %s active (%s, %dHz, detection=%s)",
		sessionID, c.cfg.Model, c.cfg.SampleRate, c.coordinator.Detection())
	return nil
}

// connectFailed rolls back a partial connect. Nothing half-open survives.
func (c *Client) connectFailed(conn Conn, releaseHW bool) {
	if conn != nil {
		_ = conn.Close()
	}
	c.mu.Lock()
	if conn != nil && c.conn == conn {
		c.conn = nil
	}
	c.state = StateDisconnected
	c.configured = nil
	c.mu.Unlock()
	if releaseHW {
		if err := c.deps.Hardware.Release(hardware.UseCaseRealtimeDuplex); err != nil {
			log.Printf("realtime: hardware release: %v", err)
		}
	}
}

// Disconnect tears the session down. Idempotent; a pending reconnect is
// cancelled and all per-session state is cleared.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.state = StateClosing
	c.shouldReconnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	if c.configured != nil {
		// Wake a Connect blocked on the handshake; its re-check under
		// the lock sees the closed state and rolls back.
		close(c.configured)
		c.configured = nil
	}
	hwHeld := c.hwHeld
	c.hwHeld = false
	c.reconnectAttempts = 0
	c.lastErr = nil
	c.localActive = false
	c.sessionID = ""
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if c.deps.Capture != nil {
		c.deps.Capture.Stop()
	}
	c.deps.Arbiter.Reset()
	if c.deps.Player != nil {
		c.deps.Player.Stop()
	}
	c.coordinator.Reset()
	c.deps.Detector.Reset()
	if hwHeld {
		if err := c.deps.Hardware.Release(hardware.UseCaseRealtimeDuplex); err != nil {
			log.Printf("realtime: hardware release: %v", err)
		}
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.ConnectionUp.Set(0)
		c.deps.Metrics.SessionEvents.WithLabelValues("disconnected").Inc()
		c.deps.Metrics.ResetStages()
	}
}

func (c *Client) sessionURL() string {
	u, _ := url.Parse(c.cfg.EndpointURL)
	q := u.Query()
	if c.cfg.Model != "" {
		q.Set("model", c.cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) sessionUpdateEvent() protocol.SessionUpdate {
	format := "pcm16"
	cfg := protocol.SessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      c.cfg.Instructions,
		Voice:             c.cfg.Voice,
		InputAudioFormat:  format,
		OutputAudioFormat: format,
		Temperature:       c.cfg.Temperature,
		MaxOutputTokens:   c.cfg.MaxOutputTokens,
	}
	if c.cfg.TranscriptionModel != "" {
		cfg.InputTranscription = &protocol.InputTranscription{Model: c.cfg.TranscriptionModel}
	}
	if c.coordinator.Detection() == turn.DetectionServerVAD {
		cfg.TurnDetection = &protocol.TurnDetection{Type: "server_vad"}
	}
	return protocol.SessionUpdate{
		Type:    protocol.TypeSessionUpdate,
		EventID: uuid.NewString(),
		Session: cfg,
	}
}

// State returns the current session state.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status snapshots the engine for the control API.
func (c *Client) Status() Status {
	c.mu.Lock()
	st := Status{
		State:             c.state,
		SessionID:         c.sessionID,
		ReconnectAttempts: c.reconnectAttempts,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	st.Detection = c.coordinator.Detection()
	st.SpeechState = string(c.coordinator.State())
	st.PendingAudioMS = c.coordinator.PendingMS()
	st.NoiseFloorDB = c.deps.Detector.NoiseFloorDB()
	if c.deps.Player != nil {
		st.Speaking = c.deps.Player.Speaking()
	}
	return st
}

// CommitNow forces an immediate commit of the pending audio buffer.
func (c *Client) CommitNow() error {
	if c.State() != StateActive {
		return ErrNotConnected
	}
	return c.coordinator.CommitNow()
}

// WaitUntilIdle blocks until the assistant has finished speaking and the
// synthesis queue has drained.
func (c *Client) WaitUntilIdle(ctx context.Context) error {
	return c.deps.Arbiter.WaitUntilIdle(ctx)
}

// HandleCaptureChunk scores one converted capture buffer and streams it
// up. Low-confidence chunks are still appended: dropping audio here would
// clip the start of quiet utterances, so the detector only informs
// diagnostics and local turn taking.
func (c *Client) HandleCaptureChunk(chunk audio.Chunk) {
	res := c.deps.Detector.Process(chunk.EnergyDB, c.coordinator.UserSpeaking())

	if c.coordinator.Detection() == turn.DetectionLocal {
		c.mu.Lock()
		changed := res.ContinuousSpeech != c.localActive
		c.localActive = res.ContinuousSpeech
		c.mu.Unlock()
		if changed {
			if c.deps.Metrics != nil {
				event := "local_speech_stopped"
				if res.ContinuousSpeech {
					event = "local_speech_started"
				}
				c.deps.Metrics.VADEvents.WithLabelValues(event).Inc()
			}
			c.coordinator.HandleLocalSpeech(res.ContinuousSpeech)
		}
	}

	if err := c.AppendAudio(chunk); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Printf("realtime: append audio: %v", err)
	}
}

// HandleCaptureError reacts to a capture pipeline failure. The session
// itself stays up; only the input path is dead.
func (c *Client) HandleCaptureError(err error) {
	log.Printf("realtime: capture pipeline failed: %v", err)
	if c.deps.Metrics != nil {
		c.deps.Metrics.SessionEvents.WithLabelValues("capture_error").Inc()
	}
}

// AppendAudio streams one capture chunk and grows the uncommitted ledger.
func (c *Client) AppendAudio(chunk audio.Chunk) error {
	if c.State() != StateActive {
		return ErrNotConnected
	}
	ev := protocol.InputAudioAppend{
		Type:  protocol.TypeInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(chunk.PCM),
	}
	if err := c.sendEvent(ev); err != nil {
		return err
	}
	c.coordinator.AddPendingAudio(chunk.DurationMS)
	return nil
}

// CommitInput sends input_audio_buffer.commit. Part of turn.Transport.
func (c *Client) CommitInput() error {
	c.mu.Lock()
	c.commitAt = time.Now()
	c.firstAudioSeen = false
	stopAt := c.speechStopAt
	c.speechStopAt = time.Time{}
	c.mu.Unlock()

	if err := c.sendEvent(protocol.InputAudioCommit{Type: protocol.TypeInputAudioCommit}); err != nil {
		return err
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.CommitsSent.Inc()
		if !stopAt.IsZero() {
			c.deps.Metrics.ObserveTurnStage("speech_stop_to_commit", time.Since(stopAt))
		}
	}
	return nil
}

// CreateResponse requests a model response for the committed audio.
// Part of turn.Transport.
func (c *Client) CreateResponse(trigger string) error {
	ev := protocol.ResponseCreate{Type: protocol.TypeResponseCreate}
	if trigger != "" {
		ev.Response = &protocol.ResponseConfig{Trigger: trigger}
	}
	return c.sendEvent(ev)
}

func (c *Client) sendEvent(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %T: %w", v, err)
	}
	return nil
}

func (c *Client) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		ev, perr := protocol.ParseServerEvent(data)
		if perr != nil {
			if errors.Is(perr, protocol.ErrUnsupportedType) {
				log.Printf("realtime: ignoring unknown event: %s", previewJSON(data))
			} else {
				log.Printf("realtime: bad event: %v", perr)
			}
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev any) {
	switch ev := ev.(type) {
	case protocol.SessionAck:
		c.mu.Lock()
		if c.configured != nil {
			close(c.configured)
			c.configured = nil
		}
		c.mu.Unlock()

	case protocol.SpeechStarted:
		if c.deps.Metrics != nil {
			c.deps.Metrics.VADEvents.WithLabelValues("server_speech_started").Inc()
		}
		c.coordinator.HandleServerSpeechStarted()

	case protocol.SpeechStopped:
		c.mu.Lock()
		c.speechStopAt = time.Now()
		c.mu.Unlock()
		if c.deps.Metrics != nil {
			c.deps.Metrics.VADEvents.WithLabelValues("server_speech_stopped").Inc()
		}
		c.coordinator.HandleServerSpeechStopped()

	case protocol.InputTranscriptDone:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			return
		}
		c.saveTranscript("user", text)
		if c.deps.Hooks.OnUserTranscript != nil {
			c.deps.Hooks.OnUserTranscript(text)
		}

	case protocol.ResponseAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			log.Printf("realtime: bad audio delta: %v", err)
			return
		}
		c.deps.Arbiter.AppendRawAudio(turnIDFor(ev.ResponseID), pcm)
		c.observeFirstAudio()

	case protocol.ResponseAudioDone:

	case protocol.ResponseTextDelta:
		// Partial transcripts are not voiced; synthesis waits for the
		// finalized turn text.

	case protocol.ResponseTextDone:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			return
		}
		c.saveTranscript("assistant", text)
		if c.deps.Hooks.OnAssistantResponse != nil {
			c.deps.Hooks.OnAssistantResponse(text)
		}
		c.deps.Arbiter.Enqueue(synthesis.Item{
			TurnID: turnIDFor(ev.ResponseID),
			Text:   text,
			OnFailure: func(err error) {
				if c.deps.Metrics != nil {
					c.deps.Metrics.ProviderErrors.WithLabelValues("tts", errorLabel(err)).Inc()
				}
			},
		})

	case protocol.ResponseDone:
		c.mu.Lock()
		commitAt := c.commitAt
		c.mu.Unlock()
		if c.deps.Metrics != nil && !commitAt.IsZero() {
			c.deps.Metrics.ObserveTurnStage("commit_to_response_done", time.Since(commitAt))
		}
		c.coordinator.HandleResponseDone()

	case protocol.ErrorEvent:
		log.Printf("realtime: endpoint error %s: %s", ev.Error.Code, ev.Error.Message)
		if !reliability.IsRetryableRealtimeErrorCode(ev.Error.Code) {
			// Transient endpoint errors stay in the log; anything else
			// is worth surfacing on the status endpoint.
			c.mu.Lock()
			c.lastErr = fmt.Errorf("endpoint error %s: %s", ev.Error.Code, ev.Error.Message)
			c.mu.Unlock()
		}
		if c.deps.Metrics != nil {
			code := ev.Error.Code
			if code == "" {
				code = "unknown"
			}
			c.deps.Metrics.ProviderErrors.WithLabelValues("realtime", code).Inc()
		}
	}
}

func (c *Client) observeFirstAudio() {
	c.mu.Lock()
	first := !c.firstAudioSeen && !c.commitAt.IsZero()
	commitAt := c.commitAt
	c.firstAudioSeen = true
	c.mu.Unlock()
	if first && c.deps.Metrics != nil {
		d := time.Since(commitAt)
		c.deps.Metrics.ObserveFirstAudioLatency(d)
		c.deps.Metrics.ObserveTurnStage("commit_to_first_audio", d)
	}
}

func (c *Client) saveTranscript(role, text string) {
	if c.deps.Sink == nil {
		return
	}
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Sink.Save(ctx, transcript.Record{
		SessionID: sessionID,
		Role:      role,
		Text:      text,
	}); err != nil {
		log.Printf("realtime: save transcript: %v", err)
	}
}

// connectionLost handles an unexpected closure of the given conn. A conn
// superseded by Disconnect or a newer session is ignored.
func (c *Client) connectionLost(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if c.state != StateActive {
		// Dropped mid-handshake; Connect's error path owns the rollback.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.configured = nil
	c.lastErr = cause
	hwHeld := c.hwHeld
	c.hwHeld = false

	var delay time.Duration
	retry := false
	terminal := false
	if c.shouldReconnect {
		if c.reconnectAttempts < c.cfg.MaxReconnects {
			delay = reliability.ExponentialBackoff(c.reconnectAttempts, c.cfg.ReconnectBase, 30*time.Second)
			c.reconnectAttempts++
			retry = true
		} else {
			c.shouldReconnect = false
			c.lastErr = fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)
			terminal = true
		}
	}
	lastErr := c.lastErr
	attempts := c.reconnectAttempts
	c.mu.Unlock()

	log.Printf("realtime: connection lost: %v", cause)
	if c.deps.Metrics != nil {
		c.deps.Metrics.ConnectionUp.Set(0)
		c.deps.Metrics.SessionEvents.WithLabelValues("connection_lost").Inc()
	}

	// The transport is gone; a half-accumulated turn cannot complete.
	c.coordinator.Reset()
	if c.deps.Capture != nil {
		c.deps.Capture.Stop()
	}
	if hwHeld {
		if err := c.deps.Hardware.Release(hardware.UseCaseRealtimeDuplex); err != nil {
			log.Printf("realtime: hardware release: %v", err)
		}
	}

	if retry {
		c.scheduleReconnect(delay, attempts)
	} else if terminal {
		c.terminalFailure(lastErr)
	}
}

func (c *Client) scheduleReconnect(delay time.Duration, attempt int) {
	log.Printf("realtime: reconnect attempt %d/%d in %s", attempt, c.cfg.MaxReconnects, delay)
	if c.deps.Metrics != nil {
		c.deps.Metrics.Reconnects.Inc()
	}
	c.mu.Lock()
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()
}

func (c *Client) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout+5*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	if err == nil {
		log.Printf("realtime: reconnected")
		return
	}
	if errors.Is(err, ErrAlreadyConnected) {
		return
	}

	c.mu.Lock()
	if !c.shouldReconnect {
		c.mu.Unlock()
		return
	}
	if c.reconnectAttempts >= c.cfg.MaxReconnects {
		c.shouldReconnect = false
		c.lastErr = fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		lastErr := c.lastErr
		c.mu.Unlock()
		c.terminalFailure(lastErr)
		return
	}
	delay := reliability.ExponentialBackoff(c.reconnectAttempts, c.cfg.ReconnectBase, 30*time.Second)
	c.reconnectAttempts++
	attempts := c.reconnectAttempts
	c.mu.Unlock()

	log.Printf("realtime: reconnect failed: %v", err)
	c.scheduleReconnect(delay, attempts)
}

func (c *Client) terminalFailure(err error) {
	log.Printf("realtime: giving up: %v", err)
	if c.deps.Metrics != nil {
		c.deps.Metrics.SessionEvents.WithLabelValues("reconnect_exhausted").Inc()
	}
	if c.deps.Hooks.OnTerminalError != nil {
		c.deps.Hooks.OnTerminalError(err)
	}
}

func turnIDFor(responseID string) string {
	if responseID == "" {
		return "current"
	}
	return responseID
}

func errorLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func previewJSON(data []byte) string {
	const max = 120
	s := string(data)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
