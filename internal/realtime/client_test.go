package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/solhealth/solace/internal/audio"
	"github.com/solhealth/solace/internal/auth"
	"github.com/solhealth/solace/internal/hardware"
	"github.com/solhealth/solace/internal/protocol"
	"github.com/solhealth/solace/internal/synthesis"
	"github.com/solhealth/solace/internal/transcript"
	"github.com/solhealth/solace/internal/tts"
	"github.com/solhealth/solace/internal/turn"
	"github.com/solhealth/solace/internal/vad"
)

// fakeConn is an in-process stand-in for the realtime websocket. When
// autoAck is set it answers the session.update handshake immediately.
type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	writes  [][]byte
	closed  sync.Once
	autoAck bool
}

func newFakeConn(autoAck bool) *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), autoAck: autoAck}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("use of closed connection")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	autoAck := c.autoAck
	c.mu.Unlock()

	var env protocol.Envelope
	if autoAck && json.Unmarshal(data, &env) == nil && env.Type == protocol.TypeSessionUpdate {
		c.push(`{"type":"session.created"}`)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Do(func() { close(c.inbound) })
	return nil
}

func (c *fakeConn) push(raw string) {
	defer func() { _ = recover() }() // push after close is a no-op
	c.inbound <- []byte(raw)
}

func (c *fakeConn) writtenTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		var env protocol.Envelope
		_ = json.Unmarshal(w, &env)
		out = append(out, string(env.Type))
	}
	return out
}

// testPlayer satisfies both the synthesis and client player interfaces.
type testPlayer struct {
	mu    sync.Mutex
	plays int
	audio [][]byte
	stops int
}

func (p *testPlayer) Play(pcm []byte, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays++
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.audio = append(p.audio, cp)
	return nil
}
func (p *testPlayer) Speaking() bool                 { return false }
func (p *testPlayer) FadeOut(time.Duration)          {}
func (p *testPlayer) WaitIdle(context.Context) error { return nil }
func (p *testPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

type testBackend struct{}

func (testBackend) Synthesize(context.Context, string) ([]byte, error) {
	return make([]byte, 480), nil
}
func (testBackend) SampleRate() int { return 24000 }

type failingBackend struct{}

func (failingBackend) Synthesize(context.Context, string) ([]byte, error) {
	return nil, tts.ErrRateLimited
}
func (failingBackend) SampleRate() int { return 24000 }

type testCapture struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (c *testCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return nil
}

func (c *testCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

type clientFixture struct {
	client  *Client
	conns   []*fakeConn
	dials   int
	dialErr error
	capture *testCapture
	player  *testPlayer
	sink    *transcript.MemorySink
	mu      sync.Mutex

	userText      chan string
	assistantText chan string
	terminalErr   chan error
}

func (f *clientFixture) dial(_ context.Context, _ string, _ http.Header) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	conn := newFakeConn(true)
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *clientFixture) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *clientFixture) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func newClientFixture(t *testing.T, cfg Config) *clientFixture {
	t.Helper()
	return newClientFixtureBackend(t, cfg, testBackend{})
}

func newClientFixtureBackend(t *testing.T, cfg Config, backend tts.Backend) *clientFixture {
	t.Helper()
	f := &clientFixture{
		capture:       &testCapture{},
		player:        &testPlayer{},
		sink:          transcript.NewMemorySink(32),
		userText:      make(chan string, 8),
		assistantText: make(chan string, 8),
		terminalErr:   make(chan error, 1),
	}

	arbiter := synthesis.NewArbiter(backend, f.player, 24000)
	t.Cleanup(arbiter.Close)

	if cfg.EndpointURL == "" {
		cfg.EndpointURL = "wss://realtime.example/v1"
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = 20 * time.Millisecond
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = time.Millisecond
	}

	client, err := NewClient(cfg, Deps{
		Auth:     auth.StaticProvider{Value: "token"},
		Arbiter:  arbiter,
		Player:   f.player,
		Detector: vad.NewDetector(vad.Config{}),
		Capture:  f.capture,
		Hardware: hardware.NewManager(hardware.NullDevice{}),
		Sink:     f.sink,
		Hooks: Hooks{
			OnUserTranscript:    func(text string) { f.userText <- text },
			OnAssistantResponse: func(text string) { f.assistantText <- text },
			OnTerminalError:     func(err error) { f.terminalErr <- err },
		},
		Dial: f.dial,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	f.client = client
	t.Cleanup(client.Disconnect)
	return f
}

func waitCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func chunkOfMS(ms int) audio.Chunk {
	pcm := make([]byte, 24000*2*ms/1000)
	return audio.Chunk{PCM: pcm, SampleRate: 24000, DurationMS: float64(ms), EnergyDB: -30}
}

func TestNewClientRejectsInvalidEndpoint(t *testing.T) {
	_, err := NewClient(Config{EndpointURL: "http://not-a-ws"}, Deps{})
	if !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("NewClient() error = %v, want ErrInvalidEndpoint", err)
	}
}

func TestConnectHandshake(t *testing.T) {
	f := newClientFixture(t, Config{Model: "gpt-realtime", Voice: "alloy"})

	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := f.client.State(); got != StateActive {
		t.Fatalf("State() = %v, want active", got)
	}

	types := f.lastConn().writtenTypes()
	if len(types) == 0 || types[0] != string(protocol.TypeSessionUpdate) {
		t.Fatalf("first write = %v, want session.update", types)
	}

	var update protocol.SessionUpdate
	if err := json.Unmarshal(f.lastConn().writes[0], &update); err != nil {
		t.Fatalf("decode session.update: %v", err)
	}
	if update.Session.Voice != "alloy" || update.Session.InputAudioFormat != "pcm16" {
		t.Fatalf("session config = %+v, want voice alloy and pcm16", update.Session)
	}
	if update.Session.TurnDetection == nil || update.Session.TurnDetection.Type != "server_vad" {
		t.Fatalf("turn detection = %+v, want server_vad", update.Session.TurnDetection)
	}

	if f.capture.starts != 1 {
		t.Fatalf("capture starts = %d, want 1", f.capture.starts)
	}

	if err := f.client.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnectHandshakeTimeoutRollsBack(t *testing.T) {
	f := newClientFixture(t, Config{HandshakeTimeout: 50 * time.Millisecond})

	// The endpoint accepts the socket but never acknowledges.
	f.mu.Lock()
	f.dials = 0
	f.mu.Unlock()
	f.client.deps.Dial = func(_ context.Context, _ string, _ http.Header) (Conn, error) {
		conn := newFakeConn(false)
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		return conn, nil
	}

	err := f.client.Connect(context.Background())
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectionTimeout", err)
	}
	if got := f.client.State(); got != StateDisconnected {
		t.Fatalf("State() = %v after timeout, want disconnected", got)
	}

	// Nothing half-open: a fresh connect succeeds.
	f.client.deps.Dial = f.dial
	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after timeout error = %v", err)
	}
}

func TestTurnCycleEndToEnd(t *testing.T) {
	f := newClientFixture(t, Config{})
	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := f.lastConn()

	// Stream 200ms of captured audio.
	f.client.HandleCaptureChunk(chunkOfMS(100))
	f.client.HandleCaptureChunk(chunkOfMS(100))
	waitCond(t, func() bool {
		return f.client.Coordinator().PendingMS() == 200
	}, "pending ledger")

	conn.push(`{"type":"input_audio_buffer.speech_started","audio_start_ms":0}`)
	waitCond(t, func() bool {
		return f.client.Coordinator().State() == turn.StateUserSpeaking
	}, "user speaking")

	conn.push(`{"type":"input_audio_buffer.speech_stopped","audio_end_ms":200}`)

	// The debounced commit and response request go out in order.
	waitCond(t, func() bool {
		types := conn.writtenTypes()
		for i, typ := range types {
			if typ == string(protocol.TypeInputAudioCommit) {
				return i+1 < len(types) && types[i+1] == string(protocol.TypeResponseCreate)
			}
		}
		return false
	}, "commit and response.create")

	conn.push(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"how are you"}`)
	select {
	case text := <-f.userText:
		if text != "how are you" {
			t.Fatalf("user transcript = %q, want how are you", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for user transcript hook")
	}

	conn.push(`{"type":"response.audio.delta","response_id":"resp_1","delta":"AAAAAAAA"}`)
	conn.push(`{"type":"response.audio_transcript.done","response_id":"resp_1","transcript":"doing well"}`)
	select {
	case text := <-f.assistantText:
		if text != "doing well" {
			t.Fatalf("assistant transcript = %q, want doing well", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for assistant hook")
	}

	conn.push(`{"type":"response.done","response_id":"resp_1"}`)
	waitCond(t, func() bool {
		return f.client.Coordinator().State() == turn.StateIdle
	}, "turn cycle closed")

	// Synthesized assistant speech reached the player.
	waitCond(t, func() bool {
		f.player.mu.Lock()
		defer f.player.mu.Unlock()
		return f.player.plays >= 1
	}, "assistant playback")

	records, err := f.sink.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 2 || records[0].Role != "user" || records[1].Role != "assistant" {
		t.Fatalf("transcript records = %v, want user then assistant", records)
	}
}

func TestUnknownEventsAreIgnored(t *testing.T) {
	f := newClientFixture(t, Config{})
	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := f.lastConn()

	conn.push(`{"type":"conversation.item.created","item":{"id":"x"}}`)
	conn.push(`{"type":"rate_limits.updated"}`)

	// The session stays healthy.
	if err := f.client.AppendAudio(chunkOfMS(40)); err != nil {
		t.Fatalf("AppendAudio() after unknown events error = %v", err)
	}
	if got := f.client.State(); got != StateActive {
		t.Fatalf("State() = %v, want active", got)
	}
}

func TestDisconnectIsIdempotentAndResetsState(t *testing.T) {
	f := newClientFixture(t, Config{})
	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.client.HandleCaptureChunk(chunkOfMS(120))
	waitCond(t, func() bool {
		return f.client.Coordinator().PendingMS() > 0
	}, "pending audio")

	f.client.Disconnect()
	f.client.Disconnect()

	if got := f.client.State(); got != StateDisconnected {
		t.Fatalf("State() = %v, want disconnected", got)
	}
	if got := f.client.Coordinator().PendingMS(); got != 0 {
		t.Fatalf("PendingMS() = %v after disconnect, want 0", got)
	}
	if f.capture.stops == 0 {
		t.Fatalf("capture stops = 0, want stopped on disconnect")
	}
	if err := f.client.AppendAudio(chunkOfMS(20)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("AppendAudio() after disconnect error = %v, want ErrNotConnected", err)
	}

	// The session is reusable.
	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after disconnect error = %v", err)
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	f := newClientFixture(t, Config{MaxReconnects: 3})
	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Server drops the socket; the client redials and lands active again.
	f.lastConn().Close()

	waitCond(t, func() bool {
		return f.dialCount() >= 2 && f.client.State() == StateActive
	}, "reconnect")

	status := f.client.Status()
	if status.ReconnectAttempts != 0 {
		t.Fatalf("ReconnectAttempts = %d after successful reconnect, want 0", status.ReconnectAttempts)
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	f := newClientFixture(t, Config{MaxReconnects: 2})
	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Every redial fails from here on.
	f.mu.Lock()
	f.dialErr = errors.New("endpoint gone")
	f.mu.Unlock()

	f.lastConn().Close()

	var terminal error
	select {
	case terminal = <-f.terminalErr:
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for terminal error")
	}
	if !errors.Is(terminal, ErrReconnectExhausted) {
		t.Fatalf("terminal error = %v, want ErrReconnectExhausted", terminal)
	}

	// 1 initial dial + 2 failed retries, then no further attempts.
	dials := f.dialCount()
	time.Sleep(50 * time.Millisecond)
	if got := f.dialCount(); got != dials {
		t.Fatalf("dials kept growing after terminal error: %d -> %d", dials, got)
	}
	if f.client.State() != StateDisconnected {
		t.Fatalf("State() = %v after giving up, want disconnected", f.client.State())
	}
	status := f.client.Status()
	if status.LastError == "" {
		t.Fatalf("Status().LastError empty, want reconnect failure")
	}
}

func TestConnectAfterTerminalErrorDropsStaleFallbackAudio(t *testing.T) {
	f := newClientFixtureBackend(t, Config{MaxReconnects: 1}, failingBackend{})
	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := f.lastConn()

	// Session one buffers model audio whose transcript never arrives.
	conn.push(`{"type":"response.audio.delta","delta":"AQIDBA=="}`) // [1 2 3 4]

	// The endpoint dies and every redial fails.
	f.mu.Lock()
	f.dialErr = errors.New("endpoint gone")
	f.mu.Unlock()
	conn.Close()
	select {
	case <-f.terminalErr:
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for terminal error")
	}

	// A fresh session with no intervening Disconnect.
	f.mu.Lock()
	f.dialErr = nil
	f.mu.Unlock()
	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after terminal error = %v", err)
	}
	conn = f.lastConn()

	conn.push(`{"type":"response.audio.delta","delta":"BQY="}`) // [5 6]
	conn.push(`{"type":"response.audio_transcript.done","transcript":"still here"}`)

	// Synthesis fails, so the fallback replays the buffered raw audio —
	// which must be this session's bytes only.
	waitCond(t, func() bool {
		f.player.mu.Lock()
		defer f.player.mu.Unlock()
		return len(f.player.audio) >= 1
	}, "fallback playback")

	f.player.mu.Lock()
	played := f.player.audio[len(f.player.audio)-1]
	f.player.mu.Unlock()
	if len(played) != 2 || played[0] != 5 || played[1] != 6 {
		t.Fatalf("fallback audio = %v, want [5 6] only", played)
	}
}

func TestDisconnectDuringHandshakeAbortsConnect(t *testing.T) {
	f := newClientFixture(t, Config{})

	// The endpoint accepts the socket but never acknowledges.
	f.client.deps.Dial = func(_ context.Context, _ string, _ http.Header) (Conn, error) {
		conn := newFakeConn(false)
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		return conn, nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- f.client.Connect(context.Background()) }()

	waitCond(t, func() bool {
		return f.client.State() == StateConfiguring
	}, "handshake in flight")
	f.client.Disconnect()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("Connect() error = %v, want ErrNotConnected", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Connect() still blocked after Disconnect")
	}
	if got := f.client.State(); got != StateDisconnected {
		t.Fatalf("State() = %v, want disconnected", got)
	}

	// The client is reusable afterwards.
	f.client.deps.Dial = f.dial
	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after aborted handshake error = %v", err)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	f := newClientFixture(t, Config{MaxReconnects: 3, ReconnectBase: time.Hour})
	if err := f.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.lastConn().Close()

	waitCond(t, func() bool {
		return f.client.Status().ReconnectAttempts == 1
	}, "reconnect scheduled")

	f.client.Disconnect()
	dials := f.dialCount()
	time.Sleep(50 * time.Millisecond)
	if got := f.dialCount(); got != dials {
		t.Fatalf("reconnect fired after Disconnect: %d -> %d dials", dials, got)
	}
}
