package realtime

import "errors"

// SessionState is the connection lifecycle state. Exactly one live session
// exists per client instance.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConfiguring  SessionState = "configuring"
	StateActive       SessionState = "active"
	StateClosing      SessionState = "closing"
)

var (
	// ErrAlreadyConnected rejects Connect on a live session.
	ErrAlreadyConnected = errors.New("realtime session already connected")
	// ErrNotConnected rejects sends while no session is active.
	ErrNotConnected = errors.New("realtime session not connected")
	// ErrConnectionTimeout is returned when the configuration ack does not
	// arrive within the handshake window. State is fully reset; there is
	// never a half-open session.
	ErrConnectionTimeout = errors.New("realtime handshake timed out")
	// ErrInvalidEndpoint rejects a malformed endpoint URL.
	ErrInvalidEndpoint = errors.New("invalid realtime endpoint")
	// ErrReconnectExhausted is surfaced after automatic reconnection gives
	// up; a fresh Connect is required.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Status is the engine snapshot served by the control API.
type Status struct {
	State             SessionState `json:"state"`
	SessionID         string       `json:"session_id,omitempty"`
	Detection         string       `json:"detection"`
	SpeechState       string       `json:"speech_state"`
	PendingAudioMS    float64      `json:"pending_audio_ms"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
	Speaking          bool         `json:"speaking"`
	NoiseFloorDB      float64      `json:"noise_floor_db"`
	LastError         string       `json:"last_error,omitempty"`
}
