package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies realtime channel payload variants.
type EventType string

// Client-originated events.
const (
	TypeSessionUpdate    EventType = "session.update"
	TypeInputAudioAppend EventType = "input_audio_buffer.append"
	TypeInputAudioCommit EventType = "input_audio_buffer.commit"
	TypeResponseCreate   EventType = "response.create"
)

// Server-originated events.
const (
	TypeSessionCreated      EventType = "session.created"
	TypeSessionUpdated      EventType = "session.updated"
	TypeSpeechStarted       EventType = "input_audio_buffer.speech_started"
	TypeSpeechStopped       EventType = "input_audio_buffer.speech_stopped"
	TypeInputTranscriptDone EventType = "conversation.item.input_audio_transcription.completed"
	TypeResponseAudioDelta  EventType = "response.audio.delta"
	TypeResponseAudioDone   EventType = "response.audio.done"
	TypeResponseTextDelta   EventType = "response.audio_transcript.delta"
	TypeResponseTextDone    EventType = "response.audio_transcript.done"
	TypeResponseDone        EventType = "response.done"
	TypeErrorEvent          EventType = "error"
)

// ErrUnsupportedType marks an event whose type the client does not know.
// Callers log and skip these; unknown types are never fatal.
var ErrUnsupportedType = errors.New("unsupported event type")

type Envelope struct {
	Type EventType `json:"type"`
}

// TurnDetection configures server-side speech boundary detection.
type TurnDetection struct {
	Type string `json:"type"`
}

// InputTranscription selects the model used for user-speech transcription.
type InputTranscription struct {
	Model string `json:"model"`
}

// SessionConfig is the payload of a session.update event.
type SessionConfig struct {
	Modalities         []string            `json:"modalities"`
	Instructions       string              `json:"instructions,omitempty"`
	Voice              string              `json:"voice,omitempty"`
	InputAudioFormat   string              `json:"input_audio_format"`
	OutputAudioFormat  string              `json:"output_audio_format"`
	InputTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection      *TurnDetection      `json:"turn_detection,omitempty"`
	Temperature        float64             `json:"temperature,omitempty"`
	MaxOutputTokens    int                 `json:"max_response_output_tokens,omitempty"`
}

type SessionUpdate struct {
	Type    EventType     `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

type InputAudioAppend struct {
	Type  EventType `json:"type"`
	Audio string    `json:"audio"`
}

type InputAudioCommit struct {
	Type EventType `json:"type"`
}

type ResponseCreate struct {
	Type     EventType       `json:"type"`
	Response *ResponseConfig `json:"response,omitempty"`
}

type ResponseConfig struct {
	Trigger string `json:"trigger,omitempty"`
}

type SessionAck struct {
	Type    EventType `json:"type"`
	EventID string    `json:"event_id,omitempty"`
}

type SpeechStarted struct {
	Type         EventType `json:"type"`
	AudioStartMS int64     `json:"audio_start_ms"`
	ItemID       string    `json:"item_id,omitempty"`
}

type SpeechStopped struct {
	Type       EventType `json:"type"`
	AudioEndMS int64     `json:"audio_end_ms"`
	ItemID     string    `json:"item_id,omitempty"`
}

type InputTranscriptDone struct {
	Type       EventType `json:"type"`
	ItemID     string    `json:"item_id,omitempty"`
	Transcript string    `json:"transcript"`
}

type ResponseAudioDelta struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id,omitempty"`
	Delta      string    `json:"delta"`
}

type ResponseAudioDone struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id,omitempty"`
}

type ResponseTextDelta struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id,omitempty"`
	Delta      string    `json:"delta"`
}

type ResponseTextDone struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id,omitempty"`
	Transcript string    `json:"transcript"`
}

type ResponseDone struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id,omitempty"`
}

type ErrorEvent struct {
	Type  EventType   `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ParseServerEvent decodes one inbound frame into its typed event.
// Unknown discriminators return ErrUnsupportedType so the read loop can
// log and keep going.
func ParseServerEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionCreated, TypeSessionUpdated:
		var ev SessionAck
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeSpeechStarted:
		var ev SpeechStarted
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeSpeechStopped:
		var ev SpeechStopped
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeInputTranscriptDone:
		var ev InputTranscriptDone
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeResponseAudioDelta:
		var ev ResponseAudioDelta
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		if ev.Delta == "" {
			return nil, errors.New("invalid response.audio.delta")
		}
		return ev, nil
	case TypeResponseAudioDone:
		var ev ResponseAudioDone
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeResponseTextDelta:
		var ev ResponseTextDelta
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeResponseTextDone:
		var ev ResponseTextDone
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeResponseDone:
		var ev ResponseDone
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeErrorEvent:
		var ev ErrorEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, ErrUnsupportedType
	}
}
