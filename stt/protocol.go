package stt

import (
	"encoding/json"
	"fmt"
)

const (
	OpStart = "start"
	OpAudio = "audio"
	OpStop  = "stop"
)

type EventType string

const (
	EventReady   EventType = "ready"
	EventPartial EventType = "partial"
	EventFinal   EventType = "final"
	EventError   EventType = "error"
)

// ClientMessage is every frame the client sends; Op selects which fields
// are meaningful.
type ClientMessage struct {
	Op         string `json:"op"`
	SessionID  string `json:"session_id,omitempty"`
	Provider   string `json:"provider,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Format     string `json:"format,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Data       string `json:"data,omitempty"`
}

// ServerMessage is every frame the service sends.
type ServerMessage struct {
	Type    EventType `json:"type"`
	Text    string    `json:"text,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Event is a decoded ServerMessage, or a transport failure reported as an
// error event with Err set.
type Event struct {
	Type    EventType
	Text    string
	Message string
	Err     error
}

func (e Event) String() string {
	switch e.Type {
	case EventPartial, EventFinal:
		return fmt.Sprintf("%s(%q)", e.Type, e.Text)
	case EventError:
		return fmt.Sprintf("error(%q)", e.Message)
	}
	return string(e.Type)
}

func decodeEvent(data []byte) (Event, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("malformed message: %w", err)
	}
	switch msg.Type {
	case EventReady, EventPartial, EventFinal, EventError:
	default:
		return Event{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return Event{Type: msg.Type, Text: msg.Text, Message: msg.Message}, nil
}
