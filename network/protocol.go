package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/models"
)

const (
	// MaxFrameSize is the maximum accepted inbound frame size (1 MB).
	MaxFrameSize = 1 << 20
	// DefaultDialTimeout bounds the websocket handshake.
	DefaultDialTimeout = 10 * time.Second
	// DefaultPingInterval sends a websocket ping on this period.
	DefaultPingInterval = 25 * time.Second
	// DefaultWriteWait bounds each frame write.
	DefaultWriteWait = 10 * time.Second
)

const (
	EventJoin           = "join"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventMessageSent    = "messageSent"
	EventError          = "error"
)

var (
	// ErrInvalidEvent indicates a frame without an event name.
	ErrInvalidEvent = errors.New("network: invalid event")
)

// Envelope is one realtime frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessagePayload is the data of an outbound sendMessage event.
type SendMessagePayload struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

// ErrorPayload is the data of an inbound error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// EncodeEnvelope marshals one frame.
func EncodeEnvelope(event string, data any) ([]byte, error) {
	if strings.TrimSpace(event) == "" {
		return nil, ErrInvalidEvent
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	payload, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return payload, nil
}

// DecodeEnvelope unmarshals one frame.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(env.Event) == "" {
		return Envelope{}, ErrInvalidEvent
	}
	return env, nil
}

// Message decodes the data of a receiveMessage or messageSent event.
func (e Envelope) Message() (models.Message, error) {
	var msg models.Message
	if err := json.Unmarshal(e.Data, &msg); err != nil {
		return models.Message{}, fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return msg, nil
}

// ErrorMessage returns the human-readable text of an error event. Both the
// object form and a bare string are accepted.
func (e Envelope) ErrorMessage() string {
	var payload ErrorPayload
	if err := json.Unmarshal(e.Data, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	var text string
	if err := json.Unmarshal(e.Data, &text); err == nil && text != "" {
		return text
	}
	return "server reported an error"
}
