package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one chat message as confirmed or pushed by the backend.
type Message struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"clientId,omitempty"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
}

// wireMessage accepts both the flat and the nested backend message shapes.
type wireMessage struct {
	MongoID    string          `json:"_id"`
	ID         string          `json:"id"`
	ClientID   string          `json:"clientId"`
	Sender     json.RawMessage `json:"sender"`
	Receiver   json.RawMessage `json:"receiver"`
	SenderID   string          `json:"senderId"`
	ReceiverID string          `json:"receiverId"`
	Content    string          `json:"content"`
	IsRead     bool            `json:"isRead"`
	CreatedAt  json.RawMessage `json:"createdAt"`
}

// UnmarshalJSON decodes a message from either `{"sender":"id"}` or
// `{"sender":{"_id":"id","email":...}}` payloads.
func (m *Message) UnmarshalJSON(raw []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	senderID, err := decodeUserRef(wire.Sender)
	if err != nil {
		return fmt.Errorf("decode message sender: %w", err)
	}
	receiverID, err := decodeUserRef(wire.Receiver)
	if err != nil {
		return fmt.Errorf("decode message receiver: %w", err)
	}
	if senderID == "" {
		senderID = wire.SenderID
	}
	if receiverID == "" {
		receiverID = wire.ReceiverID
	}

	createdAt, err := decodeTimestamp(wire.CreatedAt)
	if err != nil {
		return fmt.Errorf("decode message createdAt: %w", err)
	}

	id := wire.MongoID
	if id == "" {
		id = wire.ID
	}

	*m = Message{
		ID:         id,
		ClientID:   wire.ClientID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    wire.Content,
		IsRead:     wire.IsRead,
		CreatedAt:  createdAt,
	}
	return nil
}

// Summary returns the list-preview form of the message.
func (m Message) Summary() LatestMessageSummary {
	return LatestMessageSummary{
		SenderID:  m.SenderID,
		Content:   m.Content,
		IsRead:    m.IsRead,
		UpdatedAt: m.CreatedAt,
	}
}

// Counterpart returns the other party of the message relative to selfID.
func (m Message) Counterpart(selfID string) string {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether userID is the sender or the receiver.
func (m Message) Involves(userID string) bool {
	return userID != "" && (m.SenderID == userID || m.ReceiverID == userID)
}

func decodeUserRef(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", err
		}
		return id, nil
	}

	var ref struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", err
	}
	if ref.MongoID != "" {
		return ref.MongoID, nil
	}
	return ref.ID, nil
}

// decodeTimestamp accepts RFC 3339 strings and unix milliseconds.
func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var ts time.Time
		if err := json.Unmarshal(raw, &ts); err != nil {
			return time.Time{}, err
		}
		return ts, nil
	}

	var millis int64
	if err := json.Unmarshal(raw, &millis); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis).UTC(), nil
}
