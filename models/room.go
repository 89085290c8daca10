package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Participant is a read-only member record supplied by the backend.
type Participant struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// UnmarshalJSON accepts `_id` as an alias for `id`.
func (p *Participant) UnmarshalJSON(raw []byte) error {
	var wire struct {
		MongoID   string `json:"_id"`
		ID        string `json:"id"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("decode participant: %w", err)
	}

	id := wire.MongoID
	if id == "" {
		id = wire.ID
	}
	*p = Participant{
		ID:        id,
		FirstName: wire.FirstName,
		LastName:  wire.LastName,
		Email:     wire.Email,
	}
	return nil
}

// DisplayName returns "First Last", falling back to the email address.
func (p Participant) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.Email
	}
	return name
}

// LatestMessageSummary caches the newest message of a room for list previews.
type LatestMessageSummary struct {
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"isRead"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Room is one conversation the current user participates in.
type Room struct {
	ID            string                `json:"id"`
	Participants  []Participant         `json:"participants"`
	LatestMessage *LatestMessageSummary `json:"latestMessage,omitempty"`
}

// UnmarshalJSON accepts `_id` as an alias for `id`.
func (r *Room) UnmarshalJSON(raw []byte) error {
	type plain Room
	var wire struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("decode room: %w", err)
	}

	*r = Room(wire.plain)
	if wire.MongoID != "" {
		r.ID = wire.MongoID
	}
	return nil
}

// HasParticipant reports whether userID is a member of the room.
func (r Room) HasParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the first participant that is not selfID.
func (r Room) Counterpart(selfID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID != "" && p.ID != selfID {
			return p, true
		}
	}
	return Participant{}, false
}

// Clone returns a deep copy safe to hand to callers.
func (r Room) Clone() Room {
	out := Room{ID: r.ID}
	if r.Participants != nil {
		out.Participants = append([]Participant(nil), r.Participants...)
	}
	if r.LatestMessage != nil {
		summary := *r.LatestMessage
		out.LatestMessage = &summary
	}
	return out
}
