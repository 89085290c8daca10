// Package directory holds the set of rooms the signed-in user participates in.
package directory

import (
	"errors"
	"sort"
	"sync"

	"chatsync/models"
)

// ErrUnknownRoom indicates a room id that was never upserted.
var ErrUnknownRoom = errors.New("directory: unknown room")

type entry struct {
	room models.Room
	seq  uint64
}

// Directory is the in-memory room registry. Rooms are never removed except
// by Reset.
type Directory struct {
	mu       sync.Mutex
	rooms    map[string]*entry
	nextSeq  uint64
	selected string

	onChange func()
}

// New creates an empty directory. onChange, when set, runs after every
// mutation outside the lock.
func New(onChange func()) *Directory {
	return &Directory{
		rooms:    make(map[string]*entry),
		onChange: onChange,
	}
}

// ListRooms returns rooms most-recently-active first. Rooms without a summary
// follow the ones that have one; ties keep insertion order.
func (d *Directory) ListRooms() []models.Room {
	d.mu.Lock()
	entries := make([]*entry, 0, len(d.rooms))
	for _, e := range d.rooms {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].room.LatestMessage, entries[j].room.LatestMessage
		switch {
		case a != nil && b != nil && !a.UpdatedAt.Equal(b.UpdatedAt):
			return a.UpdatedAt.After(b.UpdatedAt)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		default:
			return entries[i].seq < entries[j].seq
		}
	})

	out := make([]models.Room, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.room.Clone())
	}
	return out
}

// Room returns one room by id.
func (d *Directory) Room(roomID string) (models.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.rooms[roomID]
	if !ok {
		return models.Room{}, false
	}
	return e.room.Clone(), true
}

// RoomWithParticipant returns the earliest-inserted room listing userID.
func (d *Directory) RoomWithParticipant(userID string) (models.Room, bool) {
	if userID == "" {
		return models.Room{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var found *entry
	for _, e := range d.rooms {
		if !e.room.HasParticipant(userID) {
			continue
		}
		if found == nil || e.seq < found.seq {
			found = e
		}
	}
	if found == nil {
		return models.Room{}, false
	}
	return found.room.Clone(), true
}

// UpsertRoom inserts an unseen room or merges into the existing one.
// A non-empty participant list replaces the stored one; an empty list keeps
// it. The summary is replaced only when it is not older.
func (d *Directory) UpsertRoom(room models.Room) error {
	if room.ID == "" {
		return errors.New("directory: room id is required")
	}

	d.mu.Lock()
	existing, ok := d.rooms[room.ID]
	if !ok {
		d.nextSeq++
		d.rooms[room.ID] = &entry{room: room.Clone(), seq: d.nextSeq}
		d.mu.Unlock()
		d.notify()
		return nil
	}

	incoming := room.Clone()
	if len(incoming.Participants) > 0 {
		existing.room.Participants = incoming.Participants
	}
	if incoming.LatestMessage != nil {
		applySummary(&existing.room, *incoming.LatestMessage)
	}
	d.mu.Unlock()
	d.notify()
	return nil
}

// Select marks roomID as the active room.
func (d *Directory) Select(roomID string) error {
	d.mu.Lock()
	if _, ok := d.rooms[roomID]; !ok {
		d.mu.Unlock()
		return ErrUnknownRoom
	}
	changed := d.selected != roomID
	d.selected = roomID
	d.mu.Unlock()

	if changed {
		d.notify()
	}
	return nil
}

// Selected returns the active room, if any.
func (d *Directory) Selected() (models.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.selected == "" {
		return models.Room{}, false
	}
	e, ok := d.rooms[d.selected]
	if !ok {
		return models.Room{}, false
	}
	return e.room.Clone(), true
}

// SelectedID returns the active room id or "".
func (d *Directory) SelectedID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

// RecordLatestMessage updates a room preview unless the summary is older
// than the one already stored.
func (d *Directory) RecordLatestMessage(roomID string, summary models.LatestMessageSummary) error {
	d.mu.Lock()
	e, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownRoom
	}
	changed := applySummary(&e.room, summary)
	d.mu.Unlock()

	if changed {
		d.notify()
	}
	return nil
}

// Reset forgets every room and the selection.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.rooms = make(map[string]*entry)
	d.selected = ""
	d.mu.Unlock()
	d.notify()
}

// Len returns the number of known rooms.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

func (d *Directory) notify() {
	if d.onChange != nil {
		d.onChange()
	}
}

func applySummary(room *models.Room, summary models.LatestMessageSummary) bool {
	if room.LatestMessage != nil && summary.UpdatedAt.Before(room.LatestMessage.UpdatedAt) {
		return false
	}
	room.LatestMessage = &summary
	return true
}
