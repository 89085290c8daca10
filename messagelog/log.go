// Package messagelog keeps one ordered message log per room and reconciles
// optimistic local sends with backend confirmations.
package messagelog

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatsync/models"
)

// DefaultSendTimeout bounds how long an optimistic send may wait for its
// confirmation before it is reported as failed.
const DefaultSendTimeout = 30 * time.Second

var (
	// ErrEmptyContent rejects blank message content.
	ErrEmptyContent = errors.New("messagelog: message content is empty")
	// ErrNoRoomSelected rejects sends while no room is active.
	ErrNoRoomSelected = errors.New("messagelog: no room selected")
	// ErrSignedOut rejects sends while there is no current identity.
	ErrSignedOut = errors.New("messagelog: not signed in")
	// ErrNoReceiver rejects sends to a room without a known counterpart.
	ErrNoReceiver = errors.New("messagelog: room has no receiver")
)

const reasonTimedOut = "timed out waiting for confirmation"

// SendRequest is the outbound payload of one optimistic send.
type SendRequest struct {
	Sender   string
	Receiver string
	Content  string
	ClientID string
}

// Sender issues send requests on the realtime channel.
type Sender interface {
	SendMessage(SendRequest) error
}

// SummarySink receives the latest-message preview after every append.
type SummarySink interface {
	RecordLatestMessage(roomID string, summary models.LatestMessageSummary) error
}

// RoomContext exposes the active room and room metadata.
type RoomContext interface {
	SelectedID() string
	Room(roomID string) (models.Room, bool)
}

// Entry is one visible line of a room log. Pending entries have no backend
// id yet; TempID stays stable across confirmation.
type Entry struct {
	Message models.Message
	TempID  string
	Pending bool
}

// PendingSend describes an accepted optimistic send.
type PendingSend struct {
	TempID    string
	RoomID    string
	Content   string
	CreatedAt time.Time
}

// SendFailure is reported when a pending send is removed without confirmation.
type SendFailure struct {
	RoomID  string
	TempID  string
	Content string
	Reason  string
}

// Options wires a Log to its collaborators.
type Options struct {
	Sender      Sender
	Summaries   SummarySink
	Rooms       RoomContext
	CurrentUser func() string

	SendTimeout time.Duration
	Now         func() time.Time
	NewTempID   func() string

	// OnChange runs after a room log changed; "" means every room.
	OnChange     func(roomID string)
	OnSendFailed func(SendFailure)

	Logger zerolog.Logger
}

type entry struct {
	Entry
	order  time.Time
	seq    uint64
	unsent bool
}

type roomLog struct {
	entries []*entry
	byID    map[string]*entry
}

// Log owns every room log.
type Log struct {
	opts Options

	mu      sync.Mutex
	rooms   map[string]*roomLog
	nextSeq uint64
}

// New creates a Log with defaults applied.
func New(options Options) *Log {
	if options.SendTimeout <= 0 {
		options.SendTimeout = DefaultSendTimeout
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.NewTempID == nil {
		options.NewTempID = uuid.NewString
	}
	if options.CurrentUser == nil {
		options.CurrentUser = func() string { return "" }
	}
	return &Log{
		opts:  options,
		rooms: make(map[string]*roomLog),
	}
}

// SendOptimistic validates and appends a pending entry, then issues the send.
// A rejected call performs no transport call and no log mutation.
func (l *Log) SendOptimistic(roomID, content string) (PendingSend, error) {
	if strings.TrimSpace(content) == "" {
		return PendingSend{}, ErrEmptyContent
	}

	selected := ""
	if l.opts.Rooms != nil {
		selected = l.opts.Rooms.SelectedID()
	}
	if selected == "" || roomID == "" {
		return PendingSend{}, ErrNoRoomSelected
	}

	userID := l.opts.CurrentUser()
	if userID == "" {
		return PendingSend{}, ErrSignedOut
	}

	room, ok := l.opts.Rooms.Room(roomID)
	if !ok {
		return PendingSend{}, ErrNoRoomSelected
	}
	receiver, ok := room.Counterpart(userID)
	if !ok {
		return PendingSend{}, ErrNoReceiver
	}

	now := l.opts.Now()
	tempID := l.opts.NewTempID()
	e := &entry{
		Entry: Entry{
			Message: models.Message{
				ClientID:   tempID,
				SenderID:   userID,
				ReceiverID: receiver.ID,
				Content:    content,
				CreatedAt:  now,
			},
			TempID:  tempID,
			Pending: true,
		},
		order: now,
	}

	l.mu.Lock()
	l.nextSeq++
	e.seq = l.nextSeq
	l.roomLocked(roomID).insert(e)
	l.mu.Unlock()

	l.notify(roomID)

	err := l.send(e)
	if err != nil {
		l.opts.Logger.Warn().Err(err).Str("room", roomID).Str("temp_id", tempID).Msg("send deferred until reconnect")
		l.mu.Lock()
		e.unsent = e.Pending
		l.mu.Unlock()
	}

	return PendingSend{
		TempID:    tempID,
		RoomID:    roomID,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// ConfirmSent merges the acknowledgment of one of our own sends. The matching
// pending entry is replaced in place: by clientId when the backend echoes it,
// otherwise the oldest pending entry with the same content. Without a match
// the message is appended. Reports whether the log changed.
func (l *Log) ConfirmSent(roomID string, message models.Message) bool {
	if message.ID == "" {
		l.opts.Logger.Warn().Str("room", roomID).Msg("dropping confirmation without message id")
		return false
	}

	l.mu.Lock()
	changed, upgraded := l.confirmLocked(l.roomLocked(roomID), message, l.opts.CurrentUser())
	l.mu.Unlock()

	if changed || upgraded {
		l.recordSummary(roomID, message)
		l.notify(roomID)
	}
	return changed
}

// ReceiveRemote merges a pushed message authored by someone else. Our own
// messages are dropped here since ConfirmSent owns them; duplicates by id are
// ignored apart from a false→true isRead upgrade.
func (l *Log) ReceiveRemote(roomID string, message models.Message) bool {
	if message.ID == "" {
		l.opts.Logger.Warn().Str("room", roomID).Msg("dropping push without message id")
		return false
	}
	if message.SenderID == l.opts.CurrentUser() {
		return false
	}

	l.mu.Lock()
	rl := l.roomLocked(roomID)
	if existing, ok := rl.byID[message.ID]; ok {
		upgraded := upgradeRead(existing, message)
		l.mu.Unlock()
		if upgraded {
			l.recordSummary(roomID, message)
			l.notify(roomID)
		}
		return false
	}
	rl.insert(newConfirmedEntry(message))
	l.mu.Unlock()

	l.recordSummary(roomID, message)
	l.notify(roomID)
	return true
}

// Seed merges fetched history into a room log. Our own messages go through
// the confirmation path so a lost acknowledgment still resolves its pending
// entry. Returns the number of entries added or reconciled.
func (l *Log) Seed(roomID string, messages []models.Message) int {
	userID := l.opts.CurrentUser()

	var (
		applied int
		newest  *models.Message
	)
	consider := func(i int) {
		if newest == nil || !messages[i].CreatedAt.Before(newest.CreatedAt) {
			newest = &messages[i]
		}
	}

	l.mu.Lock()
	rl := l.roomLocked(roomID)
	for i := range messages {
		message := messages[i]
		if message.ID == "" {
			continue
		}

		changed, upgraded := false, false
		if userID != "" && message.SenderID == userID {
			changed, upgraded = l.confirmLocked(rl, message, userID)
		} else if existing, ok := rl.byID[message.ID]; ok {
			upgraded = upgradeRead(existing, message)
		} else {
			rl.insert(newConfirmedEntry(message))
			changed = true
		}
		if upgraded {
			consider(i)
		}
		if !changed {
			continue
		}
		applied++
		consider(i)
	}
	l.mu.Unlock()

	if newest != nil {
		l.recordSummary(roomID, *newest)
	}
	l.notify(roomID)
	return applied
}

// ReportSendFailure removes a pending entry and signals the failure.
// Unknown temp ids are ignored.
func (l *Log) ReportSendFailure(roomID, tempID, reason string) bool {
	l.mu.Lock()
	rl, ok := l.rooms[roomID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	removed := rl.removePending(tempID)
	l.mu.Unlock()

	if removed == nil {
		return false
	}

	l.opts.Logger.Info().Str("room", roomID).Str("temp_id", tempID).Str("reason", reason).Msg("pending send failed")
	if l.opts.OnSendFailed != nil {
		l.opts.OnSendFailed(SendFailure{
			RoomID:  roomID,
			TempID:  tempID,
			Content: removed.Message.Content,
			Reason:  reason,
		})
	}
	l.notify(roomID)
	return true
}

// ExpirePending fails every pending send older than the send timeout.
func (l *Log) ExpirePending(now time.Time) int {
	type expired struct{ roomID, tempID string }

	l.mu.Lock()
	var victims []expired
	for roomID, rl := range l.rooms {
		for _, e := range rl.entries {
			if e.Pending && now.Sub(e.Message.CreatedAt) >= l.opts.SendTimeout {
				victims = append(victims, expired{roomID: roomID, tempID: e.TempID})
			}
		}
	}
	l.mu.Unlock()

	count := 0
	for _, v := range victims {
		if l.ReportSendFailure(v.roomID, v.tempID, reasonTimedOut) {
			count++
		}
	}
	return count
}

// FlushUnsent retries sends that could not be issued while disconnected.
func (l *Log) FlushUnsent() int {
	l.mu.Lock()
	var queued []*entry
	for _, rl := range l.rooms {
		for _, e := range rl.entries {
			if e.Pending && e.unsent {
				queued = append(queued, e)
			}
		}
	}
	l.mu.Unlock()

	sort.Slice(queued, func(i, j int) bool { return queued[i].seq < queued[j].seq })

	flushed := 0
	for _, e := range queued {
		if err := l.send(e); err != nil {
			l.opts.Logger.Warn().Err(err).Str("temp_id", e.TempID).Msg("flush unsent message")
			break
		}
		l.mu.Lock()
		e.unsent = false
		l.mu.Unlock()
		flushed++
	}
	return flushed
}

// Entries returns a snapshot of one room log in display order.
func (l *Log) Entries(roomID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(rl.entries))
	for _, e := range rl.entries {
		out = append(out, e.Entry)
	}
	return out
}

// PendingCount returns the number of unconfirmed sends in a room.
func (l *Log) PendingCount(roomID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.rooms[roomID]
	if !ok {
		return 0
	}
	count := 0
	for _, e := range rl.entries {
		if e.Pending {
			count++
		}
	}
	return count
}

// Reset drops every room log, evicting pending sends without confirming or
// failing them.
func (l *Log) Reset() {
	l.mu.Lock()
	l.rooms = make(map[string]*roomLog)
	l.mu.Unlock()
	l.notify("")
}

// confirmLocked reports whether an entry was added or reconciled, and
// separately whether a known entry only had its read flag raised.
func (l *Log) confirmLocked(rl *roomLog, message models.Message, userID string) (changed, upgraded bool) {
	if existing, ok := rl.byID[message.ID]; ok {
		return false, upgradeRead(existing, message)
	}

	if match := rl.matchPending(message, userID); match != nil {
		match.Message = message
		match.Pending = false
		match.unsent = false
		rl.byID[message.ID] = match
		return true, false
	}

	rl.insert(newConfirmedEntry(message))
	return true, false
}

func (l *Log) roomLocked(roomID string) *roomLog {
	rl, ok := l.rooms[roomID]
	if !ok {
		rl = &roomLog{byID: make(map[string]*entry)}
		l.rooms[roomID] = rl
	}
	return rl
}

func (l *Log) send(e *entry) error {
	if l.opts.Sender == nil {
		return errors.New("messagelog: no sender configured")
	}
	l.mu.Lock()
	req := SendRequest{
		Sender:   e.Message.SenderID,
		Receiver: e.Message.ReceiverID,
		Content:  e.Message.Content,
		ClientID: e.TempID,
	}
	l.mu.Unlock()
	return l.opts.Sender.SendMessage(req)
}

func (l *Log) recordSummary(roomID string, message models.Message) {
	if l.opts.Summaries == nil {
		return
	}
	if err := l.opts.Summaries.RecordLatestMessage(roomID, message.Summary()); err != nil {
		l.opts.Logger.Debug().Err(err).Str("room", roomID).Msg("record latest message")
	}
}

func (l *Log) notify(roomID string) {
	if l.opts.OnChange != nil {
		l.opts.OnChange(roomID)
	}
}

// insert keeps entries ordered by first-observed time, ties in arrival order.
func (rl *roomLog) insert(e *entry) {
	idx := sort.Search(len(rl.entries), func(i int) bool {
		return rl.entries[i].order.After(e.order)
	})
	rl.entries = append(rl.entries, nil)
	copy(rl.entries[idx+1:], rl.entries[idx:])
	rl.entries[idx] = e
	if e.Message.ID != "" {
		rl.byID[e.Message.ID] = e
	}
}

func (rl *roomLog) matchPending(message models.Message, userID string) *entry {
	if message.ClientID != "" {
		for _, e := range rl.entries {
			if e.Pending && e.TempID == message.ClientID {
				return e
			}
		}
	}

	want := strings.TrimSpace(message.Content)
	var oldest *entry
	for _, e := range rl.entries {
		if !e.Pending || e.Message.SenderID != userID {
			continue
		}
		if strings.TrimSpace(e.Message.Content) != want {
			continue
		}
		if oldest == nil || e.seq < oldest.seq {
			oldest = e
		}
	}
	return oldest
}

func (rl *roomLog) removePending(tempID string) *entry {
	for i, e := range rl.entries {
		if e.Pending && e.TempID == tempID {
			rl.entries = append(rl.entries[:i], rl.entries[i+1:]...)
			return e
		}
	}
	return nil
}

func newConfirmedEntry(message models.Message) *entry {
	return &entry{
		Entry: Entry{Message: message},
		order: message.CreatedAt,
	}
}

func upgradeRead(existing *entry, message models.Message) bool {
	if message.IsRead && !existing.Message.IsRead {
		existing.Message.IsRead = true
		return true
	}
	return false
}
