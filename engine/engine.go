// Package engine wires the session, connection, room directory, message log
// and contact resolver into one client and fans their changes out as events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatsync/api"
	"chatsync/contacts"
	"chatsync/directory"
	"chatsync/messagelog"
	"chatsync/models"
	"chatsync/network"
	"chatsync/session"
)

const (
	// DefaultSweepInterval is how often pending sends are checked for expiry.
	DefaultSweepInterval = time.Second
	// DefaultMaxParked bounds inbound messages waiting for their room.
	DefaultMaxParked = 64

	defaultEventBuffer = 256
)

// Backend is the REST surface the engine consumes.
type Backend interface {
	SignIn(ctx context.Context, email, password string) (api.Credentials, error)
	ListRooms(ctx context.Context) ([]models.Room, error)
	RoomMessages(ctx context.Context, roomID string) ([]models.Message, error)
	FindContact(ctx context.Context, email string) (models.Room, error)
}

// Connection is the realtime channel the engine drives.
type Connection interface {
	Events() <-chan network.Event
	Connect() error
	Disconnect()
	SetIdentity(userID string)
	SendChatMessage(payload network.SendMessagePayload) error
}

// Options configures an Engine.
type Options struct {
	Session    *session.Session
	Connection Connection
	Backend    Backend

	SendTimeout   time.Duration
	SweepInterval time.Duration
	MaxParked     int
	EventBuffer   int
	Now           func() time.Time
	NewTempID     func() string

	Logger zerolog.Logger
}

type parkedMessage struct {
	event   string
	message models.Message
}

// Engine is the chat client core. All exported methods are safe for
// concurrent use.
type Engine struct {
	opts Options

	session   *session.Session
	conn      Connection
	backend   Backend
	directory *directory.Directory
	log       *messagelog.Log
	contacts  *contacts.Resolver

	events  chan Event
	refresh chan struct{}

	// routeMu serializes inbound routing with parked flushes and resets.
	routeMu sync.Mutex
	parked  []parkedMessage

	ctx          context.Context
	cancel       context.CancelFunc
	startOnce    sync.Once
	shutdownOnce sync.Once
	loopsWg      sync.WaitGroup
	unsubscribe  func()
}

// New validates options and builds an engine. Call Start to go live.
func New(options Options) (*Engine, error) {
	if options.Session == nil {
		return nil, errors.New("session is required")
	}
	if options.Connection == nil {
		return nil, errors.New("connection is required")
	}
	if options.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = DefaultSweepInterval
	}
	if options.MaxParked <= 0 {
		options.MaxParked = DefaultMaxParked
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = defaultEventBuffer
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:    options,
		session: options.Session,
		conn:    options.Connection,
		backend: options.Backend,
		events:  make(chan Event, options.EventBuffer),
		refresh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	e.directory = directory.New(func() {
		e.emit(Event{Kind: EventRoomsChanged})
	})
	e.log = messagelog.New(messagelog.Options{
		Sender:       chatSender{conn: options.Connection},
		Summaries:    e.directory,
		Rooms:        e.directory,
		CurrentUser:  options.Session.CurrentUserID,
		SendTimeout:  options.SendTimeout,
		Now:          options.Now,
		NewTempID:    options.NewTempID,
		OnChange:     e.onMessagesChanged,
		OnSendFailed: e.onSendFailed,
		Logger:       options.Logger.With().Str("component", "messagelog").Logger(),
	})
	e.contacts = contacts.NewResolver(contacts.Options{
		Finder:      options.Backend,
		Rooms:       e.directory,
		CurrentUser: options.Session.CurrentUserID,
		Logger:      options.Logger.With().Str("component", "contacts").Logger(),
	})
	return e, nil
}

// Start subscribes to identity changes, starts the background loops and
// opens the realtime connection.
func (e *Engine) Start() error {
	var err error
	e.startOnce.Do(func() {
		e.unsubscribe = e.session.Subscribe(e.onIdentityChange)

		e.loopsWg.Add(3)
		go e.inboundLoop()
		go e.refreshLoop()
		go e.sweepLoop()

		if current := e.session.CurrentUserID(); current != "" {
			e.conn.SetIdentity(current)
			e.requestRefresh()
		}
		if connectErr := e.conn.Connect(); connectErr != nil {
			err = fmt.Errorf("connect realtime channel: %w", connectErr)
		}
	})
	return err
}

// Close stops the loops and disconnects. It is idempotent.
func (e *Engine) Close() {
	e.shutdownOnce.Do(func() {
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		e.cancel()
		e.conn.Disconnect()
		e.loopsWg.Wait()
	})
}

// Events delivers engine events. Delivery is best effort: a consumer that
// falls more than the buffer behind loses events.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// CurrentUserID returns the signed-in identity, or "".
func (e *Engine) CurrentUserID() string {
	return e.session.CurrentUserID()
}

// SignIn exchanges credentials with the backend and applies the result.
func (e *Engine) SignIn(ctx context.Context, email, password string) error {
	creds, err := e.backend.SignIn(ctx, email, password)
	if err != nil {
		return e.report(fmt.Errorf("sign in: %w", err))
	}
	if err := e.session.SignIn(creds.Token, creds.RefreshToken); err != nil {
		return e.report(fmt.Errorf("apply credential: %w", err))
	}
	return nil
}

// SignOut clears the credential.
func (e *Engine) SignOut() error {
	if err := e.session.SignOut(); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// Rooms lists known rooms, most recently active first.
func (e *Engine) Rooms() []models.Room {
	return e.directory.ListRooms()
}

// SelectedRoom returns the active room, if any.
func (e *Engine) SelectedRoom() (models.Room, bool) {
	return e.directory.Selected()
}

// Messages returns the visible log of a room.
func (e *Engine) Messages(roomID string) []messagelog.Entry {
	return e.log.Entries(roomID)
}

// RefreshRooms fetches the room listing and merges it into the directory.
func (e *Engine) RefreshRooms(ctx context.Context) error {
	rooms, err := e.backend.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	for _, room := range rooms {
		if err := e.directory.UpsertRoom(room); err != nil {
			e.opts.Logger.Warn().Err(err).Msg("skipping room without id")
		}
	}
	e.flushParked()
	return nil
}

// SelectRoom makes roomID active and seeds its log from the stored history.
// The selection survives a failed history fetch.
func (e *Engine) SelectRoom(ctx context.Context, roomID string) error {
	if err := e.directory.Select(roomID); err != nil {
		return e.report(fmt.Errorf("select room: %w", err))
	}
	history, err := e.backend.RoomMessages(ctx, roomID)
	if err != nil {
		return e.report(fmt.Errorf("load history: %w", err))
	}
	seeded := e.log.Seed(roomID, history)
	e.opts.Logger.Debug().Str("room", roomID).Int("seeded", seeded).Msg("room history loaded")
	return nil
}

// Send submits content to the active room.
func (e *Engine) Send(content string) (messagelog.PendingSend, error) {
	pending, err := e.log.SendOptimistic(e.directory.SelectedID(), content)
	if err != nil {
		return messagelog.PendingSend{}, e.report(err)
	}
	return pending, nil
}

// FindContact resolves email to a room and records it.
func (e *Engine) FindContact(ctx context.Context, email string) (models.Room, error) {
	room, err := e.contacts.FindByEmail(ctx, email)
	if err != nil {
		return models.Room{}, e.report(err)
	}
	if stored, ok := e.directory.Room(room.ID); ok {
		room = stored
	}
	if len(room.Participants) == 0 {
		// the lookup only named the room; the listing carries its members
		e.requestRefresh()
	}
	e.flushParked()
	return room, nil
}

func (e *Engine) onIdentityChange(change session.Change) {
	if change.AccountSwitched {
		e.routeMu.Lock()
		e.parked = nil
		e.directory.Reset()
		e.log.Reset()
		e.routeMu.Unlock()
	}

	e.conn.SetIdentity(change.Current)
	e.emit(Event{Kind: EventIdentityChanged, Identity: change.Current, AccountSwitched: change.AccountSwitched})

	if change.Current != "" {
		e.requestRefresh()
	}
}

func (e *Engine) onMessagesChanged(roomID string) {
	e.emit(Event{Kind: EventMessagesChanged, RoomID: roomID})
}

func (e *Engine) onSendFailed(failure messagelog.SendFailure) {
	e.emit(Event{Kind: EventNotice, Notice: &Notice{
		Kind:    NoticeSendFailed,
		Message: fmt.Sprintf("message not delivered: %s", failure.Reason),
		RoomID:  failure.RoomID,
		TempID:  failure.TempID,
	}})
}

func (e *Engine) inboundLoop() {
	defer e.loopsWg.Done()

	events := e.conn.Events()
	for {
		select {
		case <-e.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			e.handleConnectionEvent(event)
		}
	}
}

func (e *Engine) handleConnectionEvent(event network.Event) {
	switch event.Kind {
	case network.EventStateChanged:
		e.emit(Event{Kind: EventConnectionChanged, State: event.State})
	case network.EventAnnounced:
		e.emit(Event{Kind: EventConnectionChanged, State: network.StateConnected, Identity: event.Identity})
		if flushed := e.log.FlushUnsent(); flushed > 0 {
			e.opts.Logger.Info().Int("count", flushed).Msg("resent queued messages")
		}
	case network.EventTransportError:
		notice := Notice{Kind: NoticeTransport, Message: "connection problem"}
		if event.Err != nil {
			notice.Message = event.Err.Message
			notice.Err = event.Err
		}
		e.emit(Event{Kind: EventNotice, Notice: &notice})
	case network.EventInbound:
		e.handleInbound(event)
	}
}

func (e *Engine) handleInbound(event network.Event) {
	env := event.Envelope
	if env.Event != network.EventReceiveMessage && env.Event != network.EventMessageSent {
		e.opts.Logger.Debug().Str("event", env.Event).Msg("ignoring inbound event")
		return
	}

	message, err := env.Message()
	if err != nil {
		e.opts.Logger.Warn().Err(err).Str("event", env.Event).Msg("dropping malformed message")
		return
	}

	// The identity is compared under routeMu so an account switch either
	// clears this message or sees it dropped.
	e.routeMu.Lock()
	self := e.session.CurrentUserID()
	if event.Identity != self {
		e.routeMu.Unlock()
		e.opts.Logger.Debug().Str("event", env.Event).Msg("dropping event for previous identity")
		return
	}
	parked := e.routeLocked(self, env.Event, message)
	e.routeMu.Unlock()

	if parked {
		e.requestRefresh()
	}
}

// routeLocked applies message to its room and reports whether it was parked
// because the room is not known yet.
func (e *Engine) routeLocked(self, event string, message models.Message) bool {
	if !message.Involves(self) {
		e.opts.Logger.Debug().Str("message_id", message.ID).Msg("dropping message for another user")
		return false
	}
	counterpart := message.Counterpart(self)
	if counterpart == "" || counterpart == self {
		e.opts.Logger.Debug().Str("message_id", message.ID).Msg("dropping message without counterpart")
		return false
	}

	room, ok := e.directory.RoomWithParticipant(counterpart)
	if !ok {
		if len(e.parked) >= e.opts.MaxParked {
			dropped := e.parked[0]
			e.parked = e.parked[1:]
			e.opts.Logger.Warn().Str("message_id", dropped.message.ID).Msg("parked message dropped")
		}
		e.parked = append(e.parked, parkedMessage{event: event, message: message})
		e.opts.Logger.Debug().Str("message_id", message.ID).Str("counterpart", counterpart).Msg("parked message for unknown room")
		return true
	}

	switch event {
	case network.EventMessageSent:
		e.log.ConfirmSent(room.ID, message)
	default:
		e.log.ReceiveRemote(room.ID, message)
	}
	return false
}

func (e *Engine) flushParked() {
	e.routeMu.Lock()
	defer e.routeMu.Unlock()

	if len(e.parked) == 0 {
		return
	}
	queued := e.parked
	e.parked = nil

	self := e.session.CurrentUserID()
	for _, p := range queued {
		e.routeLocked(self, p.event, p.message)
	}
}

func (e *Engine) requestRefresh() {
	select {
	case e.refresh <- struct{}{}:
	default:
	}
}

func (e *Engine) refreshLoop() {
	defer e.loopsWg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.refresh:
			if e.session.CurrentUserID() == "" {
				continue
			}
			if err := e.RefreshRooms(e.ctx); err != nil && e.ctx.Err() == nil {
				e.opts.Logger.Warn().Err(err).Msg("refresh rooms")
				e.report(err)
			}
		}
	}
}

func (e *Engine) sweepLoop() {
	defer e.loopsWg.Done()

	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.log.ExpirePending(e.opts.Now())
		}
	}
}

// report emits err as a notice and returns it unchanged.
func (e *Engine) report(err error) error {
	notice := NoticeFor(err)
	e.emit(Event{Kind: EventNotice, Notice: &notice})
	return err
}

func (e *Engine) emit(event Event) {
	select {
	case e.events <- event:
	default:
		e.opts.Logger.Debug().Str("kind", string(event.Kind)).Msg("engine event dropped")
	}
}

// chatSender adapts the realtime channel to the message log.
type chatSender struct {
	conn Connection
}

func (s chatSender) SendMessage(req messagelog.SendRequest) error {
	return s.conn.SendChatMessage(network.SendMessagePayload{
		Sender:   req.Sender,
		Receiver: req.Receiver,
		Content:  req.Content,
		ClientID: req.ClientID,
	})
}
