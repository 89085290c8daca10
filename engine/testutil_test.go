package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"chatsync/api"
	"chatsync/models"
	"chatsync/network"
	"chatsync/session"
)

func mintToken(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": userID}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type fakeConnection struct {
	events chan network.Event

	mu       sync.Mutex
	identity string
	ready    bool
	sent     []network.SendMessagePayload
	connects int
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{events: make(chan network.Event, 64)}
}

func (f *fakeConnection) Events() <-chan network.Event {
	return f.events
}

func (f *fakeConnection) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeConnection) Disconnect() {}

func (f *fakeConnection) SetIdentity(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = userID
}

func (f *fakeConnection) SendChatMessage(payload network.SendMessagePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return network.ErrNotConnected
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeConnection) setReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

func (f *fakeConnection) currentIdentity() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *fakeConnection) sentPayloads() []network.SendMessagePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]network.SendMessagePayload(nil), f.sent...)
}

// pushMessage delivers an inbound chat event announced for identity.
func (f *fakeConnection) pushMessage(t *testing.T, identity, event string, data map[string]any) {
	t.Helper()
	raw, err := network.EncodeEnvelope(event, data)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	env, err := network.DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", event, err)
	}
	f.events <- network.Event{Kind: network.EventInbound, Identity: identity, Envelope: env}
}

type fakeBackend struct {
	mu       sync.Mutex
	rooms    []models.Room
	history  map[string][]models.Message
	found    models.Room
	findErr  error
	listed   int
	signInFn func(email, password string) (api.Credentials, error)
}

func (b *fakeBackend) SignIn(ctx context.Context, email, password string) (api.Credentials, error) {
	b.mu.Lock()
	fn := b.signInFn
	b.mu.Unlock()
	if fn == nil {
		return api.Credentials{}, api.ErrInvalidCredentials
	}
	return fn(email, password)
}

func (b *fakeBackend) ListRooms(ctx context.Context) ([]models.Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listed++
	out := make([]models.Room, 0, len(b.rooms))
	for _, room := range b.rooms {
		out = append(out, room.Clone())
	}
	return out, nil
}

func (b *fakeBackend) RoomMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	messages, ok := b.history[roomID]
	if !ok {
		return nil, api.ErrNotFound
	}
	return append([]models.Message(nil), messages...), nil
}

func (b *fakeBackend) FindContact(ctx context.Context, email string) (models.Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.findErr != nil {
		return models.Room{}, b.findErr
	}
	return b.found, nil
}

func (b *fakeBackend) setRooms(rooms ...models.Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms = rooms
}

func (b *fakeBackend) listCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listed
}

func newRoom(id string, participants ...string) models.Room {
	out := models.Room{ID: id}
	for _, p := range participants {
		out.Participants = append(out.Participants, models.Participant{ID: p})
	}
	return out
}

type harness struct {
	engine  *Engine
	session *session.Session
	conn    *fakeConnection
	backend *fakeBackend
}

func newHarness(t *testing.T, options Options) *harness {
	t.Helper()
	h := &harness{
		session: session.New(session.Options{}),
		conn:    newFakeConnection(),
		backend: &fakeBackend{history: make(map[string][]models.Message)},
	}
	options.Session = h.session
	options.Connection = h.conn
	options.Backend = h.backend
	if options.SweepInterval == 0 {
		options.SweepInterval = 10 * time.Millisecond
	}

	e, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(e.Close)
	h.engine = e
	return h
}

func (h *harness) signIn(t *testing.T, userID string) {
	t.Helper()
	if err := h.session.SetCredential(mintToken(t, userID)); err != nil {
		t.Fatalf("set credential: %v", err)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForNotice(t *testing.T, events <-chan Event, timeout time.Duration, kind NoticeKind) Notice {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-events:
			if event.Kind == EventNotice && event.Notice != nil && event.Notice.Kind == kind {
				return *event.Notice
			}
		case <-deadline:
			t.Fatalf("notice %s not received before timeout %s", kind, timeout)
		}
	}
}
