package network

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type wsBackend struct {
	server *httptest.Server
	joins  chan string
	sends  chan SendMessagePayload
	conns  chan *websocket.Conn
}

func newWSBackend(t *testing.T) *wsBackend {
	t.Helper()

	b := &wsBackend{
		joins: make(chan string, 8),
		sends: make(chan SendMessagePayload, 8),
		conns: make(chan *websocket.Conn, 8),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	router := chi.NewRouter()
	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- conn
		defer conn.Close()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := DecodeEnvelope(payload)
			if err != nil {
				continue
			}
			switch env.Event {
			case EventJoin:
				var userID string
				_ = json.Unmarshal(env.Data, &userID)
				b.joins <- userID
			case EventSendMessage:
				var p SendMessagePayload
				_ = json.Unmarshal(env.Data, &p)
				b.sends <- p
				ack, _ := EncodeEnvelope(EventMessageSent, map[string]any{
					"_id":       "srv-1",
					"sender":    p.Sender,
					"receiver":  p.Receiver,
					"content":   p.Content,
					"clientId":  p.ClientID,
					"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
				})
				_ = conn.WriteMessage(websocket.TextMessage, ack)
			}
		}
	})

	b.server = httptest.NewServer(router)
	t.Cleanup(b.server.Close)
	return b
}

func (b *wsBackend) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

func TestWebsocketManagerJoinsSendsAndReceives(t *testing.T) {
	backend := newWSBackend(t)

	m, err := NewManager(ManagerOptions{
		URL:              backend.url(),
		Dialer:           WebsocketDialer{PingInterval: 20 * time.Millisecond},
		ReconnectBackoff: []time.Duration{0, 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Close)

	m.SetIdentity("alice")
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case userID := <-backend.joins:
		if userID != "alice" {
			t.Fatalf("expected join for alice, got %q", userID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("backend never saw join")
	}
	waitForEvent(t, m.Events(), 2*time.Second, isKind(EventAnnounced))

	if err := m.SendChatMessage(SendMessagePayload{Sender: "alice", Receiver: "bob", Content: "hello", ClientID: "tmp-1"}); err != nil {
		t.Fatalf("SendChatMessage failed: %v", err)
	}

	inbound, _ := waitForEvent(t, m.Events(), 2*time.Second, isKind(EventInbound))
	if inbound.Envelope.Event != EventMessageSent {
		t.Fatalf("expected messageSent, got %q", inbound.Envelope.Event)
	}
	msg, err := inbound.Envelope.Message()
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if msg.ID != "srv-1" || msg.ClientID != "tmp-1" || msg.SenderID != "alice" {
		t.Fatalf("unexpected ack: %+v", msg)
	}

	// Keep-alive: idle past several ping periods without losing the link.
	time.Sleep(100 * time.Millisecond)
	if m.State() != StateConnected {
		t.Fatalf("expected connection to survive idle pings, got %s", m.State())
	}
}

func TestWebsocketManagerReconnectsAfterServerDrop(t *testing.T) {
	backend := newWSBackend(t)

	m, err := NewManager(ManagerOptions{
		URL:              backend.url(),
		ReconnectBackoff: []time.Duration{0, 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Close)

	m.SetIdentity("alice")
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	first := <-backend.conns
	<-backend.joins
	_ = first.Close()

	select {
	case userID := <-backend.joins:
		if userID != "alice" {
			t.Fatalf("expected re-join for alice, got %q", userID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("manager did not reconnect")
	}
}
