package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"chatsync/api"
	"chatsync/directory"
	"chatsync/models"
)

type fakeFinder struct {
	calls int
	room  models.Room
	err   error
}

func (f *fakeFinder) FindContact(ctx context.Context, email string) (models.Room, error) {
	f.calls++
	return f.room, f.err
}

func newTestResolver(finder *fakeFinder, user string) (*Resolver, *directory.Directory) {
	dir := directory.New(nil)
	return NewResolver(Options{
		Finder:      finder,
		Rooms:       dir,
		CurrentUser: func() string { return user },
	}), dir
}

func TestFindByEmailRejectsBlankWithoutNetworkCall(t *testing.T) {
	finder := &fakeFinder{}
	resolver, _ := newTestResolver(finder, "alice")

	if _, err := resolver.FindByEmail(context.Background(), "   "); !errors.Is(err, ErrEmptyEmail) {
		t.Fatalf("expected ErrEmptyEmail, got %v", err)
	}
	if finder.calls != 0 {
		t.Fatalf("expected no lookup, got %d", finder.calls)
	}
}

func TestFindByEmailRequiresIdentity(t *testing.T) {
	finder := &fakeFinder{}
	resolver, _ := newTestResolver(finder, "")

	if _, err := resolver.FindByEmail(context.Background(), "bob@example.com"); !errors.Is(err, ErrSignedOut) {
		t.Fatalf("expected ErrSignedOut, got %v", err)
	}
	if finder.calls != 0 {
		t.Fatalf("expected no lookup, got %d", finder.calls)
	}
}

func TestFindByEmailUpsertsRoom(t *testing.T) {
	finder := &fakeFinder{room: models.Room{
		ID:           "room-1",
		Participants: []models.Participant{{ID: "alice"}, {ID: "bob"}},
	}}
	resolver, dir := newTestResolver(finder, "alice")

	room, err := resolver.FindByEmail(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("FindByEmail failed: %v", err)
	}
	if room.ID != "room-1" {
		t.Fatalf("expected room-1, got %q", room.ID)
	}
	if _, ok := dir.Room("room-1"); !ok {
		t.Fatalf("expected room to be recorded in the directory")
	}
}

func TestFindByEmailNotFoundKeepsMessage(t *testing.T) {
	finder := &fakeFinder{err: fmt.Errorf("lookup: %w", api.ErrNotFound)}
	resolver, dir := newTestResolver(finder, "alice")

	_, err := resolver.FindByEmail(context.Background(), "nobody@example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if dir.Len() != 0 {
		t.Fatalf("expected directory untouched, got %d rooms", dir.Len())
	}
}

func TestFindByEmailUnreachable(t *testing.T) {
	finder := &fakeFinder{err: fmt.Errorf("%w: dial tcp: refused", api.ErrUnreachable)}
	resolver, _ := newTestResolver(finder, "alice")

	_, err := resolver.FindByEmail(context.Background(), "bob@example.com")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if Message(err) != "cannot reach server" {
		t.Fatalf("expected cannot reach server, got %q", Message(err))
	}
}

func TestFindByEmailSurfacesBackendMessage(t *testing.T) {
	router := chi.NewRouter()
	router.Post("/v1/user/find", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "No user with that email"})
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client, err := api.NewClient(api.Options{BaseURL: server.URL, Token: func() string { return "tok" }})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	dir := directory.New(nil)
	resolver := NewResolver(Options{Finder: client, Rooms: dir, CurrentUser: func() string { return "alice" }})

	_, err = resolver.FindByEmail(context.Background(), "nobody@example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if Message(err) != "No user with that email" {
		t.Fatalf("expected backend message, got %q", Message(err))
	}
	if dir.Len() != 0 {
		t.Fatalf("expected directory untouched, got %d rooms", dir.Len())
	}
}

func TestFindByEmailRoomIDOnlyKeepsParticipants(t *testing.T) {
	router := chi.NewRouter()
	router.Post("/v1/user/find", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"chatRoomId": "room-1"})
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client, err := api.NewClient(api.Options{BaseURL: server.URL, Token: func() string { return "tok" }})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	dir := directory.New(nil)
	if err := dir.UpsertRoom(models.Room{ID: "room-1", Participants: []models.Participant{{ID: "me"}, {ID: "bob"}}}); err != nil {
		t.Fatalf("UpsertRoom failed: %v", err)
	}
	resolver := NewResolver(Options{Finder: client, Rooms: dir, CurrentUser: func() string { return "me" }})

	room, err := resolver.FindByEmail(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("FindByEmail failed: %v", err)
	}
	if room.ID != "room-1" {
		t.Fatalf("expected room-1, got %q", room.ID)
	}
	stored, _ := dir.Room("room-1")
	if len(stored.Participants) != 2 {
		t.Fatalf("expected participants kept after lookup, got %+v", stored.Participants)
	}
	if routed, ok := dir.RoomWithParticipant("bob"); !ok || routed.ID != "room-1" {
		t.Fatalf("expected room-1 still routable to bob")
	}
}
