package engine

import (
	"errors"

	"chatsync/api"
	"chatsync/contacts"
	"chatsync/directory"
	"chatsync/messagelog"
	"chatsync/network"
	"chatsync/session"
)

// EventKind identifies engine events.
type EventKind string

const (
	EventRoomsChanged      EventKind = "rooms_changed"
	EventMessagesChanged   EventKind = "messages_changed"
	EventNotice            EventKind = "notice"
	EventConnectionChanged EventKind = "connection_changed"
	EventIdentityChanged   EventKind = "identity_changed"
)

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeValidation NoticeKind = "validation"
	NoticeNotFound   NoticeKind = "not_found"
	NoticeTransport  NoticeKind = "transport"
	NoticeSendFailed NoticeKind = "send_failed"
)

// Notice is a user-facing error report.
type Notice struct {
	Kind    NoticeKind
	Message string
	RoomID  string
	// TempID is set for NoticeSendFailed.
	TempID string
	Err    error
}

// Event is one entry of the engine event stream.
type Event struct {
	Kind EventKind

	// RoomID is set for EventMessagesChanged; "" means every room.
	RoomID string
	// State is set for EventConnectionChanged.
	State network.State
	// Identity is set for EventIdentityChanged and EventConnectionChanged
	// once the connection announced an identity.
	Identity string
	// AccountSwitched is set for EventIdentityChanged.
	AccountSwitched bool
	// Notice is set for EventNotice.
	Notice *Notice
}

// NoticeFor classifies err the way the engine reports it.
func NoticeFor(err error) Notice {
	notice := Notice{Kind: NoticeTransport, Message: err.Error(), Err: err}

	switch {
	case errors.Is(err, messagelog.ErrEmptyContent),
		errors.Is(err, messagelog.ErrNoRoomSelected),
		errors.Is(err, messagelog.ErrSignedOut),
		errors.Is(err, messagelog.ErrNoReceiver),
		errors.Is(err, contacts.ErrEmptyEmail),
		errors.Is(err, contacts.ErrSignedOut),
		errors.Is(err, api.ErrSignedOut),
		errors.Is(err, api.ErrInvalidCredentials),
		errors.Is(err, session.ErrDecode):
		notice.Kind = NoticeValidation
	case errors.Is(err, contacts.ErrNotFound),
		errors.Is(err, api.ErrNotFound),
		errors.Is(err, directory.ErrUnknownRoom):
		notice.Kind = NoticeNotFound
	}

	switch {
	case errors.Is(err, contacts.ErrNotFound), errors.Is(err, contacts.ErrUnreachable), errors.Is(err, contacts.ErrEmptyEmail):
		notice.Message = contacts.Message(err)
	case errors.Is(err, api.ErrUnreachable), errors.Is(err, network.ErrNotConnected):
		notice.Message = "cannot reach server"
	default:
		if message := api.BackendMessage(err); message != "" {
			notice.Message = message
		}
	}
	return notice
}
