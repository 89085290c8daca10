package network

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeDecodeSendMessageEnvelope(t *testing.T) {
	payload, err := EncodeEnvelope(EventSendMessage, SendMessagePayload{
		Sender:   "me",
		Receiver: "bob",
		Content:  "hello",
		ClientID: "tmp-1",
	})
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}

	env, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Event != EventSendMessage {
		t.Fatalf("expected event %q, got %q", EventSendMessage, env.Event)
	}

	var got SendMessagePayload
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if got.Receiver != "bob" || got.ClientID != "tmp-1" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestJoinEnvelopeCarriesBareUserID(t *testing.T) {
	payload, err := EncodeEnvelope(EventJoin, "user-42")
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}
	if string(payload) != `{"event":"join","data":"user-42"}` {
		t.Fatalf("unexpected join frame: %s", payload)
	}
}

func TestDecodeEnvelopeRejectsMissingEvent(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"data":1}`)); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if _, err := DecodeEnvelope([]byte(`not json`)); err == nil {
		t.Fatalf("expected malformed frame to fail")
	}
	if _, err := EncodeEnvelope(" ", nil); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent on encode, got %v", err)
	}
}

func TestEnvelopeMessageDecodesNestedSender(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"event":"receiveMessage","data":{"_id":"m1","sender":{"_id":"bob","email":"bob@example.com"},"receiver":"me","content":"hi","isRead":false,"createdAt":"2026-03-01T12:00:00Z"}}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	msg, err := env.Message()
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if msg.ID != "m1" || msg.SenderID != "bob" || msg.ReceiverID != "me" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestEnvelopeErrorMessageForms(t *testing.T) {
	cases := map[string]string{
		`{"event":"error","data":{"message":"receiver not found"}}`: "receiver not found",
		`{"event":"error","data":"rate limited"}`:                   "rate limited",
		`{"event":"error"}`:                                         "server reported an error",
	}
	for raw, want := range cases {
		env, err := DecodeEnvelope([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeEnvelope(%s) failed: %v", raw, err)
		}
		if got := env.ErrorMessage(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}
