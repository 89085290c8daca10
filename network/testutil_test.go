package network

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	inbound chan []byte

	mu      sync.Mutex
	written [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case frame := <-f.inbound:
		return frame, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteFrame(payload []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) frames() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.written))
	for _, raw := range f.written {
		env, err := DecodeEnvelope(raw)
		if err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) push(t *testing.T, event string, data any) {
	t.Helper()
	payload, err := EncodeEnvelope(event, data)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	f.inbound <- payload
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failures   int
	attempts   int
	// dropOnDial hands out transports that are already closed.
	dropOnDial bool
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	transport := newFakeTransport()
	if d.dropOnDial {
		_ = transport.Close()
	}
	d.transports = append(d.transports, transport)
	return transport, nil
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

func newTestManager(t *testing.T, dialer *fakeDialer, backoff ...time.Duration) *Manager {
	t.Helper()
	if len(backoff) == 0 {
		backoff = []time.Duration{0, 10 * time.Millisecond}
	}
	m, err := NewManager(ManagerOptions{
		URL:              "ws://test/ws",
		Dialer:           dialer,
		ReconnectBackoff: backoff,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

// waitForEvent returns the first event matching match and every event
// skipped on the way.
func waitForEvent(t *testing.T, events <-chan Event, timeout time.Duration, match func(Event) bool) (Event, []Event) {
	t.Helper()
	var skipped []Event
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed")
			}
			if match(event) {
				return event, skipped
			}
			skipped = append(skipped, event)
		case <-deadline:
			t.Fatalf("event not received before timeout %s (skipped %d)", timeout, len(skipped))
		}
	}
}

func isKind(kind EventKind) func(Event) bool {
	return func(e Event) bool { return e.Kind == kind }
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
