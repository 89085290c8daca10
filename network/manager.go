// Package network owns the realtime connection: dialing, reconnecting,
// identity announcement and the event stream consumed by the engine.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned by Send without a live, announced connection.
	ErrNotConnected = errors.New("network: not connected")
	// ErrManagerClosed is returned by Connect after Close.
	ErrManagerClosed = errors.New("network: manager closed")
)

// State is the lifecycle state of the realtime connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// EventKind identifies manager events.
type EventKind string

const (
	EventStateChanged   EventKind = "state_changed"
	EventAnnounced      EventKind = "announced"
	EventInbound        EventKind = "inbound"
	EventTransportError EventKind = "transport_error"
)

const (
	defaultEventBuffer = 256
	defaultStableAfter = time.Second
)

var defaultReconnectBackoff = []time.Duration{
	0,
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

// TransportError describes a dial failure, connection loss or a server error
// event. It never carries state beyond the message.
type TransportError struct {
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Event is one entry of the manager event stream.
type Event struct {
	Kind EventKind

	// State is set for EventStateChanged.
	State State
	// Identity is the identity announced on the connection, set for
	// EventAnnounced and EventInbound.
	Identity string
	// Envelope is set for EventInbound.
	Envelope Envelope
	// Err is set for EventTransportError.
	Err *TransportError
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	URL              string
	Dialer           Dialer
	ReconnectBackoff []time.Duration
	DialTimeout      time.Duration
	EventBuffer      int
	Logger           zerolog.Logger
}

// Manager maintains at most one realtime transport.
type Manager struct {
	options ManagerOptions

	mu        sync.Mutex
	state     State
	identity  string
	announced string
	transport Transport
	runCancel context.CancelFunc
	runDone   chan struct{}
	closed    bool

	identityChanged chan struct{}
	events          chan Event
	closeOnce       sync.Once
}

// NewManager creates a disconnected manager.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.URL == "" {
		return nil, errors.New("url is required")
	}
	if options.Dialer == nil {
		options.Dialer = WebsocketDialer{}
	}
	if len(options.ReconnectBackoff) == 0 {
		options.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = defaultEventBuffer
	}

	return &Manager{
		options:         options,
		state:           StateDisconnected,
		identityChanged: make(chan struct{}, 1),
		events:          make(chan Event, options.EventBuffer),
	}, nil
}

// Events delivers state changes, announcements, inbound frames and transport
// errors in transport order. It is closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AnnouncedIdentity returns the identity joined on the live connection.
func (m *Manager) AnnouncedIdentity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.announced
}

// Connect arms the manager. It is a no-op while already connecting or
// connected, so at most one transport is ever open.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.runCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.runCancel = cancel
	m.runDone = done
	go m.run(ctx, done)
	return nil
}

// Disconnect closes the transport and stops reconnecting until the next
// Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.runCancel
	done := m.runDone
	m.runCancel = nil
	m.runDone = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close disconnects and closes the event stream.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.Disconnect()
	m.closeOnce.Do(func() {
		close(m.events)
	})
}

// SetIdentity records the identity to announce. A live connection
// re-announces immediately; an empty identity defers announcement.
func (m *Manager) SetIdentity(userID string) {
	m.mu.Lock()
	if m.identity == userID {
		m.mu.Unlock()
		return
	}
	m.identity = userID
	m.mu.Unlock()

	select {
	case m.identityChanged <- struct{}{}:
	default:
	}
}

// Send writes one event on the live connection.
func (m *Manager) Send(event string, data any) error {
	m.mu.Lock()
	t := m.transport
	ready := m.state == StateConnected && t != nil && m.announced != "" && m.announced == m.identity
	m.mu.Unlock()

	if !ready {
		return ErrNotConnected
	}

	payload, err := EncodeEnvelope(event, data)
	if err != nil {
		return err
	}
	if err := t.WriteFrame(payload); err != nil {
		_ = t.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// SendChatMessage emits a sendMessage event.
func (m *Manager) SendChatMessage(payload SendMessagePayload) error {
	return m.Send(EventSendMessage, payload)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.setState(ctx, StateDisconnected)

	attempt := 0
	for {
		if delay := m.backoffForAttempt(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		m.setState(ctx, StateConnecting)

		dialCtx, cancel := context.WithTimeout(ctx, m.options.DialTimeout)
		transport, err := m.options.Dialer.Dial(dialCtx, m.options.URL)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.options.Logger.Warn().Err(err).Int("attempt", attempt).Msg("dial realtime server")
			m.reportTransportError(ctx, "cannot reach realtime server", err)
			m.setState(ctx, StateDisconnected)
			attempt++
			continue
		}

		connectedAt := time.Now()
		lost := m.serve(ctx, transport)
		if ctx.Err() != nil {
			return
		}
		uptime := time.Since(connectedAt)
		if uptime >= m.stableAfter() {
			attempt = 0
		} else {
			attempt++
		}
		m.options.Logger.Warn().Err(lost).Dur("uptime", uptime).Int("attempt", attempt).Msg("realtime connection lost")
		m.reportTransportError(ctx, "connection lost", lost)
		m.setState(ctx, StateDisconnected)
	}
}

// stableAfter is how long a connection must stay up before the backoff
// table starts over: the first non-zero delay of the table.
func (m *Manager) stableAfter() time.Duration {
	for _, delay := range m.options.ReconnectBackoff {
		if delay > 0 {
			return delay
		}
	}
	return defaultStableAfter
}

// serve runs one transport until it fails or ctx ends.
func (m *Manager) serve(ctx context.Context, transport Transport) error {
	m.mu.Lock()
	m.transport = transport
	m.announced = ""
	m.mu.Unlock()

	defer func() {
		_ = transport.Close()
		m.mu.Lock()
		m.transport = nil
		m.announced = ""
		m.mu.Unlock()
	}()

	frames := make(chan []byte, 64)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			frame, err := transport.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-stop:
				return
			}
		}
	}()

	m.setState(ctx, StateConnected)
	m.announce(ctx, transport)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.identityChanged:
			m.announce(ctx, transport)
		case frame := <-frames:
			m.handleFrame(ctx, frame)
		case err := <-readErr:
			m.drainFrames(ctx, frames)
			return err
		}
	}
}

// drainFrames handles frames the reader queued before it failed.
func (m *Manager) drainFrames(ctx context.Context, frames <-chan []byte) {
	for {
		select {
		case frame := <-frames:
			m.handleFrame(ctx, frame)
		default:
			return
		}
	}
}

func (m *Manager) announce(ctx context.Context, transport Transport) {
	m.mu.Lock()
	userID := m.identity
	already := m.announced
	m.mu.Unlock()

	if userID == "" || userID == already {
		return
	}

	payload, err := EncodeEnvelope(EventJoin, userID)
	if err != nil {
		m.options.Logger.Error().Err(err).Msg("encode join")
		return
	}
	if err := transport.WriteFrame(payload); err != nil {
		m.options.Logger.Warn().Err(err).Msg("announce identity")
		_ = transport.Close()
		return
	}

	m.mu.Lock()
	m.announced = userID
	m.mu.Unlock()

	m.options.Logger.Info().Str("user", userID).Msg("identity announced")
	m.emit(ctx, Event{Kind: EventAnnounced, Identity: userID})
}

func (m *Manager) handleFrame(ctx context.Context, frame []byte) {
	env, err := DecodeEnvelope(frame)
	if err != nil {
		m.options.Logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	if env.Event == EventError {
		m.reportTransportError(ctx, env.ErrorMessage(), nil)
		return
	}

	m.mu.Lock()
	announced := m.announced
	current := m.identity
	m.mu.Unlock()

	if announced == "" || announced != current {
		m.options.Logger.Debug().Str("event", env.Event).Str("announced", announced).Msg("dropping event for stale identity")
		return
	}

	m.emit(ctx, Event{Kind: EventInbound, Identity: announced, Envelope: env})
}

func (m *Manager) setState(ctx context.Context, state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	m.options.Logger.Debug().Str("state", string(state)).Msg("connection state")
	m.emit(ctx, Event{Kind: EventStateChanged, State: state})
}

func (m *Manager) reportTransportError(ctx context.Context, message string, err error) {
	m.emit(ctx, Event{Kind: EventTransportError, Err: &TransportError{Message: message, Err: err}})
}

// emit blocks while the run is live; once it is cancelled delivery becomes
// best effort so Disconnect never waits on a stalled consumer.
func (m *Manager) emit(ctx context.Context, event Event) {
	select {
	case m.events <- event:
		return
	case <-ctx.Done():
	}

	select {
	case m.events <- event:
	default:
		m.options.Logger.Debug().Str("kind", string(event.Kind)).Msg("event dropped after disconnect")
	}
}

func (m *Manager) backoffForAttempt(attempt int) time.Duration {
	backoff := m.options.ReconnectBackoff
	if len(backoff) == 0 {
		return 0
	}
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}
