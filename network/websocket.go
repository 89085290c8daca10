package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one open realtime connection.
type Transport interface {
	// ReadFrame blocks until the next frame or a terminal error.
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials gorilla websocket transports with keep-alive.
type WebsocketDialer struct {
	Header       http.Header
	PingInterval time.Duration
	// PongWait is how long a read may stall before the peer is considered
	// gone. Defaults to twice the ping interval.
	PongWait  time.Duration
	WriteWait time.Duration
	ReadLimit int64
}

// Dial opens a websocket and starts its ping loop.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	pingInterval := d.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	pongWait := d.PongWait
	if pongWait <= 0 {
		pongWait = 2 * pingInterval
	}
	writeWait := d.WriteWait
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = MaxFrameSize
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DefaultDialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	t := &websocketTransport{
		conn:      conn,
		writeWait: writeWait,
		closed:    make(chan struct{}),
	}
	go t.pingLoop(pingInterval)
	return t, nil
}

type websocketTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func (t *websocketTransport) ReadFrame() ([]byte, error) {
	for {
		msgType, payload, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (t *websocketTransport) WriteFrame(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *websocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.writeWait),
		)
		err = t.conn.Close()
	})
	return err
}

func (t *websocketTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait)); err != nil {
				_ = t.Close()
				return
			}
		case <-t.closed:
			return
		}
	}
}
