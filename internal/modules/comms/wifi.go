package comms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/baseplate-os/baseplate/internal/eventbus"
)

const wifiHandshakeTimeout = 10 * time.Second

// wifiBridge connects to the command service gateway over a websocket
// and exchanges JSON-encoded command frames.
type wifiBridge struct {
	url     string
	receive receiveFunc
	dialer  *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWifiBridge(url string, receive receiveFunc) *wifiBridge {
	return &wifiBridge{
		url:     url,
		receive: receive,
		dialer: &websocket.Dialer{
			HandshakeTimeout: wifiHandshakeTimeout,
		},
	}
}

func (t *wifiBridge) Connect(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("comms: dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *wifiBridge) readLoop(conn *websocket.Conn) {
	for {
		var msg eventbus.CommsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		msg.Method = t.Method()
		t.receive(msg)
	}
}

func (t *wifiBridge) Send(cmd eventbus.CommsCommand) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("comms: wifi bridge not connected")
	}
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("comms: write: %w", err)
	}
	return nil
}

func (t *wifiBridge) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *wifiBridge) Method() string { return "wifi" }
