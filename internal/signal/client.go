package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 20 * time.Second
	pingWriteWait       = 5 * time.Second
)

// TransportError wraps a signaling send failure. Callers that treat signaling
// as fire-and-forget can log it; the relay is responsible for retry.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("signaling send: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Handler receives the raw payload of one inbound signaling message.
type Handler func(payload json.RawMessage)

// Client is a websocket connection to the room relay.
//
// Inbound messages are dispatched serially on the read loop goroutine, in
// arrival order; a handler never runs concurrently with another handler of
// the same client. Handlers registered with On stay attached until Off or
// Close, so owners must deregister when their session ends.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	handlersMu sync.Mutex
	handlers   map[string]Handler

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the relay websocket endpoint and starts the read and
// keepalive loops.
func Dial(ctx context.Context, rawURL string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", rawURL, err)
	}

	c := &Client{
		log:      log,
		conn:     conn,
		handlers: make(map[string]Handler),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Send marshals payload and writes one envelope. A nil payload sends a bare
// typed message.
func (c *Client) Send(msgType string, payload any) error {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// On registers the handler for one message type, replacing any previous one.
func (c *Client) On(msgType string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[msgType] = h
	c.handlersMu.Unlock()
}

// Off deregisters the handler for one message type.
func (c *Client) Off(msgType string) {
	c.handlersMu.Lock()
	delete(c.handlers, msgType)
	c.handlersMu.Unlock()
}

// Done is closed when the connection is gone, either by Close or because the
// read loop hit an error.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Close shuts the connection down. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("signaling read failed", "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed signaling message", "err", err)
			continue
		}

		c.handlersMu.Lock()
		h := c.handlers[env.Type]
		c.handlersMu.Unlock()

		if h == nil {
			c.log.Warn("ignoring signaling message with no handler", "type", env.Type)
			continue
		}
		h(env.Payload)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(defaultPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait))
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warn("signaling ping failed", "err", err)
				}
				return
			}
		}
	}
}
