package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/streamhook/media-processor/internal/logger"
)

// ErrClosed is returned by Call when the connection has been closed.
var ErrClosed = errors.New("signaling: connection closed")

// Handler receives the payload of one inbound server event.
type Handler func(data json.RawMessage)

// envelope is the wire format: events carry Event+Data, requests carry
// Event+ID+Data, responses carry ID and either Data or Error.
type envelope struct {
	Event string          `json:"event,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Client is a websocket event/RPC client for the coordination server
type Client struct {
	url string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]chan envelope
	handlers map[string]Handler

	nextID atomic.Uint64

	onDisconnect func()

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client for the given server URL (ws:// or wss://)
func NewClient(url string) *Client {
	return &Client{
		url:      url,
		pending:  make(map[uint64]chan envelope),
		handlers: make(map[string]Handler),
		closed:   make(chan struct{}),
	}
}

// On registers a handler for a named server event. Must be called before
// Connect; handlers run on their own goroutine so they may issue Calls.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// OnDisconnect registers a callback invoked once when the connection drops
func (c *Client) OnDisconnect(f func()) {
	c.onDisconnect = f
}

// Connect dials the server and starts the read loop
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial signaling server: %w", err)
	}
	c.conn = conn

	go c.readLoop()

	logger.Info("Signaling", "Connected to server: %s", c.url)
	return nil
}

// readLoop reads envelopes and dispatches responses and events
func (c *Client) readLoop() {
	defer c.teardown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				logger.Warn("Signaling", "Read error: %v", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("Signaling", "Malformed message: %v", err)
			continue
		}

		// Responses carry an ID and no event name
		if env.ID != 0 && env.Event == "" {
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		c.mu.Lock()
		h := c.handlers[env.Event]
		c.mu.Unlock()

		if h == nil {
			logger.Debug("Signaling", "Unhandled event: %s", env.Event)
			continue
		}
		// Handlers may issue Calls, which are answered by this loop.
		go h(env.Data)
	}
}

// teardown fails all pending calls and fires the disconnect callback
func (c *Client) teardown() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan envelope)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- envelope{ID: id, Error: ErrClosed.Error()}
	}

	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

// Call issues a request and decodes the response payload into out (which
// may be nil). Returns an error for transport failures, context expiry, or
// an error payload from the server.
func (c *Client) Call(ctx context.Context, event string, params any, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan envelope, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(envelope{Event: event, ID: id, Data: marshal(params)}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	case resp := <-ch:
		if resp.Error != "" {
			return fmt.Errorf("signaling: %s failed: %s", event, resp.Error)
		}
		if out != nil {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("signaling: malformed %s response: %w", event, err)
			}
		}
		return nil
	}
}

// Emit sends a fire-and-forget event to the server
func (c *Client) Emit(event string, payload any) error {
	return c.send(envelope{Event: event, Data: marshal(payload)})
}

func (c *Client) send(env envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("signaling write failed: %w", err)
	}
	return nil
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Signaling", "Marshal failed: %v", err)
		return nil
	}
	return data
}
