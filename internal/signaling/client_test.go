package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamhook/media-processor/pkg/types"
)

var testUpgrader = websocket.Upgrader{}

// testServer is a minimal coordination-server double speaking the envelope
// protocol over a real websocket.
type testServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	received []envelope

	// respond maps an event name to the reply for a request carrying it
	respond func(env envelope) *envelope
}

func newTestServer(t *testing.T, respond func(env envelope) *envelope) *testServer {
	t.Helper()
	ts := &testServer{respond: respond}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()

		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			ts.mu.Lock()
			ts.received = append(ts.received, env)
			ts.mu.Unlock()

			if env.ID != 0 && ts.respond != nil {
				if reply := ts.respond(env); reply != nil {
					reply.ID = env.ID
					if err := conn.WriteJSON(reply); err != nil {
						return
					}
				}
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) push(t *testing.T, env envelope) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ts.mu.Lock()
		conn := ts.conn
		ts.mu.Unlock()
		if conn != nil {
			if err := conn.WriteJSON(env); err != nil {
				t.Fatalf("push failed: %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no client connection to push to")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (ts *testServer) lastReceived() (envelope, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.received) == 0 {
		return envelope{}, false
	}
	return ts.received[len(ts.received)-1], true
}

func connect(t *testing.T, ts *testServer) *Client {
	t.Helper()
	c := NewClient(ts.url())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallRoundTrip(t *testing.T) {
	ts := newTestServer(t, func(env envelope) *envelope {
		if env.Event != "getRtpCapabilities" {
			return &envelope{Error: "unexpected event"}
		}
		return &envelope{Data: json.RawMessage(`{"codecs":["video/VP8"]}`)}
	})
	c := connect(t, ts)

	var out struct {
		Codecs []string `json:"codecs"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Call(ctx, "getRtpCapabilities", nil, &out); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if len(out.Codecs) != 1 || out.Codecs[0] != "video/VP8" {
		t.Fatalf("response = %+v", out)
	}
}

func TestCallServerError(t *testing.T) {
	ts := newTestServer(t, func(env envelope) *envelope {
		return &envelope{Error: "producer not found"}
	})
	c := connect(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Call(ctx, "consume", ConsumeRequest{ProducerID: "ghost"}, nil)
	if err == nil {
		t.Fatalf("call with error payload succeeded")
	}
	if !strings.Contains(err.Error(), "producer not found") {
		t.Fatalf("error = %v", err)
	}
}

func TestCallSendsParams(t *testing.T) {
	ts := newTestServer(t, func(env envelope) *envelope {
		return &envelope{Data: json.RawMessage(`{}`)}
	})
	c := connect(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := CreateTransportRequest{Consuming: true}
	if err := c.Call(ctx, "createWebRtcTransport", req, nil); err != nil {
		t.Fatalf("call failed: %v", err)
	}

	env, ok := ts.lastReceived()
	if !ok {
		t.Fatalf("server received nothing")
	}
	if env.Event != "createWebRtcTransport" || env.ID == 0 {
		t.Fatalf("request envelope = %+v", env)
	}
	var got CreateTransportRequest
	if err := json.Unmarshal(env.Data, &got); err != nil || !got.Consuming {
		t.Fatalf("request data = %s", env.Data)
	}
}

func TestCallContextTimeout(t *testing.T) {
	// A server that never answers.
	ts := newTestServer(t, func(env envelope) *envelope { return nil })
	c := connect(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "getProducers", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestEventDispatch(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.url())

	got := make(chan json.RawMessage, 1)
	c.On("newProducer", func(data json.RawMessage) {
		got <- data
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ts.push(t, envelope{Event: "newProducer", Data: json.RawMessage(`{"producerId":"p1","streamId":"s1","kind":"video"}`)})

	select {
	case data := <-got:
		var ev NewProducerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
		if ev.ProducerID != "p1" || ev.StreamID != "s1" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not dispatched")
	}
}

func TestEmit(t *testing.T) {
	ts := newTestServer(t, nil)
	c := connect(t, ts)

	ev := ChatMessageEvent{
		StreamID: "s1",
		Message:  types.ChatMessage{Type: "system", Text: "hello"},
	}
	if err := c.Emit("chatMessage", ev); err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		env, ok := ts.lastReceived()
		if ok && env.Event == "chatMessage" {
			if env.ID != 0 {
				t.Fatalf("emit carried an id: %+v", env)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never received the emit")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCallAfterClose(t *testing.T) {
	ts := newTestServer(t, nil)
	c := connect(t, ts)
	c.Close()

	err := c.Call(context.Background(), "getProducers", nil, nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("error = %v, want ErrClosed", err)
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	ts := newTestServer(t, func(env envelope) *envelope { return nil })
	c := NewClient(ts.url())

	disconnected := make(chan struct{})
	c.OnDisconnect(func() { close(disconnected) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), "getProducers", nil, nil)
	}()

	// Give the call time to register, then drop the server side.
	time.Sleep(100 * time.Millisecond)
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	conn.Close()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), ErrClosed.Error()) {
			t.Fatalf("pending call error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call not failed after disconnect")
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("disconnect callback not fired")
	}
}
