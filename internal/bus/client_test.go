package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"franklab/internal/types"
)

// startTestBridge runs a minimal bridge: it acks registration and hands
// every other non-heartbeat frame to onMsg.
func startTestBridge(t *testing.T, onMsg func(ctx context.Context, conn *websocket.Conn, msg *Message)) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg Message
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			switch msg.Type {
			case TypeHeartbeat:
			case TypeRegister:
				if reply, rerr := msg.Reply(ComponentBridge, TypeRegistered, RegisteredPayload{OK: true}); rerr == nil {
					writeTestFrame(ctx, conn, reply)
				}
			default:
				onMsg(ctx, conn, &msg)
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func writeTestFrame(ctx context.Context, conn *websocket.Conn, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Log("client did not stop in time")
		}
	})
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
}

func (c *Client) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func TestRequestCorrelatedReplySingleFire(t *testing.T) {
	url := startTestBridge(t, func(ctx context.Context, conn *websocket.Conn, msg *Message) {
		// Reply twice with the same correlation id: only the first may
		// complete the request.
		for _, result := range []string{"first", "second"} {
			if reply, err := msg.Reply(ComponentFrank, TypeBrowserResult,
				BrowserResultPayload{OK: true, Result: result}); err == nil {
				writeTestFrame(ctx, conn, reply)
			}
		}
	})

	c := NewClient(ClientOptions{ID: "igor", Version: "test", URL: url})
	strays := make(chan *Message, 4)
	c.Handle(TypeBrowserResult, func(_ context.Context, m *Message) { strays <- m })
	runClient(t, c)

	reply, err := c.Request(context.Background(), ComponentFrank, TypeBrowserNavigate,
		map[string]any{"url": "http://example.test"}, 3*time.Second)
	require.NoError(t, err)
	var res BrowserResultPayload
	require.NoError(t, reply.Decode(&res))
	assert.Equal(t, "first", res.Result)

	// The duplicate finds its slot purged and surfaces as an event instead.
	select {
	case m := <-strays:
		var dup BrowserResultPayload
		require.NoError(t, m.Decode(&dup))
		assert.Equal(t, "second", dup.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate reply was never dispatched")
	}
	assert.Zero(t, c.pendingCount())
}

func TestRequestTimeoutPurgesSlot(t *testing.T) {
	release := make(chan struct{})
	url := startTestBridge(t, func(ctx context.Context, conn *websocket.Conn, msg *Message) {
		go func() {
			select {
			case <-release:
			case <-ctx.Done():
				return
			}
			if reply, err := msg.Reply(ComponentFrank, TypeBrowserResult,
				BrowserResultPayload{OK: true, Result: "too late"}); err == nil {
				writeTestFrame(ctx, conn, reply)
			}
		}()
	})

	c := NewClient(ClientOptions{ID: "igor", Version: "test", URL: url})
	late := make(chan *Message, 1)
	c.Handle(TypeBrowserResult, func(_ context.Context, m *Message) { late <- m })
	runClient(t, c)

	_, err := c.Request(context.Background(), ComponentFrank, TypeBrowserNavigate, nil, 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, types.KindBrowserTimeout, types.KindOf(err))
	assert.Zero(t, c.pendingCount(), "timed-out request must purge its slot")

	// The late reply never reaches a requester; it flows as an event.
	close(release)
	select {
	case m := <-late:
		assert.NotEmpty(t, m.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("late reply was never dispatched")
	}
}

func TestRunStopsOnRegistrationRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		if reply, rerr := msg.Reply(ComponentBridge, TypeRegistered,
			RegisteredPayload{OK: false, Error: "invalid auth token"}); rerr == nil {
			writeTestFrame(ctx, conn, reply)
		}
		_, _, _ = conn.Read(ctx) // hold until the client hangs up
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ClientOptions{ID: "igor", Version: "test", URL: "ws" + strings.TrimPrefix(ts.URL, "http")})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge rejected registration")
	assert.Contains(t, err.Error(), "invalid auth token")
}
