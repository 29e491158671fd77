package bridge

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

	"franklab/internal/bus"
)

func startHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	hub := NewHub(opts)
	srv := NewServer(hub, ServerOptions{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http") + "/bus"
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg *bus.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readMsg(t *testing.T, conn *websocket.Conn) *bus.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg bus.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

// readType skips unrelated frames (version.announce, mostly) until a frame
// of the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string) *bus.Message {
	t.Helper()
	for i := 0; i < 10; i++ {
		if msg := readMsg(t, conn); msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s frame received", typ)
	return nil
}

func registerComponent(t *testing.T, url, id, token string) *websocket.Conn {
	t.Helper()
	conn := dialRaw(t, url)
	reg, err := bus.New(id, bus.ComponentBridge, bus.TypeRegister,
		bus.RegisterPayload{ID: id, Version: "test", Token: token})
	require.NoError(t, err)
	sendMsg(t, conn, reg)
	ack := readType(t, conn, bus.TypeRegistered)
	var p bus.RegisteredPayload
	require.NoError(t, ack.Decode(&p))
	require.True(t, p.OK, p.Error)
	return conn
}

func TestHubRejectsBadToken(t *testing.T) {
	_, url := startHub(t, Options{AuthToken: "secret"})
	registerComponent(t, url, bus.ComponentDoctor, "secret")

	conn := dialRaw(t, url)
	reg, err := bus.New("igor", bus.ComponentBridge, bus.TypeRegister,
		bus.RegisterPayload{ID: "igor", Version: "test", Token: "wrong"})
	require.NoError(t, err)
	sendMsg(t, conn, reg)
	ack := readType(t, conn, bus.TypeRegistered)
	var p bus.RegisteredPayload
	require.NoError(t, ack.Decode(&p))
	assert.False(t, p.OK)
	assert.Equal(t, "invalid auth token", p.Error)
}

func TestHubDuplicateRegistrationIncumbentWins(t *testing.T) {
	hub, url := startHub(t, Options{})
	registerComponent(t, url, "igor", "")

	dup := dialRaw(t, url)
	reg, err := bus.New("igor", bus.ComponentBridge, bus.TypeRegister,
		bus.RegisterPayload{ID: "igor", Version: "test"})
	require.NoError(t, err)
	sendMsg(t, dup, reg)
	ack := readType(t, dup, bus.TypeRegistered)
	var p bus.RegisteredPayload
	require.NoError(t, ack.Decode(&p))
	assert.False(t, p.OK)
	assert.Equal(t, "id already connected", p.Error)

	health := hub.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "igor", health[0].ID)
	assert.True(t, health[0].Live)
}

func TestHubReplacesDeadIncumbent(t *testing.T) {
	hub, url := startHub(t, Options{})
	registerComponent(t, url, "igor", "")

	hub.mu.RLock()
	old := hub.conns["igor"]
	hub.mu.RUnlock()
	old.mu.Lock()
	old.lastHeartbeat = time.Now().Add(-time.Minute)
	old.mu.Unlock()

	registerComponent(t, url, "igor", "")

	hub.mu.RLock()
	current := hub.conns["igor"]
	hub.mu.RUnlock()
	require.NotSame(t, old, current)
	select {
	case <-old.done:
	default:
		t.Fatal("superseded connection was not closed")
	}
}

func TestHubUndeliverableUnknownTarget(t *testing.T) {
	_, url := startHub(t, Options{})
	doctor := registerComponent(t, url, bus.ComponentDoctor, "")

	msg, err := bus.New(bus.ComponentDoctor, "igor", bus.TypePlanSubmit, nil)
	require.NoError(t, err)
	sendMsg(t, doctor, msg)

	notice := readType(t, doctor, bus.TypeUndeliverable)
	assert.Equal(t, msg.ID, notice.CorrelationID)
	var p bus.UndeliverablePayload
	require.NoError(t, notice.Decode(&p))
	assert.Equal(t, msg.ID, p.OriginalID)
	assert.Equal(t, "igor", p.Target)
	assert.Equal(t, "unknown_target", p.Reason)
}

func TestHubUndeliverableTargetOffline(t *testing.T) {
	hub, url := startHub(t, Options{})
	doctor := registerComponent(t, url, bus.ComponentDoctor, "")
	registerComponent(t, url, "igor", "")

	hub.mu.RLock()
	igor := hub.conns["igor"]
	hub.mu.RUnlock()
	igor.mu.Lock()
	igor.lastHeartbeat = time.Now().Add(-time.Minute)
	igor.mu.Unlock()

	msg, err := bus.New(bus.ComponentDoctor, "igor", bus.TypePlanSubmit, nil)
	require.NoError(t, err)
	sendMsg(t, doctor, msg)

	notice := readType(t, doctor, bus.TypeUndeliverable)
	var p bus.UndeliverablePayload
	require.NoError(t, notice.Decode(&p))
	assert.Equal(t, "target_offline", p.Reason)
}

func TestHubRoutesPointToPointAndBroadcast(t *testing.T) {
	_, url := startHub(t, Options{})
	doctor := registerComponent(t, url, bus.ComponentDoctor, "")
	igor := registerComponent(t, url, "igor", "")
	readType(t, doctor, bus.TypeVersionAnnounce) // igor's arrival

	direct, err := bus.New(bus.ComponentDoctor, "igor", bus.TypePlanCancel,
		bus.PlanCancelPayload{PlanID: "p1"})
	require.NoError(t, err)
	sendMsg(t, doctor, direct)
	got := readType(t, igor, bus.TypePlanCancel)
	assert.Equal(t, direct.ID, got.ID)
	assert.Equal(t, bus.ComponentDoctor, got.Source)

	bcast, err := bus.New(bus.ComponentDoctor, bus.TargetBroadcast, bus.TypeToolCreated,
		bus.ToolCreatedPayload{ID: "t1", Name: "auto_wait_abc123"})
	require.NoError(t, err)
	sendMsg(t, doctor, bcast)
	got = readType(t, igor, bus.TypeToolCreated)
	assert.Equal(t, bus.TargetBroadcast, got.Target)

	// The sender never hears its own broadcast.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, _, err = doctor.Read(ctx)
	require.Error(t, err)
}

// wsServerConn returns the server side of a live websocket pair, for
// building componentConns by hand.
func wsServerConn(t *testing.T) *websocket.Conn {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		connCh <- c
		<-done
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	server := <-connCh
	t.Cleanup(func() {
		_ = client.Close(websocket.StatusNormalClosure, "")
		_ = server.Close(websocket.StatusNormalClosure, "")
		close(done)
		ts.Close()
	})
	return server
}

func TestHubDropsSlowConsumer(t *testing.T) {
	h := NewHub(Options{})
	slow := &componentConn{
		id:       "igor",
		ws:       wsServerConn(t),
		outbound: make(chan *bus.Message), // no reader: the first enqueue overflows
		done:     make(chan struct{}),
	}
	sender := &componentConn{
		id:       bus.ComponentDoctor,
		ws:       wsServerConn(t),
		outbound: make(chan *bus.Message, 4),
		done:     make(chan struct{}),
	}
	slow.touch()
	sender.touch()
	h.conns["igor"] = slow
	h.conns[bus.ComponentDoctor] = sender

	msg, err := bus.New(bus.ComponentDoctor, "igor", bus.TypePlanSubmit, nil)
	require.NoError(t, err)
	h.route(sender, msg)

	h.mu.RLock()
	_, still := h.conns["igor"]
	h.mu.RUnlock()
	assert.False(t, still, "slow consumer must be dropped")
	select {
	case <-slow.done:
	default:
		t.Fatal("slow consumer connection was not closed")
	}

	require.Len(t, sender.outbound, 1)
	notice := <-sender.outbound
	assert.Equal(t, bus.TypeSlowConsumer, notice.Type)
	var p bus.SlowConsumerPayload
	require.NoError(t, notice.Decode(&p))
	assert.Equal(t, "igor", p.ID)
}
