package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"franklab/internal/bus"
)

const (
	// heartbeatStale marks a component disconnected when its last heartbeat
	// is older than this (3x the heartbeat interval).
	heartbeatStale = 3 * bus.HeartbeatInterval

	// outboundQueueSize bounds each consumer's delivery queue. A consumer
	// that lets it fill up is dropped as slow.
	outboundQueueSize = 256
)

// Options configures a Hub.
type Options struct {
	AuthToken    string
	EventLogSize int
	Logger       *zap.Logger
}

// componentConn is one registered component connection. The writer goroutine
// is the only writer on the websocket; delivery goes through the bounded
// outbound queue.
type componentConn struct {
	id       string
	version  string
	ws       *websocket.Conn
	outbound chan *bus.Message
	done     chan struct{}
	closeOne sync.Once

	mu            sync.Mutex
	lastHeartbeat time.Time
	registeredAt  time.Time
}

func (c *componentConn) touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *componentConn) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastHeartbeat) <= heartbeatStale
}

func (c *componentConn) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *componentConn) close(code websocket.StatusCode, reason string) {
	c.closeOne.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}

// Hub is the sole trusted router. It knows every live component id, delivers
// point-to-point messages, broadcasts events, and never retries delivery.
type Hub struct {
	opts Options
	log  *zap.Logger

	mu    sync.RWMutex
	conns map[string]*componentConn

	events *eventLog
}

// NewHub builds a Hub.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Hub{
		opts:   opts,
		log:    opts.Logger.Named("hub"),
		conns:  make(map[string]*componentConn),
		events: newEventLog(opts.EventLogSize),
	}
}

// Run drives the liveness sweeper until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(bus.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			h.reapStale()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.conns {
		c.close(websocket.StatusGoingAway, "bridge shutting down")
		delete(h.conns, id)
	}
}

func (h *Hub) reapStale() {
	h.mu.Lock()
	var stale []*componentConn
	for id, c := range h.conns {
		if !c.live() {
			stale = append(stale, c)
			delete(h.conns, id)
		}
	}
	h.mu.Unlock()
	for _, c := range stale {
		h.log.Warn("dropping stale component", zap.String("id", c.id))
		c.close(websocket.StatusPolicyViolation, "heartbeat expired")
	}
}

// HandleConnection owns one websocket from registration to close. It blocks
// until the connection ends.
func (h *Hub) HandleConnection(ctx context.Context, ws *websocket.Conn) {
	ws.SetReadLimit(16 << 20)

	conn, err := h.register(ctx, ws)
	if err != nil {
		h.log.Warn("registration failed", zap.Error(err))
		_ = ws.Close(websocket.StatusPolicyViolation, "registration failed")
		return
	}
	defer h.unregister(conn)

	go h.writeLoop(ctx, conn)
	h.announce(conn)
	h.readLoop(ctx, conn)
}

// register enforces the connection contract: a component.register frame with
// the shared token, and incumbent-wins duplicate handling.
func (h *Hub) register(ctx context.Context, ws *websocket.Conn) (*componentConn, error) {
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, data, err := ws.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("reading register frame: %w", err)
	}
	var msg bus.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding register frame: %w", err)
	}
	if msg.Type != bus.TypeRegister {
		return nil, fmt.Errorf("first frame must be %s, got %s", bus.TypeRegister, msg.Type)
	}
	var reg bus.RegisterPayload
	if err := msg.Decode(&reg); err != nil {
		return nil, err
	}

	reject := func(reason string) (*componentConn, error) {
		reply, rerr := msg.Reply(bus.ComponentBridge, bus.TypeRegistered, bus.RegisteredPayload{OK: false, Error: reason})
		if rerr == nil {
			_ = writeRaw(ctx, ws, reply)
		}
		return nil, fmt.Errorf("rejected %q: %s", reg.ID, reason)
	}

	if reg.ID == "" {
		return reject("missing component id")
	}
	if h.opts.AuthToken != "" && reg.Token != h.opts.AuthToken {
		return reject("invalid auth token")
	}

	conn := &componentConn{
		id:       reg.ID,
		version:  reg.Version,
		ws:       ws,
		outbound: make(chan *bus.Message, outboundQueueSize),
		done:     make(chan struct{}),
	}
	conn.registeredAt = time.Now()
	conn.touch()

	h.mu.Lock()
	if existing, ok := h.conns[reg.ID]; ok {
		if existing.live() {
			h.mu.Unlock()
			return reject("id already connected")
		}
		// Dead incumbent: replace it.
		existing.close(websocket.StatusPolicyViolation, "superseded")
	}
	h.conns[reg.ID] = conn
	h.mu.Unlock()

	reply, err := msg.Reply(bus.ComponentBridge, bus.TypeRegistered, bus.RegisteredPayload{OK: true})
	if err != nil {
		return nil, err
	}
	if err := writeRaw(ctx, ws, reply); err != nil {
		h.unregister(conn)
		return nil, fmt.Errorf("sending registration ack: %w", err)
	}
	h.log.Info("component registered", zap.String("id", reg.ID), zap.String("version", reg.Version))
	return conn, nil
}

// announce tells every other component about the new arrival.
func (h *Hub) announce(conn *componentConn) {
	msg, err := bus.New(bus.ComponentBridge, bus.TargetBroadcast, bus.TypeVersionAnnounce, bus.VersionAnnouncePayload{
		ID:      conn.id,
		Version: conn.version,
	})
	if err != nil {
		return
	}
	for _, peer := range h.snapshot() {
		if peer.id == conn.id {
			continue
		}
		h.enqueue(peer, msg, nil)
	}
}

func (h *Hub) unregister(conn *componentConn) {
	h.mu.Lock()
	if h.conns[conn.id] == conn {
		delete(h.conns, conn.id)
	}
	h.mu.Unlock()
	conn.close(websocket.StatusNormalClosure, "")
	h.log.Info("component disconnected", zap.String("id", conn.id))
}

func (h *Hub) readLoop(ctx context.Context, conn *componentConn) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return
		}
		conn.touch()

		var msg bus.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("dropping malformed frame", zap.String("from", conn.id), zap.Error(err))
			continue
		}
		if msg.Type == bus.TypeHeartbeat {
			continue
		}
		h.route(conn, &msg)
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *componentConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case msg := <-conn.outbound:
			if err := writeRaw(ctx, conn.ws, msg); err != nil {
				h.log.Debug("write failed", zap.String("to", conn.id), zap.Error(err))
				conn.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// route applies the routing rules: deliver point-to-point once, fan
// broadcasts out to everyone but the sender, and log a projection of every
// routed message.
func (h *Hub) route(sender *componentConn, msg *bus.Message) {
	h.events.Append(msg)

	if msg.Target == bus.TargetBroadcast {
		for _, peer := range h.snapshot() {
			if peer.id == sender.id {
				continue
			}
			h.enqueue(peer, msg, sender)
		}
		return
	}

	h.mu.RLock()
	target, ok := h.conns[msg.Target]
	h.mu.RUnlock()
	if !ok {
		h.notifyUndeliverable(sender, msg, "unknown_target")
		return
	}
	if !target.live() {
		h.notifyUndeliverable(sender, msg, "target_offline")
		return
	}
	h.enqueue(target, msg, sender)
}

// enqueue attempts a non-blocking delivery. A full queue means the consumer
// is too slow: it is dropped and the sender is told.
func (h *Hub) enqueue(target *componentConn, msg *bus.Message, sender *componentConn) {
	select {
	case target.outbound <- msg:
	default:
		h.log.Warn("dropping slow consumer", zap.String("id", target.id))
		h.unregister(target)
		if sender != nil {
			notice, err := bus.New(bus.ComponentBridge, sender.id, bus.TypeSlowConsumer, bus.SlowConsumerPayload{ID: target.id})
			if err == nil {
				select {
				case sender.outbound <- notice:
				default:
				}
			}
		}
	}
}

func (h *Hub) notifyUndeliverable(sender *componentConn, msg *bus.Message, reason string) {
	notice, err := bus.New(bus.ComponentBridge, sender.id, bus.TypeUndeliverable, bus.UndeliverablePayload{
		OriginalID: msg.ID,
		Target:     msg.Target,
		Reason:     reason,
	})
	if err != nil {
		return
	}
	notice.CorrelationID = msg.ID
	h.enqueue(sender, notice, nil)
}

func (h *Hub) snapshot() []*componentConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*componentConn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// ComponentHealth is one entry in the /health report.
type ComponentHealth struct {
	ID            string    `json:"id"`
	Version       string    `json:"version"`
	Live          bool      `json:"live"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	RegisteredAt  time.Time `json:"registeredAt"`
}

// Health reports per-component liveness.
func (h *Hub) Health() []ComponentHealth {
	conns := h.snapshot()
	out := make([]ComponentHealth, 0, len(conns))
	for _, c := range conns {
		out = append(out, ComponentHealth{
			ID:            c.id,
			Version:       c.version,
			Live:          c.live(),
			LastHeartbeat: c.lastSeen(),
			RegisteredAt:  c.registeredAt,
		})
	}
	return out
}

// Events returns the recent event log, newest last.
func (h *Hub) Events(limit int) []EventRecord {
	return h.events.Recent(limit)
}

func writeRaw(ctx context.Context, ws *websocket.Conn, msg *bus.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
