package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"franklab/internal/types"
)

// HeartbeatInterval is how often a connected component pings the Bridge.
const HeartbeatInterval = 5 * time.Second

// DefaultRequestTimeout bounds Request when the caller's context has no
// deadline of its own.
const DefaultRequestTimeout = 30 * time.Second

// maxUncaughtPanics is the per-session ceiling on recovered handler panics
// before the process gives up.
const maxUncaughtPanics = 10

// ErrNotConnected is returned when an operation needs a live bridge
// connection and there is none.
var ErrNotConnected = errors.New("bus: not connected to bridge")

// Handler processes one inbound message. Handlers for distinct messages run
// concurrently; a handler needing per-plan ordering must serialize on the
// plan key itself.
type Handler func(ctx context.Context, msg *Message)

// ClientOptions configures a bus client.
type ClientOptions struct {
	ID      string
	Version string
	URL     string
	Token   string
	Logger  *zap.Logger

	// Reconnect schedule. MaxAttempts 0 means retry forever.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	MaxAttempts      int
}

// Client is a component's connection to the Bridge: registration,
// heartbeats, typed dispatch, correlation-tracked requests, and reconnect.
type Client struct {
	opts ClientOptions
	log  *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	handlersMu     sync.RWMutex
	handlers       map[string]Handler
	defaultHandler Handler
	onConnect      []func(ctx context.Context)

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	unknownLogged sync.Map // type -> struct{}, log unknown_action once per type
	panics        atomic.Int64
}

// NewClient builds a client; Run establishes the connection.
func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Client{
		opts:     opts,
		log:      opts.Logger.Named("bus"),
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan *Message),
	}
}

// ID returns the component id this client registers as.
func (c *Client) ID() string {
	return c.opts.ID
}

// Handle registers a typed message handler. Must be called before Run.
func (c *Client) Handle(typ string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[typ] = h
}

// HandleDefault registers the fallback for unmatched types.
func (c *Client) HandleDefault(h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.defaultHandler = h
}

// OnConnect registers a callback invoked after every successful
// registration, including reconnects.
func (c *Client) OnConnect(fn func(ctx context.Context)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Connected reports whether a registered connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run connects and serves until ctx is cancelled. Lost connections are
// re-established on an exponential schedule; registration rejections are
// terminal.
func (c *Client) Run(ctx context.Context) error {
	sched := backoff.NewExponentialBackOff()
	sched.InitialInterval = c.opts.ReconnectInitial
	sched.MaxInterval = c.opts.ReconnectMax
	sched.MaxElapsedTime = 0

	attempts := 0
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var rej *registrationRejected
		if errors.As(err, &rej) {
			return fmt.Errorf("bridge rejected registration: %s", rej.reason)
		}
		attempts++
		if c.opts.MaxAttempts > 0 && attempts >= c.opts.MaxAttempts {
			return fmt.Errorf("giving up after %d connection attempts: %w", attempts, err)
		}
		delay := sched.NextBackOff()
		c.log.Warn("bridge connection lost, reconnecting",
			zap.Error(err), zap.Duration("delay", delay), zap.Int("attempt", attempts))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

type registrationRejected struct{ reason string }

func (r *registrationRejected) Error() string {
	return "registration rejected: " + r.reason
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{})
	cancel()
	if err != nil {
		return fmt.Errorf("dialing bridge: %w", err)
	}
	conn.SetReadLimit(16 << 20) // screenshots ride the bus

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	if err := c.register(ctx, conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.log.Info("registered with bridge", zap.String("id", c.opts.ID))

	c.handlersMu.RLock()
	callbacks := append([]func(ctx context.Context){}, c.onConnect...)
	c.handlersMu.RUnlock()
	for _, fn := range callbacks {
		go fn(ctx)
	}

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	go c.heartbeatLoop(serveCtx)

	for {
		_, data, err := conn.Read(serveCtx)
		if err != nil {
			return fmt.Errorf("bridge read: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(serveCtx, &msg)
	}
}

func (c *Client) register(ctx context.Context, conn *websocket.Conn) error {
	reg, err := New(c.opts.ID, ComponentBridge, TypeRegister, RegisterPayload{
		ID:      c.opts.ID,
		Version: c.opts.Version,
		Token:   c.opts.Token,
	})
	if err != nil {
		return err
	}
	if err := writeMessage(ctx, conn, reg); err != nil {
		return fmt.Errorf("sending register: %w", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return fmt.Errorf("awaiting registration ack: %w", err)
	}
	var ack Message
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("decoding registration ack: %w", err)
	}
	var payload RegisteredPayload
	if err := ack.Decode(&payload); err != nil {
		return err
	}
	if !payload.OK {
		return &registrationRejected{reason: payload.Error}
	}
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := New(c.opts.ID, ComponentBridge, TypeHeartbeat, nil)
			if err != nil {
				continue
			}
			if err := c.Send(ctx, msg); err != nil {
				c.log.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// dispatch routes an inbound message: correlated replies fill their pending
// slot (single-fire; late replies are dropped), everything else goes to the
// typed handler.
func (c *Client) dispatch(ctx context.Context, msg *Message) {
	if msg.CorrelationID != "" {
		c.pendingMu.Lock()
		slot, ok := c.pending[msg.CorrelationID]
		if ok {
			delete(c.pending, msg.CorrelationID)
		}
		c.pendingMu.Unlock()
		if ok {
			slot <- msg
			return
		}
		// A purged correlation id means the requester timed out; the reply
		// is unreliable and must be discarded. Events derived from requests
		// (correlationId set, but no slot) still flow to handlers.
	}

	c.handlersMu.RLock()
	handler, ok := c.handlers[msg.Type]
	fallback := c.defaultHandler
	c.handlersMu.RUnlock()

	if !ok {
		if fallback != nil {
			handler = fallback
		} else {
			c.replyUnknown(ctx, msg)
			return
		}
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				n := c.panics.Add(1)
				c.log.Error("recovered handler panic",
					zap.Any("panic", r), zap.String("type", msg.Type), zap.Int64("count", n))
				if n > maxUncaughtPanics {
					c.log.Fatal("too many uncaught panics this session")
				}
			}
		}()
		handler(ctx, msg)
	}()
}

// replyUnknown answers an unhandled request type once and logs once.
func (c *Client) replyUnknown(ctx context.Context, msg *Message) {
	if _, seen := c.unknownLogged.LoadOrStore(msg.Type, struct{}{}); !seen {
		c.log.Warn("no handler for message type", zap.String("type", msg.Type))
	}
	if msg.Target == TargetBroadcast || msg.CorrelationID != "" {
		return
	}
	reply, err := msg.Reply(c.opts.ID, TypeError, ErrorPayload{
		Error: types.Errorf(types.KindUnknownAction, "unhandled message type %q", msg.Type),
	})
	if err != nil {
		return
	}
	_ = c.Send(ctx, reply)
}

// Send writes one message to the bridge.
func (c *Client) Send(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return writeMessage(ctx, conn, msg)
}

// Emit builds and sends a fire-and-forget message.
func (c *Client) Emit(ctx context.Context, target, typ string, payload any) error {
	msg, err := New(c.opts.ID, target, typ, payload)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// Broadcast sends to every other connected component.
func (c *Client) Broadcast(ctx context.Context, typ string, payload any) error {
	return c.Emit(ctx, TargetBroadcast, typ, payload)
}

// Request sends a message and waits for the matching correlated reply. The
// slot is purged on timeout so late replies are discarded.
func (c *Client) Request(ctx context.Context, target, typ string, payload any, timeout time.Duration) (*Message, error) {
	msg, err := New(c.opts.ID, target, typ, payload)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	slot := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = slot
	c.pendingMu.Unlock()
	purge := func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}

	if err := c.Send(ctx, msg); err != nil {
		purge()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-slot:
		if reply.Type == TypeError || reply.Type == TypeUndeliverable {
			return reply, decodeErrorReply(reply)
		}
		return reply, nil
	case <-timer.C:
		purge()
		return nil, types.Errorf(types.KindBrowserTimeout, "no reply to %s within %s", typ, timeout).
			With("requestId", msg.ID).With("target", target)
	case <-ctx.Done():
		purge()
		return nil, ctx.Err()
	}
}

func decodeErrorReply(msg *Message) error {
	if msg.Type == TypeUndeliverable {
		var p UndeliverablePayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		return types.Errorf(types.KindUndeliverable, "message %s to %s: %s", p.OriginalID, p.Target, p.Reason)
	}
	var p ErrorPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.Error == nil {
		return types.NewError(types.KindUnexpected, "empty error reply")
	}
	return p.Error
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
