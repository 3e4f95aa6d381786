package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bridgewatch/internal/bus"
	"bridgewatch/internal/config"
	"bridgewatch/internal/gwerr"
)

// Manager owns the single push-channel socket for this client. Outbound
// calls are request/acknowledgement exchanges correlated by id; inbound
// push events are decoded and republished on the bus under the "gw."
// namespace. Reconnection after an involuntary drop is automatic,
// bounded in attempts, with a fixed inter-attempt delay.
type Manager struct {
	cfg    *config.Config
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan Frame
	connected bool
	closed    bool // user-initiated teardown
	token     string
	lastCode  gwerr.Code // last surfaced error code, for dedupe

	wmu sync.Mutex // serializes socket writes
}

// NewManager creates a connection manager. No socket is opened until
// Connect is called.
func NewManager(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     b,
		logger:  logger,
		pending: make(map[string]chan Frame),
	}
}

// Connect establishes the push channel, authenticating with the given
// bearer token. Idempotent: a healthy open connection is left alone.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.closed = false
	m.token = token
	m.mu.Unlock()

	if token == "" {
		return gwerr.New(gwerr.CodeAuthError, "missing bearer token")
	}

	if err := m.dial(ctx); err != nil {
		return err
	}
	m.clearSurfaced()
	m.bus.Emit(bus.KindConnUp, bus.ConnUp{Resync: false})
	return nil
}

// Close tears down the connection. This is the user-initiated path:
// no reconnect is attempted and dependent components clear their state
// on the conn.closed event.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.connected = false
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.failPending("connection closed")
	m.bus.Emit(bus.KindConnClosed, nil)
	m.logger.Info("push channel closed")
}

// IsConnected reports whether the push channel is currently open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Call issues one request/acknowledgement exchange. It returns once the
// ack arrives, the per-call budget elapses (timeout error, never an
// indefinite hang), or ctx is done. A negative ack surfaces the server's
// message classified onto the error taxonomy.
func (m *Manager) Call(ctx context.Context, op string, params, out any) error {
	frame, err := NewRequest(uuid.New().String(), op, params)
	if err != nil {
		return gwerr.Wrap(err, gwerr.CodeUnknown, "encode request")
	}

	ch := make(chan Frame, 1)
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return gwerr.New(gwerr.CodeConnectionFailed, "push channel is not connected")
	}
	conn := m.conn
	m.pending[frame.ID] = ch
	m.mu.Unlock()
	defer m.dropPending(frame.ID)

	if err := m.writeFrame(conn, frame); err != nil {
		return gwerr.Classify(err)
	}

	timer := time.NewTimer(m.cfg.CallTimeout())
	defer timer.Stop()

	select {
	case ack := <-ch:
		return decodeAck(op, ack, out)
	case <-timer.C:
		return gwerr.New(gwerr.CodeTimeout,
			fmt.Sprintf("no acknowledgement for %s within %s", op, m.cfg.CallTimeout()))
	case <-ctx.Done():
		return gwerr.Classify(ctx.Err())
	}
}

func decodeAck(op string, ack Frame, out any) error {
	if ack.Success == nil || !*ack.Success {
		msg := ack.Message
		if msg == "" {
			msg = op + " rejected"
		}
		return gwerr.New(gwerr.ClassifyMessage(ack.Message), msg)
	}
	if out != nil && len(ack.Data) > 0 {
		if err := json.Unmarshal(ack.Data, out); err != nil {
			return gwerr.Wrap(err, gwerr.CodeUnknown, "decode "+op+" ack")
		}
	}
	return nil
}

// dial opens the websocket and starts the read loop. Shared by Connect
// and the reconnect loop.
func (m *Manager) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout()}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.token)

	conn, resp, err := dialer.DialContext(ctx, m.cfg.GatewayURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return gwerr.Wrap(err, gwerr.CodeAuthError, "gateway rejected credentials")
		}
		return gwerr.Classify(err)
	}

	m.mu.Lock()
	m.conn = conn
	m.connected = true
	m.mu.Unlock()

	go m.readLoop(conn)
	m.logger.Info("push channel connected", zap.String("url", m.cfg.GatewayURL))
	return nil
}

func (m *Manager) writeFrame(conn *websocket.Conn, f Frame) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return conn.WriteJSON(f)
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		switch f.Type {
		case FrameTypeAck:
			m.dispatchAck(f)
		case FrameTypeEvent:
			m.dispatchEvent(f)
		default:
			m.logger.Debug("unknown frame type", zap.String("type", f.Type))
		}
	}
}

func (m *Manager) dispatchAck(f Frame) {
	m.mu.Lock()
	ch, ok := m.pending[f.ID]
	if ok {
		delete(m.pending, f.ID)
	}
	m.mu.Unlock()
	if ok {
		ch <- f
	}
}

// dispatchEvent decodes a named push event and republishes it as a typed
// payload under the "gw." bus namespace. Events may arrive at any time,
// including before any request has been made.
func (m *Manager) dispatchEvent(f Frame) {
	switch f.Event {
	case EventNewMessage:
		var evt NewMessageEvent
		if m.decodeEvent(f, &evt) {
			m.bus.Emit(bus.KindGwNewMessage, evt)
		}
	case EventChatUpdated:
		var evt ChatUpdatedEvent
		if m.decodeEvent(f, &evt) {
			m.bus.Emit(bus.KindGwChatUpdated, evt)
		}
	case EventChatsUpdated:
		var evt ChatsUpdatedEvent
		if m.decodeEvent(f, &evt) {
			m.bus.Emit(bus.KindGwChatsUpdated, evt)
		}
	case EventSessionStatus:
		var evt SessionStatusEvent
		if m.decodeEvent(f, &evt) {
			m.bus.Emit(bus.KindGwSessionStatus, evt)
		}
	default:
		m.logger.Debug("unhandled push event", zap.String("event", f.Event))
	}
}

func (m *Manager) decodeEvent(f Frame, out any) bool {
	if err := json.Unmarshal(f.Payload, out); err != nil {
		m.logger.Warn("malformed push event", zap.String("event", f.Event), zap.Error(err))
		return false
	}
	return true
}

// handleReadError classifies an involuntary drop and kicks off the
// reconnect loop. A user-initiated Close never reaches the reconnect
// path and is never surfaced as an error.
func (m *Manager) handleReadError(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.conn = nil
	m.mu.Unlock()

	cls := gwerr.Classify(err)
	m.logger.Warn("push channel dropped", zap.String("code", string(cls.Code)), zap.Error(err))
	m.failPending("connection lost")
	m.bus.Emit(bus.KindConnDown, string(cls.Code))
	go m.reconnect()
}

func (m *Manager) reconnect() {
	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		time.Sleep(m.cfg.ReconnectDelay())

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if err := m.dial(context.Background()); err != nil {
			m.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max", m.cfg.ReconnectAttempts),
				zap.Error(err))
			continue
		}

		m.clearSurfaced()
		// Cached state can no longer be trusted after a drop: tell the
		// registry to run a resynchronization pass.
		m.bus.Emit(bus.KindConnUp, bus.ConnUp{Resync: true})
		return
	}
	m.surfaceError(gwerr.New(gwerr.CodeConnectionFailed,
		fmt.Sprintf("gave up after %d reconnect attempts", m.cfg.ReconnectAttempts)))
}

// failPending delivers a synthetic negative ack to every in-flight call
// so callers fail promptly instead of waiting out their budgets.
func (m *Manager) failPending(reason string) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]chan Frame)
	m.mu.Unlock()

	success := false
	for id, ch := range pending {
		ch <- Frame{Type: FrameTypeAck, ID: id, Success: &success, Message: reason}
	}
}

func (m *Manager) dropPending(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// surfaceError publishes a connection-level error once per distinct
// failure code; repeats of the same code are suppressed until the
// connection recovers.
func (m *Manager) surfaceError(e *gwerr.Error) {
	m.mu.Lock()
	if m.lastCode == e.Code {
		m.mu.Unlock()
		return
	}
	m.lastCode = e.Code
	m.mu.Unlock()

	m.logger.Error("connection error", zap.String("code", string(e.Code)), zap.Error(e))
	m.bus.Emit(bus.KindConnError, e)
}

func (m *Manager) clearSurfaced() {
	m.mu.Lock()
	m.lastCode = ""
	m.mu.Unlock()
}
