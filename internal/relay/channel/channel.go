// Package channel owns the single logical websocket connection to the
// backend: connect, handshake auth, reconnect with a fixed delay, outbound
// emission, inbound dispatch, and request/ack correlation.
package channel

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"npcwire/internal/protocol"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// AckFunc answers a correlated inbound frame. Nil when the sender did not
// ask for an ack. Safe to call at most once; later calls are ignored.
type AckFunc func(protocol.AckResult)

// Handler consumes one inbound frame's payload. Handlers for the same
// event name run in order on a dedicated task; handlers for different
// names run independently.
type Handler func(data json.RawMessage, ack AckFunc)

type Config struct {
	URL   string
	Token string
	Self  protocol.SelfDescription

	// Capabilities provides the action catalog re-sent on every
	// (re)connect. Called once; the result is cached.
	Capabilities func() []protocol.Capability

	ReconnectDelay   time.Duration // default 5s
	CapabilityDelay  time.Duration // default 2s
	HandshakeTimeout time.Duration // default 5s
	WriteTimeout     time.Duration // default 5s
}

func (c *Config) fillDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.CapabilityDelay <= 0 {
		c.CapabilityDelay = 2 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Channel is the resilient duplex connection. One instance per process,
// constructed in cmd and passed by reference.
type Channel struct {
	cfg Config
	log *zap.Logger

	dial func(url string) (*websocket.Conn, *http.Response, error)

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	intentional bool
	attempts    int
	reconnects  uint64
	gen         uint64 // bumped per connection attempt; guards stale callbacks
	reconnectTm *time.Timer
	capTm       *time.Timer

	writeMu sync.Mutex

	handlers map[string]*handlerQueue

	pendingMu sync.Mutex
	pending   map[string]func(protocol.AckResult)

	capOnce   sync.Once
	capCached []protocol.Capability

	onConnect    []func()
	onDisconnect []func(err error)
}

func New(cfg Config, log *zap.Logger) *Channel {
	cfg.fillDefaults()
	ch := &Channel{
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]*handlerQueue),
		pending:  make(map[string]func(protocol.AckResult)),
	}
	dialer := &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	ch.dial = func(url string) (*websocket.Conn, *http.Response, error) {
		return dialer.Dial(url, http.Header{})
	}
	return ch
}

// SetCapabilityProvider installs the catalog source used for the
// capability report. Call before Connect; the provider runs once and the
// result is cached for the life of the process.
func (ch *Channel) SetCapabilityProvider(fn func() []protocol.Capability) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cfg.Capabilities = fn
}

// Handle routes inbound frames named event to fn. Exactly one handler per
// name; registering again replaces the previous one. Register everything
// before Connect.
func (ch *Channel) Handle(event string, fn Handler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handlers[event] = &handlerQueue{event: event, fn: fn, log: ch.log}
}

// OnConnect registers fn to run after each successful (re)connect.
func (ch *Channel) OnConnect(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onConnect = append(ch.onConnect, fn)
}

// OnDisconnect registers fn to run when an established connection is lost,
// intentionally or not.
func (ch *Channel) OnDisconnect(fn func(err error)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onDisconnect = append(ch.onDisconnect, fn)
}

func (ch *Channel) IsConnected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == StateConnected
}

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Attempts reports consecutive failed connection attempts since the last
// successful connect.
func (ch *Channel) Attempts() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.attempts
}

// Reconnects counts successful connects after the first.
func (ch *Channel) Reconnects() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reconnects
}

// Connect starts connecting unless already connecting or connected.
// It never blocks on the network; outcomes arrive asynchronously.
func (ch *Channel) Connect() {
	ch.mu.Lock()
	if ch.state != StateDisconnected {
		ch.mu.Unlock()
		return
	}
	ch.state = StateConnecting
	ch.intentional = false
	ch.stopReconnectLocked()
	ch.gen++
	gen := ch.gen
	ch.mu.Unlock()

	go ch.dialAndRun(gen)
}

// Disconnect tears the connection down and suppresses auto-reconnect until
// the next Connect. Idempotent.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	ch.intentional = true
	ch.stopReconnectLocked()
	if ch.capTm != nil {
		ch.capTm.Stop()
		ch.capTm = nil
	}
	if ch.state == StateDisconnected {
		ch.mu.Unlock()
		return
	}
	wasConnected := ch.state == StateConnected
	ch.state = StateDisconnected
	conn := ch.conn
	ch.conn = nil
	ch.gen++ // orphan any in-flight dial or reader
	listeners := append([]func(error){}, ch.onDisconnect...)
	ch.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	ch.dropPending()
	if wasConnected {
		for _, fn := range listeners {
			ch.safeNotify(func() { fn(nil) })
		}
	}
	ch.log.Info("channel disconnected", zap.Bool("intentional", true))
}

// Emit sends one frame if connected; otherwise it is dropped silently.
// Buffering is deliberately absent: the turn supervisor's own timeout
// governs resubmission. onReply, if non-nil, fires at most once with the
// correlated ack, or never.
func (ch *Channel) Emit(event string, payload any, onReply func(protocol.AckResult)) {
	ch.mu.Lock()
	connected := ch.state == StateConnected
	conn := ch.conn
	ch.mu.Unlock()
	if !connected || conn == nil {
		ch.log.Debug("emit dropped while disconnected", zap.String("event", event))
		return
	}

	id := ""
	if onReply != nil {
		id = uuid.NewString()
		ch.pendingMu.Lock()
		ch.pending[id] = onReply
		ch.pendingMu.Unlock()
	}

	b, err := protocol.EncodeFrame(event, id, payload)
	if err != nil {
		ch.forgetPending(id)
		ch.log.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	if err := ch.writeRaw(conn, b); err != nil {
		// The reader on this connection will observe the failure and drive
		// reconnection; here we only release the correlation slot.
		ch.forgetPending(id)
		ch.log.Warn("emit write failed", zap.String("event", event), zap.Error(err))
	}
}

func (ch *Channel) writeRaw(conn *websocket.Conn, b []byte) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(ch.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (ch *Channel) dialAndRun(gen uint64) {
	conn, resp, err := ch.dial(ch.cfg.URL)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		ch.connFailed(gen, err)
		return
	}

	hs := protocol.HandshakeMsg{
		ProtocolVersion: protocol.Version,
		Token:           ch.cfg.Token,
		Self:            ch.cfg.Self,
	}
	b, _ := protocol.EncodeFrame(protocol.EventHandshake, "", hs)
	if err := ch.writeRaw(conn, b); err != nil {
		_ = conn.Close()
		ch.connFailed(gen, err)
		return
	}

	ch.mu.Lock()
	if gen != ch.gen || ch.intentional {
		ch.mu.Unlock()
		_ = conn.Close()
		return
	}
	ch.state = StateConnected
	ch.conn = conn
	if ch.attempts > 0 {
		ch.reconnects++
	}
	ch.attempts = 0
	listeners := append([]func(){}, ch.onConnect...)
	// Remote state does not survive a disconnect, so the capability
	// catalog is re-sent on every successful connect.
	ch.capTm = time.AfterFunc(ch.cfg.CapabilityDelay, ch.sendCapabilityReport)
	ch.mu.Unlock()

	ch.log.Info("channel connected", zap.String("url", ch.cfg.URL))
	for _, fn := range listeners {
		ch.safeNotify(fn)
	}

	ch.readLoop(conn, gen)
}

func (ch *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			ch.connLost(gen, err)
			return
		}
		f, err := protocol.DecodeFrame(msg)
		if err != nil {
			ch.log.Debug("undecodable frame", zap.Error(err))
			continue
		}
		if f.Event == protocol.EventAck {
			ch.resolvePending(f)
			continue
		}
		ch.mu.Lock()
		hq := ch.handlers[f.Event]
		ch.mu.Unlock()
		if hq == nil {
			ch.log.Debug("no handler for event", zap.String("event", f.Event))
			continue
		}
		hq.push(inboundFrame{data: f.Data, ack: ch.ackFunc(conn, f.ID)})
	}
}

// ackFunc builds the at-most-once reply closure for an inbound frame.
// Returns nil when the frame carried no id.
func (ch *Channel) ackFunc(conn *websocket.Conn, id string) AckFunc {
	if id == "" {
		return nil
	}
	var once sync.Once
	return func(res protocol.AckResult) {
		once.Do(func() {
			b, err := protocol.EncodeFrame(protocol.EventAck, id, res)
			if err != nil {
				ch.log.Error("encode ack", zap.Error(err))
				return
			}
			if err := ch.writeRaw(conn, b); err != nil {
				ch.log.Debug("ack write failed", zap.Error(err))
			}
		})
	}
}

func (ch *Channel) resolvePending(f protocol.Frame) {
	if f.ID == "" {
		return
	}
	ch.pendingMu.Lock()
	fn := ch.pending[f.ID]
	delete(ch.pending, f.ID)
	ch.pendingMu.Unlock()
	if fn == nil {
		return
	}
	var res protocol.AckResult
	if err := json.Unmarshal(f.Data, &res); err != nil {
		ch.log.Debug("undecodable ack payload", zap.Error(err))
	}
	ch.safeNotify(func() { fn(res) })
}

func (ch *Channel) forgetPending(id string) {
	if id == "" {
		return
	}
	ch.pendingMu.Lock()
	delete(ch.pending, id)
	ch.pendingMu.Unlock()
}

// dropPending releases all correlation slots without firing them: a reply
// handler fires at most once with a real reply, or never.
func (ch *Channel) dropPending() {
	ch.pendingMu.Lock()
	ch.pending = make(map[string]func(protocol.AckResult))
	ch.pendingMu.Unlock()
}

func (ch *Channel) connFailed(gen uint64, err error) {
	ch.mu.Lock()
	if gen != ch.gen {
		ch.mu.Unlock()
		return
	}
	ch.state = StateDisconnected
	intentional := ch.intentional
	ch.mu.Unlock()

	ch.log.Warn("connect failed", zap.Error(err))
	if !intentional {
		ch.scheduleReconnect()
	}
}

func (ch *Channel) connLost(gen uint64, err error) {
	ch.mu.Lock()
	if gen != ch.gen {
		// A newer connection superseded this one; nothing to do.
		ch.mu.Unlock()
		return
	}
	intentional := ch.intentional
	ch.state = StateDisconnected
	conn := ch.conn
	ch.conn = nil
	if ch.capTm != nil {
		ch.capTm.Stop()
		ch.capTm = nil
	}
	listeners := append([]func(error){}, ch.onDisconnect...)
	ch.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	ch.dropPending()

	ch.log.Warn("connection lost", zap.Error(err), zap.Bool("intentional", intentional))
	for _, fn := range listeners {
		fn := fn
		ch.safeNotify(func() { fn(err) })
	}
	if !intentional {
		ch.scheduleReconnect()
	}
}

// scheduleReconnect arms the single reconnection timer. Attempts are
// unbounded; only the fixed delay paces them.
func (ch *Channel) scheduleReconnect() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.intentional || ch.reconnectTm != nil || ch.state != StateDisconnected {
		return
	}
	ch.attempts++
	attempt := ch.attempts
	ch.reconnectTm = time.AfterFunc(ch.cfg.ReconnectDelay, func() {
		ch.mu.Lock()
		ch.reconnectTm = nil
		// Disconnect may have raced the timer firing; stay down.
		intentional := ch.intentional
		ch.mu.Unlock()
		if intentional {
			return
		}
		ch.Connect()
	})
	ch.log.Info("reconnect scheduled",
		zap.Duration("delay", ch.cfg.ReconnectDelay),
		zap.Int("attempt", attempt))
}

func (ch *Channel) stopReconnectLocked() {
	if ch.reconnectTm != nil {
		ch.reconnectTm.Stop()
		ch.reconnectTm = nil
	}
}

func (ch *Channel) sendCapabilityReport() {
	ch.capOnce.Do(func() {
		ch.mu.Lock()
		fn := ch.cfg.Capabilities
		ch.mu.Unlock()
		if fn != nil {
			ch.capCached = fn()
		}
	})
	if len(ch.capCached) == 0 {
		return
	}
	ch.Emit(protocol.EventCapabilityReport, protocol.CapabilityReportMsg{Catalog: ch.capCached}, nil)
}

// safeNotify shields the channel from panicking listeners and handlers.
func (ch *Channel) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ch.log.Error("channel callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
