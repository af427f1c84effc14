// Package conn owns the persistent duplex connection to the chat gateway:
// dialing, bearer authentication, ping/pong keepalive, inbound event
// dispatch, and reconnection with jittered exponential backoff.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optichat/internal/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound event size.
	maxMessageSize = 64 * 1024
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Handler consumes one inbound event. Handlers run on the read pump
// goroutine, strictly in transport arrival order.
type Handler func(domain.Event)

// Options configures a Manager.
type Options struct {
	GatewayURL           string
	DialTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 = retry forever
	Logger               *slog.Logger
}

func (o *Options) defaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager owns the single websocket connection for an authenticated session.
// No other component may tear the connection down; dependents observe state
// changes and stop emitting while disconnected.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            State
	token            string
	gen              int // connection generation, guards stale pump callbacks
	intentionalClose bool
	recon            *reconnector

	writeMu sync.Mutex // serializes writes on the live conn

	handlerMu     sync.RWMutex
	handlers      map[string][]Handler
	stateHandlers []func(State)
	authHandlers  []func(error)
}

// NewManager builds a Manager; no connection is made until Connect.
func NewManager(opts Options) *Manager {
	opts.defaults()
	return &Manager{
		opts:     opts,
		log:      opts.Logger,
		state:    StateDisconnected,
		handlers: make(map[string][]Handler),
		recon: &reconnector{
			baseDelay:   opts.ReconnectBaseDelay,
			maxDelay:    opts.ReconnectMaxDelay,
			maxAttempts: opts.MaxReconnectAttempts,
		},
	}
}

// On registers a handler for an inbound event type.
func (m *Manager) On(eventType string, h Handler) {
	m.handlerMu.Lock()
	m.handlers[eventType] = append(m.handlers[eventType], h)
	m.handlerMu.Unlock()
}

// OnStateChange registers a handler invoked on every state transition.
func (m *Manager) OnStateChange(h func(State)) {
	m.handlerMu.Lock()
	m.stateHandlers = append(m.stateHandlers, h)
	m.handlerMu.Unlock()
}

// OnAuthError registers a handler for authentication rejections. The
// connection is not retried after one; the caller must re-authenticate
// upstream and call Connect with a fresh token.
func (m *Manager) OnAuthError(h func(error)) {
	m.handlerMu.Lock()
	m.authHandlers = append(m.authHandlers, h)
	m.handlerMu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the connection, authenticating with token. Calling it
// again with the same token while connected or connecting is a no-op; a new
// token tears the old connection down first.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		if token == m.token {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		m.Disconnect()
		m.mu.Lock()
	}
	m.state = StateConnecting
	m.token = token
	m.intentionalClose = false
	m.recon.reset()
	m.mu.Unlock()
	m.notifyState(StateConnecting)

	if err := m.dial(ctx); err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notifyState(StateDisconnected)
		return err
	}
	return nil
}

// Disconnect tears the connection down and releases the transport.
// It never errors the caller for a connection that is already gone.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentionalClose = true
	m.gen++
	conn := m.conn
	m.conn = nil
	wasDisconnected := m.state == StateDisconnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	if !wasDisconnected {
		m.notifyState(StateDisconnected)
	}
}

// Send writes one event over the connection. Events sent while disconnected
// are dropped with ErrNotConnected; there is no offline outbox.
func (m *Manager) Send(ev domain.Event) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return domain.ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("send %s: %w", ev.Type, err)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	endpoint, err := url.Parse(m.opts.GatewayURL)
	if err != nil {
		return fmt.Errorf("gateway url: %w", err)
	}
	q := endpoint.Query()
	q.Set("token", token)
	endpoint.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: m.opts.DialTimeout}
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			authErr := fmt.Errorf("gateway rejected token: %w", domain.ErrUnauthorized)
			m.notifyAuthError(authErr)
			return authErr
		}
		return fmt.Errorf("dial gateway: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.conn = conn
	m.state = StateConnected
	m.recon.markConnected()
	m.mu.Unlock()

	go m.readPump(conn, gen)
	go m.pingLoop(conn, gen)

	m.log.Debug("gateway connected", "endpoint", m.opts.GatewayURL)
	m.notifyState(StateConnected)
	return nil
}

func (m *Manager) readPump(conn *websocket.Conn, gen int) {
	for {
		var ev domain.Event
		if err := conn.ReadJSON(&ev); err != nil {
			m.handleTransportLoss(conn, gen, err)
			return
		}
		m.dispatch(ev)
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		stale := m.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		m.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// handleTransportLoss reacts to a broken read: unless the close was
// intentional, it flips to disconnected and starts the backoff retry loop.
func (m *Manager) handleTransportLoss(conn *websocket.Conn, gen int, cause error) {
	_ = conn.Close()

	m.mu.Lock()
	if m.gen != gen || m.intentionalClose {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.log.Warn("gateway connection lost", "error", cause)
	m.notifyState(StateDisconnected)
	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	for {
		m.mu.Lock()
		if m.intentionalClose || m.state != StateDisconnected {
			m.mu.Unlock()
			return
		}
		if !m.recon.shouldReconnect() {
			m.mu.Unlock()
			m.log.Error("gateway reconnect attempts exhausted")
			return
		}
		delay := m.recon.nextDelay()
		m.state = StateConnecting
		m.mu.Unlock()
		m.notifyState(StateConnecting)

		m.log.Info("gateway reconnecting", "delay", delay)
		time.Sleep(delay)

		m.mu.Lock()
		if m.intentionalClose {
			m.state = StateDisconnected
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
		err := m.dial(ctx)
		cancel()
		if err == nil {
			return
		}

		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notifyState(StateDisconnected)

		// A rejected token stays rejected; the caller must Connect again
		// with a fresh one.
		if errors.Is(err, domain.ErrUnauthorized) {
			m.log.Error("gateway reconnect aborted, token rejected")
			return
		}
	}
}

func (m *Manager) dispatch(ev domain.Event) {
	m.handlerMu.RLock()
	handlers := m.handlers[ev.Type]
	m.handlerMu.RUnlock()
	if len(handlers) == 0 {
		m.log.Debug("unhandled gateway event", "type", ev.Type)
		return
	}
	// Handlers run synchronously so transport arrival order is preserved.
	for _, h := range handlers {
		h(ev)
	}
}

func (m *Manager) notifyState(s State) {
	m.handlerMu.RLock()
	handlers := append([]func(State){}, m.stateHandlers...)
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (m *Manager) notifyAuthError(err error) {
	m.handlerMu.RLock()
	handlers := append([]func(error){}, m.authHandlers...)
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}
