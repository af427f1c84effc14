// Package typing implements the typing-indicator protocol for the active
// conversation: edge-triggered local start/stop on a resettable debounce
// timer, and peer state with a defensive timeout since the protocol does
// not guarantee typing_stop delivery on abrupt disconnect.
package typing

import (
	"sync"
	"time"

	"optichat/internal/domain"
)

// EventSender emits outbound events over the live connection.
type EventSender interface {
	Send(domain.Event) error
}

// Options tunes the two windows.
type Options struct {
	Debounce    time.Duration // quiet period before typing_stop, default 1s
	PeerTimeout time.Duration // peer reversion without refresh, default 3s
}

func (o *Options) defaults() {
	if o.Debounce == 0 {
		o.Debounce = time.Second
	}
	if o.PeerTimeout == 0 {
		o.PeerTimeout = 3 * time.Second
	}
}

// Machine holds typing state for the active conversation. All state is
// ephemeral: switching conversations or losing the connection resets it.
type Machine struct {
	sender EventSender
	self   domain.UserRef
	opts   Options

	mu             sync.Mutex
	conversationID string
	localTyping    bool
	debounceTimer  *time.Timer
	peerTyping     bool
	peerTimer      *time.Timer

	peerMu       sync.RWMutex
	onPeerChange []func(bool)
}

func NewMachine(sender EventSender, self domain.UserRef, opts Options) *Machine {
	opts.defaults()
	return &Machine{sender: sender, self: self, opts: opts}
}

// OnPeerChange registers a callback for peer typing transitions.
func (m *Machine) OnPeerChange(fn func(bool)) {
	m.peerMu.Lock()
	m.onPeerChange = append(m.onPeerChange, fn)
	m.peerMu.Unlock()
}

// SetConversation retargets the machine. Pending timers for the previous
// conversation are cleared first, and an in-progress local typing run is
// closed with a typing_stop scoped to the old room so it cannot leak into
// the new one.
func (m *Machine) SetConversation(conversationID string) {
	m.mu.Lock()
	if m.conversationID == conversationID {
		m.mu.Unlock()
		return
	}
	m.stopLocalLocked()
	wasTyping := m.peerTyping
	m.clearPeerLocked()
	m.conversationID = conversationID
	m.mu.Unlock()
	if wasTyping {
		m.notifyPeer(false)
	}
}

// Keystroke records local typing input. The first keystroke of a run emits
// typing_start; later ones only push the debounce timer out.
func (m *Machine) Keystroke() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversationID == "" {
		return
	}

	if !m.localTyping {
		if err := m.sender.Send(domain.MustEvent(domain.EventTypingStart, domain.RoomPayload{
			ConversationID: m.conversationID,
		})); err != nil {
			return // disconnected: emit nothing until the connection is back
		}
		m.localTyping = true
	}

	convID := m.conversationID
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(m.opts.Debounce, func() {
		m.debounceExpired(convID)
	})
}

// MessageSent ends the local typing run immediately.
func (m *Machine) MessageSent() {
	m.mu.Lock()
	m.stopLocalLocked()
	m.mu.Unlock()
}

func (m *Machine) debounceExpired(convID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.localTyping || m.conversationID != convID {
		return
	}
	m.stopLocalLocked()
}

// stopLocalLocked clears the debounce timer and emits typing_stop if a run
// was in progress.
func (m *Machine) stopLocalLocked() {
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	if !m.localTyping {
		return
	}
	m.localTyping = false
	_ = m.sender.Send(domain.MustEvent(domain.EventTypingStop, domain.RoomPayload{
		ConversationID: m.conversationID,
	}))
}

// HandlePeerEvent consumes an inbound user_typing / user_stopped_typing
// event. Events for other conversations or from the current user are
// received without effect.
func (m *Machine) HandlePeerEvent(eventType string, p domain.UserTypingPayload) {
	m.mu.Lock()
	if p.ConversationID != m.conversationID || m.conversationID == "" || p.UserID.Equal(m.self) {
		m.mu.Unlock()
		return
	}

	switch eventType {
	case domain.EventUserTyping:
		wasTyping := m.peerTyping
		m.peerTyping = true
		convID := m.conversationID
		if m.peerTimer != nil {
			m.peerTimer.Stop()
		}
		m.peerTimer = time.AfterFunc(m.opts.PeerTimeout, func() {
			m.peerExpired(convID)
		})
		m.mu.Unlock()
		if !wasTyping {
			m.notifyPeer(true)
		}
	case domain.EventUserStoppedTyping:
		wasTyping := m.peerTyping
		m.clearPeerLocked()
		m.mu.Unlock()
		if wasTyping {
			m.notifyPeer(false)
		}
	default:
		m.mu.Unlock()
	}
}

// peerExpired reverts the peer state when no refresh arrived in time.
func (m *Machine) peerExpired(convID string) {
	m.mu.Lock()
	if m.conversationID != convID || !m.peerTyping {
		m.mu.Unlock()
		return
	}
	m.clearPeerLocked()
	m.mu.Unlock()
	m.notifyPeer(false)
}

func (m *Machine) clearPeerLocked() {
	if m.peerTimer != nil {
		m.peerTimer.Stop()
		m.peerTimer = nil
	}
	m.peerTyping = false
}

// PeerTyping reports whether the peer is currently typing.
func (m *Machine) PeerTyping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerTyping
}

// HandleConnectionDown drops all ephemeral state; nothing is re-emitted on
// reconnect.
func (m *Machine) HandleConnectionDown() {
	m.mu.Lock()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	m.localTyping = false // the run died with the connection, no stop to send
	wasTyping := m.peerTyping
	m.clearPeerLocked()
	m.mu.Unlock()
	if wasTyping {
		m.notifyPeer(false)
	}
}

func (m *Machine) notifyPeer(typing bool) {
	m.peerMu.RLock()
	handlers := append([]func(bool){}, m.onPeerChange...)
	m.peerMu.RUnlock()
	for _, fn := range handlers {
		fn(typing)
	}
}
