// Package room tracks which conversation room the connection has joined.
// The gateway only delivers conversation-scoped events to joined rooms, and
// membership is not preserved across reconnects, so the tracker re-asserts
// the join whenever the connection comes back.
package room

import (
	"sync"

	"optichat/internal/domain"
)

// EventSender is the slice of the connection manager the tracker needs.
type EventSender interface {
	Send(domain.Event) error
}

// Tracker keeps at most one joined room per connection and remembers the
// intended room while disconnected.
type Tracker struct {
	sender EventSender

	mu     sync.Mutex
	active string // intended active conversation, "" = none
	joined string // room joined on the current connection, "" = none
	up     bool
}

func NewTracker(sender EventSender) *Tracker {
	return &Tracker{sender: sender}
}

// SetActive switches the active conversation. It emits leave for the
// previous room before join for the new one; the same id twice is a no-op,
// and "" leaves without joining anything. While disconnected the intent is
// recorded and the join is emitted once the connection is up.
func (t *Tracker) SetActive(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conversationID == t.active {
		return
	}
	t.active = conversationID

	if !t.up {
		return
	}
	t.leaveLocked()
	t.joinLocked()
}

// Active returns the intended active conversation id.
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Joined returns the room joined on the current connection.
func (t *Tracker) Joined() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined
}

// HandleConnectionUp re-asserts membership after (re)connect. The transport
// does not carry membership across connections, so any previous join is
// gone and only the intent survives.
func (t *Tracker) HandleConnectionUp() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.up = true
	t.joined = ""
	t.joinLocked()
}

// HandleConnectionDown forgets connection-scoped membership.
func (t *Tracker) HandleConnectionDown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.up = false
	t.joined = ""
}

func (t *Tracker) leaveLocked() {
	if t.joined == "" {
		return
	}
	_ = t.sender.Send(domain.MustEvent(domain.EventLeaveConversation, domain.RoomPayload{
		ConversationID: t.joined,
	}))
	t.joined = ""
}

func (t *Tracker) joinLocked() {
	if t.active == "" {
		return
	}
	if err := t.sender.Send(domain.MustEvent(domain.EventJoinConversation, domain.RoomPayload{
		ConversationID: t.active,
	})); err != nil {
		// Connection dropped under us; HandleConnectionUp re-emits the join.
		return
	}
	t.joined = t.active
}
