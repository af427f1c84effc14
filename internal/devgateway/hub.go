package devgateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"optichat/internal/domain"
)

// client is one live gateway connection.
type client struct {
	conn     *websocket.Conn
	userID   string
	userType domain.UserType

	mu     sync.Mutex // serializes writes and guards joined
	joined string     // room this connection is in, "" = none
}

func (c *client) send(ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

func (c *client) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *client) setRoom(conversationID string) {
	c.mu.Lock()
	c.joined = conversationID
	c.mu.Unlock()
}

// hub tracks live connections by user and by joined room and fans events
// out to them. Writes that fail are left for the read loop to clean up.
type hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*client]struct{}
}

func newHub() *hub {
	return &hub{byUser: make(map[string]map[*client]struct{})}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byUser[c.userID] == nil {
		h.byUser[c.userID] = make(map[*client]struct{})
	}
	h.byUser[c.userID][c] = struct{}{}
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.byUser[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.byUser, c.userID)
		}
	}
}

// broadcastToUsers sends the event to every live connection of the given
// users, regardless of room. Used for new_message so conversation previews
// update even when the recipient has another conversation open.
func (h *hub) broadcastToUsers(userIDs []string, ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uid := range userIDs {
		for c := range h.byUser[uid] {
			_ = c.send(ev)
		}
	}
}

// broadcastToRoom sends the event to every connection joined to the room,
// except the one the event originated from.
func (h *hub) broadcastToRoom(conversationID string, ev domain.Event, from *client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.byUser {
		for c := range conns {
			if c == from || c.room() != conversationID {
				continue
			}
			_ = c.send(ev)
		}
	}
}
