// Package stream reconciles one conversation's message view: the REST
// history snapshot, live-delivered events, and optimistic local sends are
// merged into a single ordered, deduplicated sequence keyed by message id.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"optichat/internal/domain"
)

// HistoryFetcher is the REST collaborator slice the reconciler consumes.
type HistoryFetcher interface {
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

// EventSender emits outbound events over the live connection.
type EventSender interface {
	Send(domain.Event) error
}

// Reconciler maintains the ordered message sequence for the active
// conversation. Messages are never reordered after insertion; the only
// in-place mutation is the substitution of a pending optimistic entry by
// its confirmed echo.
type Reconciler struct {
	fetcher  HistoryFetcher
	sender   EventSender
	self     domain.UserRef
	selfType domain.UserType

	mu     sync.Mutex
	active string
	order  []string                   // message ids (or local ids while pending)
	byID   map[string]*domain.Message

	changeMu sync.RWMutex
	onChange []func()
}

func NewReconciler(fetcher HistoryFetcher, sender EventSender, self domain.UserRef, selfType domain.UserType) *Reconciler {
	return &Reconciler{
		fetcher:  fetcher,
		sender:   sender,
		self:     self,
		selfType: selfType,
		byID:     make(map[string]*domain.Message),
	}
}

// OnChange registers a callback fired after every sequence mutation.
func (r *Reconciler) OnChange(fn func()) {
	r.changeMu.Lock()
	r.onChange = append(r.onChange, fn)
	r.changeMu.Unlock()
}

// SetActive retargets the reconciler at a conversation, resetting the
// sequence. "" detaches it entirely.
func (r *Reconciler) SetActive(conversationID string) {
	r.mu.Lock()
	if r.active == conversationID {
		r.mu.Unlock()
		return
	}
	r.active = conversationID
	r.order = nil
	r.byID = make(map[string]*domain.Message)
	r.mu.Unlock()
	r.notify()
}

// Active returns the conversation the sequence belongs to.
func (r *Reconciler) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// LoadHistory fetches the REST snapshot for conversationID and seeds the
// sequence from it. Every in-flight fetch is tagged with its target
// conversation; a result arriving after the user has switched away is
// discarded with ErrStaleFetch rather than merged into the active view.
func (r *Reconciler) LoadHistory(ctx context.Context, conversationID string) error {
	msgs, err := r.fetcher.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", conversationID, err)
	}

	r.mu.Lock()
	if r.active != conversationID {
		r.mu.Unlock()
		return domain.ErrStaleFetch
	}

	// Outstanding optimistic sends survive a reload; the snapshot cannot
	// contain them yet.
	var pending []*domain.Message
	for _, key := range r.order {
		if m := r.byID[key]; m.Pending {
			pending = append(pending, m)
		}
	}

	r.order = r.order[:0]
	r.byID = make(map[string]*domain.Message, len(msgs)+len(pending))
	for i := range msgs {
		m := msgs[i]
		if _, dup := r.byID[m.ID]; dup {
			continue
		}
		r.byID[m.ID] = &m
		r.order = append(r.order, m.ID)
	}
	for _, m := range pending {
		r.byID[m.LocalID] = m
		r.order = append(r.order, m.LocalID)
	}
	r.mu.Unlock()
	r.notify()
	return nil
}

// OnLiveMessage merges one live-delivered message into the sequence.
// Duplicates of an already-present id are silently absorbed (the same
// message can arrive from history and the stream during a race, or be
// echoed back to its own sender). An echo matching an outstanding
// optimistic send replaces that entry in place; anything else appends.
func (r *Reconciler) OnLiveMessage(msg domain.Message) {
	r.mu.Lock()
	if msg.ConversationID != r.active || msg.ID == "" {
		r.mu.Unlock()
		return
	}
	if _, dup := r.byID[msg.ID]; dup {
		r.mu.Unlock()
		return
	}

	if key, ok := r.matchPendingLocked(msg); ok {
		confirmed := msg
		delete(r.byID, key)
		r.byID[confirmed.ID] = &confirmed
		for i, k := range r.order {
			if k == key {
				r.order[i] = confirmed.ID
				break
			}
		}
		r.mu.Unlock()
		r.notify()
		return
	}

	m := msg
	r.byID[m.ID] = &m
	r.order = append(r.order, m.ID)
	r.mu.Unlock()
	r.notify()
}

// matchPendingLocked finds the oldest pending optimistic entry this message
// is the echo of: same conversation, same sender, same text.
func (r *Reconciler) matchPendingLocked(msg domain.Message) (string, bool) {
	if !msg.Sender.Equal(r.self) {
		return "", false
	}
	for _, key := range r.order {
		m := r.byID[key]
		if m.Pending && m.Text == msg.Text {
			return key, true
		}
	}
	return "", false
}

// SendOptimistic appends a provisional message for text and emits the send
// over the connection. While disconnected the send is dropped, not queued.
// A send that never receives its echo stays pending indefinitely; surfacing
// that staleness is the UI layer's call.
func (r *Reconciler) SendOptimistic(text string) (string, error) {
	r.mu.Lock()
	conversationID := r.active
	r.mu.Unlock()
	if conversationID == "" {
		return "", fmt.Errorf("no active conversation: %w", domain.ErrInvalidInput)
	}
	if text == "" {
		return "", fmt.Errorf("empty message: %w", domain.ErrInvalidInput)
	}

	ev := domain.MustEvent(domain.EventSendMessage, domain.SendMessagePayload{
		ConversationID: conversationID,
		MessageType:    "text",
		Content:        domain.MessageContent{Text: text},
	})
	if err := r.sender.Send(ev); err != nil {
		return "", err
	}

	localID := "local-" + uuid.NewString()
	m := &domain.Message{
		ConversationID: conversationID,
		Sender:         r.self,
		SenderType:     r.selfType,
		Text:           text,
		CreatedAt:      time.Now(),
		Pending:        true,
		LocalID:        localID,
	}

	r.mu.Lock()
	// The active conversation cannot have changed mid-call on the session
	// loop, but guard anyway: a stale append would leak into the new view.
	if r.active != conversationID {
		r.mu.Unlock()
		return "", domain.ErrStaleFetch
	}
	r.byID[localID] = m
	r.order = append(r.order, localID)
	r.mu.Unlock()
	r.notify()
	return localID, nil
}

// Messages returns a snapshot of the ordered sequence.
func (r *Reconciler) Messages() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Message, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, *r.byID[key])
	}
	return out
}

// Pending returns the optimistic sends still awaiting their echo.
func (r *Reconciler) Pending() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, key := range r.order {
		if m := r.byID[key]; m.Pending {
			out = append(out, *m)
		}
	}
	return out
}

// ApplyReadUpdate appends a read entry to the identified message if the
// reader is not already recorded. Duplicate read-acks are absorbed.
func (r *Reconciler) ApplyReadUpdate(messageID string, readBy domain.UserRef, at time.Time) bool {
	r.mu.Lock()
	m, ok := r.byID[messageID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	added := m.MarkReadBy(readBy, at)
	r.mu.Unlock()
	if added {
		r.notify()
	}
	return added
}

func (r *Reconciler) notify() {
	r.changeMu.RLock()
	handlers := append([]func(){}, r.onChange...)
	r.changeMu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}
