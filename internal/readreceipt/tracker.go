// Package readreceipt determines which inbound messages the current user
// has not yet acknowledged, emits the read acknowledgements, and merges
// inbound read-receipt events into message state without duplication.
package readreceipt

import (
	"sync"
	"time"

	"optichat/internal/domain"
)

// EventSender emits outbound events over the live connection.
type EventSender interface {
	Send(domain.Event) error
}

// ReadApplier applies a read entry to a message in the active sequence.
// Implemented by the stream reconciler.
type ReadApplier interface {
	ApplyReadUpdate(messageID string, readBy domain.UserRef, at time.Time) bool
}

// Tracker emits message_read acknowledgements and merges read updates.
type Tracker struct {
	sender  EventSender
	applier ReadApplier
	self    domain.UserRef

	mu      sync.Mutex
	emitted map[string]struct{} // acked this session, pending server fan-out
}

func NewTracker(sender EventSender, applier ReadApplier, self domain.UserRef) *Tracker {
	return &Tracker{
		sender:  sender,
		applier: applier,
		self:    self,
		emitted: make(map[string]struct{}),
	}
}

// ScanAndMark walks a batch of messages and emits message_read for every
// inbound message the current user has not read. After a batch that marked
// anything it requests a fresh unread aggregate: marking is async on the
// server, so the aggregate is refreshed separately, best-effort. Returns
// the number of acknowledgements emitted.
func (t *Tracker) ScanAndMark(messages []domain.Message) int {
	marked := 0
	for i := range messages {
		if t.markOne(&messages[i]) {
			marked++
		}
	}
	if marked > 0 {
		_ = t.sender.Send(domain.Event{Type: domain.EventGetUnreadCount})
	}
	return marked
}

// MarkMessage acknowledges a single live-delivered message, then refreshes
// the unread aggregate.
func (t *Tracker) MarkMessage(msg domain.Message) bool {
	if !t.markOne(&msg) {
		return false
	}
	_ = t.sender.Send(domain.Event{Type: domain.EventGetUnreadCount})
	return true
}

func (t *Tracker) markOne(msg *domain.Message) bool {
	if msg.ID == "" || msg.Pending || msg.Sender.Equal(t.self) || msg.ReadByUser(t.self) {
		return false
	}

	t.mu.Lock()
	if _, done := t.emitted[msg.ID]; done {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	err := t.sender.Send(domain.MustEvent(domain.EventMessageRead, domain.MessageReadPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	}))
	if err != nil {
		// Disconnected: leave the message unread, the next scan retries.
		return false
	}

	t.mu.Lock()
	t.emitted[msg.ID] = struct{}{}
	t.mu.Unlock()

	// Record locally as well; the server's fan-out merges idempotently.
	t.applier.ApplyReadUpdate(msg.ID, t.self, time.Now())
	return true
}

// OnReadUpdate merges an inbound message_read_update into the sequence.
// A read entry is appended only if none exists for that user, so duplicate
// fan-outs cannot produce duplicate entries.
func (t *Tracker) OnReadUpdate(p domain.MessageReadUpdatePayload) {
	if p.MessageID == "" || p.ReadBy.IsZero() {
		return
	}
	t.applier.ApplyReadUpdate(p.MessageID, p.ReadBy, time.Now())
}

// FullyRead reports whether every other participant has read the message.
// Used for the double-tick glyph on the user's own messages only, never as
// a blocking condition.
func (t *Tracker) FullyRead(msg *domain.Message, participants []domain.Participant) bool {
	return msg.ReadByAll(participants)
}

// Reset drops the session-local emission record, e.g. on conversation
// switch; read state itself lives on the messages.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.emitted = make(map[string]struct{})
	t.mu.Unlock()
}
