package room_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optichat/internal/domain"
	"optichat/internal/room"
)

type fakeSender struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (f *fakeSender) Send(ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSender) sent() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Event{}, f.events...)
}

func roomOf(t *testing.T, ev domain.Event) string {
	t.Helper()
	var p domain.RoomPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p.ConversationID
}

func TestSwitchEmitsLeaveThenJoin(t *testing.T) {
	sender := &fakeSender{}
	tr := room.NewTracker(sender)
	tr.HandleConnectionUp()

	tr.SetActive("a")
	tr.SetActive("b")

	events := sender.sent()
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventJoinConversation, events[0].Type)
	assert.Equal(t, "a", roomOf(t, events[0]))
	assert.Equal(t, domain.EventLeaveConversation, events[1].Type)
	assert.Equal(t, "a", roomOf(t, events[1]))
	assert.Equal(t, domain.EventJoinConversation, events[2].Type)
	assert.Equal(t, "b", roomOf(t, events[2]))
}

// At most one join is outstanding without a matching leave at any point.
func TestRoomExclusivity(t *testing.T) {
	sender := &fakeSender{}
	tr := room.NewTracker(sender)
	tr.HandleConnectionUp()

	for _, id := range []string{"a", "b", "b", "", "c", "a", ""} {
		tr.SetActive(id)
	}

	open := ""
	for _, ev := range sender.sent() {
		switch ev.Type {
		case domain.EventJoinConversation:
			require.Empty(t, open, "joined %s while still in %s", roomOf(t, ev), open)
			open = roomOf(t, ev)
		case domain.EventLeaveConversation:
			require.Equal(t, open, roomOf(t, ev))
			open = ""
		}
	}
	assert.Empty(t, open)
	assert.Empty(t, tr.Joined())
}

func TestSameIDIsNoop(t *testing.T) {
	sender := &fakeSender{}
	tr := room.NewTracker(sender)
	tr.HandleConnectionUp()

	tr.SetActive("a")
	tr.SetActive("a")
	assert.Len(t, sender.sent(), 1)
}

func TestSetNullLeavesWithoutJoining(t *testing.T) {
	sender := &fakeSender{}
	tr := room.NewTracker(sender)
	tr.HandleConnectionUp()

	tr.SetActive("a")
	tr.SetActive("")

	events := sender.sent()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventLeaveConversation, events[1].Type)
	assert.Empty(t, tr.Joined())
}

func TestJoinDeferredUntilConnected(t *testing.T) {
	sender := &fakeSender{}
	tr := room.NewTracker(sender)

	// No connection yet: intent is remembered, nothing is emitted.
	tr.SetActive("a")
	assert.Empty(t, sender.sent())
	assert.Equal(t, "a", tr.Active())
	assert.Empty(t, tr.Joined())

	tr.HandleConnectionUp()
	events := sender.sent()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventJoinConversation, events[0].Type)
	assert.Equal(t, "a", roomOf(t, events[0]))
	assert.Equal(t, "a", tr.Joined())
}

func TestRejoinAfterReconnect(t *testing.T) {
	sender := &fakeSender{}
	tr := room.NewTracker(sender)
	tr.HandleConnectionUp()
	tr.SetActive("a")

	// Membership does not survive the transport; only the intent does.
	tr.HandleConnectionDown()
	assert.Empty(t, tr.Joined())

	tr.HandleConnectionUp()
	events := sender.sent()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventJoinConversation, events[1].Type)
	assert.Equal(t, "a", roomOf(t, events[1]))
}

func TestSendFailureLeavesJoinPending(t *testing.T) {
	sender := &fakeSender{err: domain.ErrNotConnected}
	tr := room.NewTracker(sender)
	tr.HandleConnectionUp()

	tr.SetActive("a")
	assert.Empty(t, tr.Joined())

	// The connection came back; the join is re-asserted.
	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	tr.HandleConnectionUp()
	assert.Equal(t, "a", tr.Joined())
}
