package devgateway_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optichat/internal/devgateway"
	"optichat/internal/domain"
	"optichat/internal/identity"
	"optichat/internal/rest"
)

type testEnv struct {
	server *httptest.Server
	tokens *identity.TokenService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := devgateway.OpenStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tokens := identity.NewTokenService("test-secret", time.Hour)
	gw := devgateway.New(store, tokens, nil)
	server := httptest.NewServer(gw.Router([]string{"*"}))
	t.Cleanup(server.Close)

	return &testEnv{server: server, tokens: tokens}
}

func (e *testEnv) token(t *testing.T, userID string, userType domain.UserType) string {
	t.Helper()
	token, err := e.tokens.CreateForUser(userID, userType)
	require.NoError(t, err)
	return token
}

func (e *testEnv) restFor(t *testing.T, userID string, userType domain.UserType) *rest.Client {
	t.Helper()
	return rest.NewClient(e.server.URL+"/api", e.token(t, userID, userType), nil)
}

func (e *testEnv) dialWS(t *testing.T, userID string, userType domain.UserType) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + e.token(t, userID, userType)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) domain.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev domain.Event
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func decodePayload(t *testing.T, ev domain.Event, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ev.Payload, out))
}

func createConversation(t *testing.T, e *testEnv) string {
	t.Helper()
	patient := e.restFor(t, "patient-1", domain.UserTypePatient)
	result, err := patient.CreateConversation(context.Background(), rest.CreateConversationRequest{
		OtherUserID:   "opto-1",
		OtherUserType: domain.UserTypeOptometrist,
	})
	require.NoError(t, err)
	return result.Conversation.ID
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	patient := env.restFor(t, "patient-1", domain.UserTypePatient)
	opto := env.restFor(t, "opto-1", domain.UserTypeOptometrist)
	ctx := context.Background()

	created, err := patient.CreateConversation(ctx, rest.CreateConversationRequest{
		OtherUserID:   "opto-1",
		OtherUserType: domain.UserTypeOptometrist,
		Metadata:      domain.ConversationMetadata{AppointmentID: "appt-9", ConsultationType: "follow-up"},
	})
	require.NoError(t, err)
	assert.True(t, created.IsNew)
	assert.Equal(t, "appt-9", created.Conversation.Metadata.AppointmentID)

	// Find-or-create is idempotent for the pair, from either side.
	again, err := opto.CreateConversation(ctx, rest.CreateConversationRequest{
		OtherUserID:   "patient-1",
		OtherUserType: domain.UserTypePatient,
	})
	require.NoError(t, err)
	assert.False(t, again.IsNew)
	assert.Equal(t, created.Conversation.ID, again.Conversation.ID)

	page, err := opto.ListConversations(ctx, 20, 0)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 1)
	assert.False(t, page.HasMore)
	other, ok := page.Conversations[0].OtherParticipant(domain.UserRef{Raw: "opto-1"})
	require.True(t, ok)
	assert.Equal(t, "patient-1", other.User.Raw)

	messages, err := patient.ListMessages(ctx, created.Conversation.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestRESTRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	anon := rest.NewClient(env.server.URL+"/api", "not-a-token", nil)

	_, err := anon.ListConversations(context.Background(), 20, 0)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestMessagesRequireMembership(t *testing.T) {
	env := newTestEnv(t)
	convID := createConversation(t, env)

	outsider := env.restFor(t, "patient-2", domain.UserTypePatient)
	_, err := outsider.ListMessages(context.Background(), convID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSendMessageEchoAndFanout(t *testing.T) {
	env := newTestEnv(t)
	convID := createConversation(t, env)

	patientWS := env.dialWS(t, "patient-1", domain.UserTypePatient)
	optoWS := env.dialWS(t, "opto-1", domain.UserTypeOptometrist)

	require.NoError(t, patientWS.WriteJSON(domain.MustEvent(domain.EventJoinConversation,
		domain.RoomPayload{ConversationID: convID})))
	require.NoError(t, patientWS.WriteJSON(domain.MustEvent(domain.EventSendMessage,
		domain.SendMessagePayload{
			ConversationID: convID,
			MessageType:    "text",
			Content:        domain.MessageContent{Text: "hello there"},
		})))

	// Both participants receive the message, the sender via the echo.
	for _, ws := range []*websocket.Conn{patientWS, optoWS} {
		ev := readEvent(t, ws)
		require.Equal(t, domain.EventNewMessage, ev.Type)
		var p domain.NewMessagePayload
		decodePayload(t, ev, &p)
		assert.Equal(t, convID, p.Message.ConversationID)
		assert.Equal(t, "patient-1", p.Message.Sender.Raw)
		assert.Equal(t, "hello there", p.Message.Text)
		assert.NotEmpty(t, p.Message.ID)
	}

	// The persisted history and the unread aggregate agree with the stream.
	opto := env.restFor(t, "opto-1", domain.UserTypeOptometrist)
	messages, err := opto.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello there", messages[0].Text)

	counts, err := opto.UnreadCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{convID: 1}, counts)

	page, err := opto.ListConversations(context.Background(), 20, 0)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 1)
	assert.Equal(t, "hello there", page.Conversations[0].LastMessageText)
}

func TestJoinRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	convID := createConversation(t, env)

	outsiderWS := env.dialWS(t, "patient-2", domain.UserTypePatient)
	require.NoError(t, outsiderWS.WriteJSON(domain.MustEvent(domain.EventJoinConversation,
		domain.RoomPayload{ConversationID: convID})))

	ev := readEvent(t, outsiderWS)
	assert.Equal(t, domain.EventError, ev.Type)
}

func TestTypingFanoutExcludesSender(t *testing.T) {
	env := newTestEnv(t)
	convID := createConversation(t, env)

	patientWS := env.dialWS(t, "patient-1", domain.UserTypePatient)
	optoWS := env.dialWS(t, "opto-1", domain.UserTypeOptometrist)

	for _, ws := range []*websocket.Conn{patientWS, optoWS} {
		require.NoError(t, ws.WriteJSON(domain.MustEvent(domain.EventJoinConversation,
			domain.RoomPayload{ConversationID: convID})))
	}
	// Let both joins land before typing fans out to the room.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, patientWS.WriteJSON(domain.MustEvent(domain.EventTypingStart,
		domain.RoomPayload{ConversationID: convID})))

	ev := readEvent(t, optoWS)
	require.Equal(t, domain.EventUserTyping, ev.Type)
	var p domain.UserTypingPayload
	decodePayload(t, ev, &p)
	assert.Equal(t, convID, p.ConversationID)
	assert.Equal(t, "patient-1", p.UserID.Raw)

	require.NoError(t, patientWS.WriteJSON(domain.MustEvent(domain.EventTypingStop,
		domain.RoomPayload{ConversationID: convID})))
	ev = readEvent(t, optoWS)
	assert.Equal(t, domain.EventUserStoppedTyping, ev.Type)

	// The sender never hears its own typing back.
	require.NoError(t, patientWS.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var stray domain.Event
	err := patientWS.ReadJSON(&stray)
	assert.Error(t, err)
}

func TestMessageReadFanoutAndIdempotence(t *testing.T) {
	env := newTestEnv(t)
	convID := createConversation(t, env)

	patientWS := env.dialWS(t, "patient-1", domain.UserTypePatient)
	optoWS := env.dialWS(t, "opto-1", domain.UserTypeOptometrist)

	// Joining the room guarantees get_unread_count later replies for it,
	// zero included.
	require.NoError(t, optoWS.WriteJSON(domain.MustEvent(domain.EventJoinConversation,
		domain.RoomPayload{ConversationID: convID})))

	require.NoError(t, patientWS.WriteJSON(domain.MustEvent(domain.EventSendMessage,
		domain.SendMessagePayload{
			ConversationID: convID,
			MessageType:    "text",
			Content:        domain.MessageContent{Text: "read me"},
		})))

	var msg domain.NewMessagePayload
	decodePayload(t, readEvent(t, patientWS), &msg)
	decodePayload(t, readEvent(t, optoWS), &msg)

	ack := domain.MustEvent(domain.EventMessageRead, domain.MessageReadPayload{
		MessageID:      msg.Message.ID,
		ConversationID: convID,
	})
	require.NoError(t, optoWS.WriteJSON(ack))

	for _, ws := range []*websocket.Conn{patientWS, optoWS} {
		ev := readEvent(t, ws)
		require.Equal(t, domain.EventMessageReadUpdate, ev.Type)
		var p domain.MessageReadUpdatePayload
		decodePayload(t, ev, &p)
		assert.Equal(t, msg.Message.ID, p.MessageID)
		assert.Equal(t, "opto-1", p.ReadBy.Raw)
	}

	// A duplicate ack writes nothing and fans nothing out: the next event
	// the acker sees is the reply to the count request, not a read update.
	require.NoError(t, optoWS.WriteJSON(ack))
	require.NoError(t, optoWS.WriteJSON(domain.MustEvent(domain.EventGetUnreadCount, nil)))

	require.NoError(t, optoWS.SetReadDeadline(time.Now().Add(2*time.Second)))
	var next domain.Event
	for {
		require.NoError(t, optoWS.ReadJSON(&next))
		require.NotEqual(t, domain.EventMessageReadUpdate, next.Type)
		if next.Type == domain.EventUnreadCount {
			break
		}
	}
}

func TestGetUnreadCountReportsZeroForJoinedRoom(t *testing.T) {
	env := newTestEnv(t)
	convID := createConversation(t, env)

	optoWS := env.dialWS(t, "opto-1", domain.UserTypeOptometrist)
	require.NoError(t, optoWS.WriteJSON(domain.MustEvent(domain.EventJoinConversation,
		domain.RoomPayload{ConversationID: convID})))
	require.NoError(t, optoWS.WriteJSON(domain.MustEvent(domain.EventGetUnreadCount, nil)))

	ev := readEvent(t, optoWS)
	require.Equal(t, domain.EventUnreadCount, ev.Type)
	var p domain.UnreadCountPayload
	decodePayload(t, ev, &p)
	assert.Equal(t, convID, p.ConversationID)
	assert.Equal(t, 0, p.Count)
}

func TestWSOutlivesRequestDeadline(t *testing.T) {
	store, err := devgateway.OpenStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	tokens := identity.NewTokenService("test-secret", time.Hour)
	gw := devgateway.New(store, tokens, nil)

	// A deadline on the upgrade request must not expire the socket or the
	// store calls made on its behalf.
	server := httptest.NewServer(middleware.Timeout(100 * time.Millisecond)(gw.Router([]string{"*"})))
	t.Cleanup(server.Close)
	env := &testEnv{server: server, tokens: tokens}

	convID := createConversation(t, env)
	ws := env.dialWS(t, "patient-1", domain.UserTypePatient)
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, ws.WriteJSON(domain.MustEvent(domain.EventJoinConversation,
		domain.RoomPayload{ConversationID: convID})))
	require.NoError(t, ws.WriteJSON(domain.MustEvent(domain.EventSendMessage,
		domain.SendMessagePayload{
			ConversationID: convID,
			MessageType:    "text",
			Content:        domain.MessageContent{Text: "still here"},
		})))

	// Join succeeded (no error event) and the send persisted and echoed.
	ev := readEvent(t, ws)
	assert.Equal(t, domain.EventNewMessage, ev.Type)
}

func TestWSRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}
