package session_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optichat/internal/config"
	"optichat/internal/devgateway"
	"optichat/internal/domain"
	"optichat/internal/identity"
	"optichat/internal/session"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

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

func (e *testEnv) startSession(t *testing.T, userID string, userType domain.UserType) *session.Session {
	t.Helper()
	token, err := e.tokens.CreateForUser(userID, userType)
	require.NoError(t, err)

	cfg := &config.Config{
		GatewayURL:           "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws",
		APIBaseURL:           e.server.URL + "/api",
		TypingDebounce:       50 * time.Millisecond,
		PeerTypingTimeout:    3 * time.Second,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		ConversationPageSize: 20,
	}
	s, err := session.New(cfg, token, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func TestSessionMessageFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	patient := env.startSession(t, "patient-1", domain.UserTypePatient)
	opto := env.startSession(t, "opto-1", domain.UserTypeOptometrist)

	conv, isNew, err := patient.FindOrCreateConversation(ctx, "opto-1", domain.UserTypeOptometrist, domain.ConversationMetadata{})
	require.NoError(t, err)
	require.True(t, isNew)

	patient.OpenConversation(ctx, conv.ID)
	opto.OpenConversation(ctx, conv.ID)

	require.Eventually(t, func() bool {
		return patient.ActiveConversation() == conv.ID && opto.ActiveConversation() == conv.ID
	}, waitFor, tick)

	localID, err := patient.SendMessage("hello from the waiting room")
	require.NoError(t, err)
	assert.NotEmpty(t, localID)

	// The provisional entry shows immediately, then the gateway echo
	// confirms it in place without a duplicate.
	messages := patient.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "hello from the waiting room", messages[0].Text)

	require.Eventually(t, func() bool {
		messages := patient.Messages()
		return len(messages) == 1 && !messages[0].Pending && messages[0].ID != ""
	}, waitFor, tick)
	assert.Empty(t, patient.PendingMessages())

	// The other side receives the same message live.
	require.Eventually(t, func() bool {
		messages := opto.Messages()
		return len(messages) == 1 && messages[0].Text == "hello from the waiting room"
	}, waitFor, tick)

	// Viewing the open conversation acks the read, which flows back to the
	// sender as a receipt.
	require.Eventually(t, func() bool {
		messages := patient.Messages()
		return len(messages) == 1 && messages[0].ReadByUser(domain.UserRef{Raw: "opto-1"})
	}, waitFor, tick)
}

func TestSessionUnreadBadge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	patient := env.startSession(t, "patient-1", domain.UserTypePatient)
	conv, _, err := patient.FindOrCreateConversation(ctx, "opto-1", domain.UserTypeOptometrist, domain.ConversationMetadata{})
	require.NoError(t, err)

	// The optometrist starts after the conversation exists so the initial
	// directory page includes it.
	opto := env.startSession(t, "opto-1", domain.UserTypeOptometrist)
	require.Eventually(t, func() bool {
		return len(opto.Conversations()) == 1
	}, waitFor, tick)

	patient.OpenConversation(ctx, conv.ID)
	require.Eventually(t, func() bool {
		return patient.ActiveConversation() == conv.ID
	}, waitFor, tick)

	_, err = patient.SendMessage("any update on my prescription?")
	require.NoError(t, err)

	// Unopened conversation: the live message only bumps the badge.
	require.Eventually(t, func() bool {
		return opto.Unread(conv.ID) == 1 && opto.TotalUnread() == 1
	}, waitFor, tick)

	// Opening reads the history, which clears the badge via the refreshed
	// count from the gateway.
	opto.OpenConversation(ctx, conv.ID)
	require.Eventually(t, func() bool {
		return opto.Unread(conv.ID) == 0
	}, waitFor, tick)

	// The read state survives a refetch of the directory.
	opto.SetVisible(ctx, true)
	assert.Never(t, func() bool {
		return opto.TotalUnread() != 0
	}, 200*time.Millisecond, tick)
}

func TestSessionTypingIndicator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	patient := env.startSession(t, "patient-1", domain.UserTypePatient)
	opto := env.startSession(t, "opto-1", domain.UserTypeOptometrist)

	conv, _, err := patient.FindOrCreateConversation(ctx, "opto-1", domain.UserTypeOptometrist, domain.ConversationMetadata{})
	require.NoError(t, err)

	patient.OpenConversation(ctx, conv.ID)
	opto.OpenConversation(ctx, conv.ID)
	require.Eventually(t, func() bool {
		return patient.ActiveConversation() == conv.ID && opto.ActiveConversation() == conv.ID
	}, waitFor, tick)
	// Let both joins land at the gateway before typing fans out.
	time.Sleep(50 * time.Millisecond)

	patient.Keystroke()
	require.Eventually(t, func() bool {
		return opto.PeerTyping()
	}, waitFor, tick)

	// The debounce expires without further keystrokes and the indicator
	// clears on the other side.
	require.Eventually(t, func() bool {
		return !opto.PeerTyping()
	}, waitFor, tick)
}

func TestSessionSendRequiresOpenConversation(t *testing.T) {
	env := newTestEnv(t)
	patient := env.startSession(t, "patient-1", domain.UserTypePatient)

	_, err := patient.SendMessage("into the void")
	assert.Error(t, err)
}
