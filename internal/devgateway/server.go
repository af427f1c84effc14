// Package devgateway is a loopback implementation of the remote chat
// service the engine talks to: the REST history/listing endpoints and the
// duplex event surface, backed by SQLite. It exists so the engine can be
// developed and integration-tested without the production backend.
package devgateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"optichat/internal/domain"
	"optichat/internal/identity"
)

// Gateway serves the REST and websocket surface.
type Gateway struct {
	store  *Store
	tokens *identity.TokenService
	hub    *hub
	log    *slog.Logger
}

func New(store *Store, tokens *identity.TokenService, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		store:  store,
		tokens: tokens,
		hub:    newHub(),
		log:    log,
	}
}

// Router builds the HTTP router: /api for REST, /ws for the event stream.
func (g *Gateway) Router(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Request deadlines apply to REST only; /ws connections live for hours.
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post("/auth/token", g.handleIssueToken)

		r.Group(func(r chi.Router) {
			r.Use(g.authMiddleware)
			r.Get("/conversations", g.handleListConversations)
			r.Post("/conversations", g.handleCreateConversation)
			r.Get("/messages", g.handleListMessages)
			r.Get("/unread-counts", g.handleUnreadCounts)
		})
	})

	r.Get("/ws", g.handleWS)
	return r
}

type ctxKey int

const identityKey ctxKey = 0

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := g.authenticate(strings.TrimSpace(header[len("Bearer "):]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func (g *Gateway) authenticate(token string) (identity.Identity, error) {
	claims, err := g.tokens.Parse(token)
	if err != nil {
		return identity.Identity{}, err
	}
	sub, _ := claims["sub"].(string)
	typ, _ := claims["typ"].(string)
	if sub == "" {
		return identity.Identity{}, domain.ErrUnauthorized
	}
	return identity.Identity{
		User:  domain.UserRef{Raw: sub},
		Type:  domain.UserType(typ),
		Token: token,
	}, nil
}

func callerIdentity(r *http.Request) identity.Identity {
	id, _ := r.Context().Value(identityKey).(identity.Identity)
	return id
}

func (g *Gateway) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string          `json:"userId"`
		UserType domain.UserType `json:"userType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId and userType are required")
		return
	}
	switch req.UserType {
	case domain.UserTypePatient, domain.UserTypeOptometrist:
	default:
		writeError(w, http.StatusBadRequest, "userType must be patient or optometrist")
		return
	}
	token, err := g.tokens.CreateForUser(req.UserID, req.UserType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := callerIdentity(r)
	limit := queryInt(r, "limit", 20)
	skip := queryInt(r, "skip", 0)

	conversations, hasMore, err := g.store.ListConversationsForUser(r.Context(), id.User.Raw, limit, skip)
	if err != nil {
		g.log.Error("list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if conversations == nil {
		conversations = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": conversations,
		"hasMore":       hasMore,
	})
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id := callerIdentity(r)
	var req struct {
		OtherUserID   string                      `json:"otherUserId"`
		OtherUserType domain.UserType             `json:"otherUserType"`
		Metadata      domain.ConversationMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OtherUserID == "" {
		writeError(w, http.StatusBadRequest, "otherUserId is required")
		return
	}
	if req.OtherUserID == id.User.Raw {
		writeError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}

	now := time.Now().UTC()
	self := domain.Participant{User: id.User, Type: id.Type, JoinedAt: now}
	other := domain.Participant{
		User:     domain.UserRef{Raw: req.OtherUserID},
		Type:     req.OtherUserType,
		JoinedAt: now,
	}
	conv, isNew, err := g.store.FindOrCreateConversation(r.Context(), self, other, req.Metadata)
	if err != nil {
		g.log.Error("create conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"isNew":        isNew,
	})
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := callerIdentity(r)
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	ok, err := g.store.IsParticipant(r.Context(), conversationID, id.User.Raw)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant in this conversation")
		return
	}

	messages, err := g.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		g.log.Error("list messages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (g *Gateway) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	id := callerIdentity(r)
	counts, err := g.store.UnreadCounts(r.Context(), id.User.Raw)
	if err != nil {
		g.log.Error("unread counts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to aggregate unread counts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

var upgrader = websocket.Upgrader{
	// The gateway is a local development tool; origin policy stays open.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			token = strings.TrimSpace(header[len("Bearer "):])
		}
	}
	id, err := g.authenticate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: wsConn, userID: id.User.Raw, userType: id.Type}
	g.hub.register(c)
	g.log.Info("ws connected", "user", c.userID)
	defer func() {
		g.hub.unregister(c)
		_ = wsConn.Close()
		g.log.Info("ws disconnected", "user", c.userID)
	}()

	// Store calls are scoped to the connection, not the upgrade request:
	// any deadline on r.Context() would expire a long-lived socket.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		var ev domain.Event
		if err := wsConn.ReadJSON(&ev); err != nil {
			return
		}
		g.handleEvent(ctx, c, ev)
	}
}

func (g *Gateway) handleEvent(ctx context.Context, c *client, ev domain.Event) {
	switch ev.Type {
	case domain.EventJoinConversation:
		var p domain.RoomPayload
		if json.Unmarshal(ev.Payload, &p) != nil || p.ConversationID == "" {
			g.sendError(c, "join_conversation requires conversationId")
			return
		}
		ok, err := g.store.IsParticipant(ctx, p.ConversationID, c.userID)
		if err != nil || !ok {
			g.sendError(c, "not allowed for this conversation")
			return
		}
		c.setRoom(p.ConversationID)

	case domain.EventLeaveConversation:
		c.setRoom("")

	case domain.EventSendMessage:
		var p domain.SendMessagePayload
		if json.Unmarshal(ev.Payload, &p) != nil || p.ConversationID == "" || p.Content.Text == "" {
			g.sendError(c, "send_message requires conversationId and non-empty text")
			return
		}
		ok, err := g.store.IsParticipant(ctx, p.ConversationID, c.userID)
		if err != nil || !ok {
			g.sendError(c, "not allowed for this conversation")
			return
		}
		msg := &domain.Message{
			ConversationID: p.ConversationID,
			Sender:         domain.UserRef{Raw: c.userID},
			SenderType:     c.userType,
			Text:           p.Content.Text,
		}
		if err := g.store.CreateMessage(ctx, msg); err != nil {
			g.log.Error("create message", "error", err)
			g.sendError(c, "failed to send message")
			return
		}
		participantIDs, err := g.store.ParticipantIDs(ctx, p.ConversationID)
		if err != nil {
			return
		}
		// Delivered to every connection of both participants, the sender
		// included: the echo is what confirms an optimistic send.
		g.hub.broadcastToUsers(participantIDs, domain.MustEvent(domain.EventNewMessage,
			domain.NewMessagePayload{Message: *msg}))

	case domain.EventTypingStart, domain.EventTypingStop:
		var p domain.RoomPayload
		if json.Unmarshal(ev.Payload, &p) != nil || p.ConversationID == "" {
			return
		}
		out := domain.EventUserTyping
		if ev.Type == domain.EventTypingStop {
			out = domain.EventUserStoppedTyping
		}
		g.hub.broadcastToRoom(p.ConversationID, domain.MustEvent(out, domain.UserTypingPayload{
			ConversationID: p.ConversationID,
			UserID:         domain.UserRef{Raw: c.userID},
		}), c)

	case domain.EventMessageRead:
		var p domain.MessageReadPayload
		if json.Unmarshal(ev.Payload, &p) != nil || p.MessageID == "" {
			return
		}
		added, conversationID, err := g.store.MarkRead(ctx, p.MessageID, c.userID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				g.log.Error("mark read", "error", err)
			}
			return
		}
		if !added {
			return // duplicate ack, nothing to fan out
		}
		participantIDs, err := g.store.ParticipantIDs(ctx, conversationID)
		if err != nil {
			return
		}
		g.hub.broadcastToUsers(participantIDs, domain.MustEvent(domain.EventMessageReadUpdate,
			domain.MessageReadUpdatePayload{
				MessageID: p.MessageID,
				ReadBy:    domain.UserRef{Raw: c.userID},
			}))

	case domain.EventGetUnreadCount:
		counts, err := g.store.UnreadCounts(ctx, c.userID)
		if err != nil {
			g.log.Error("unread counts", "error", err)
			return
		}
		// The joined room always gets a count, zero included, so a badge
		// cleared by reading actually clears on the client.
		if room := c.room(); room != "" {
			if _, ok := counts[room]; !ok {
				counts[room] = 0
			}
		}
		for conversationID, count := range counts {
			_ = c.send(domain.MustEvent(domain.EventUnreadCount, domain.UnreadCountPayload{
				ConversationID: conversationID,
				Count:          count,
			}))
		}

	default:
		g.log.Warn("unknown event type", "type", ev.Type, "user", c.userID)
	}
}

func (g *Gateway) sendError(c *client, msg string) {
	_ = c.send(domain.MustEvent(domain.EventError, domain.ErrorPayload{Message: msg}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return def
}
