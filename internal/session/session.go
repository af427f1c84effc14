// Package session is the process-wide coordinator for the messaging panel:
// it owns the active-conversation pointer and visibility flag, wires the
// connection, room, stream, typing, read-receipt, and directory components
// together, and serializes every state mutation through one command loop so
// handlers for a conversation never run concurrently.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"optichat/internal/config"
	"optichat/internal/conn"
	"optichat/internal/directory"
	"optichat/internal/domain"
	"optichat/internal/identity"
	"optichat/internal/readreceipt"
	"optichat/internal/rest"
	"optichat/internal/room"
	"optichat/internal/stream"
	"optichat/internal/typing"
)

// Session is the engine facade. Create on login, Close on logout.
type Session struct {
	cfg *config.Config
	id  identity.Identity
	log *slog.Logger

	conn   *conn.Manager
	restc  *rest.Client
	rooms  *room.Tracker
	recon  *stream.Reconciler
	typing *typing.Machine
	reads  *readreceipt.Tracker
	dir    *directory.Directory

	cmds chan func()
	done chan struct{}

	mu      sync.Mutex
	started bool
	visible bool

	cbMu     sync.RWMutex
	onError  []func(error)
	onUpdate []func()
}

// New builds a session for the given bearer token. No I/O happens until
// Start.
func New(cfg *config.Config, token string, log *slog.Logger) (*Session, error) {
	id, err := identity.FromToken(token)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	manager := conn.NewManager(conn.Options{
		GatewayURL:           cfg.GatewayURL,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Logger:               log,
	})
	restc := rest.NewClient(cfg.APIBaseURL, token, nil)
	recon := stream.NewReconciler(restc, manager, id.User, id.Type)
	reads := readreceipt.NewTracker(manager, recon, id.User)

	s := &Session{
		cfg:    cfg,
		id:     id,
		log:    log,
		conn:   manager,
		restc:  restc,
		rooms:  room.NewTracker(manager),
		recon:  recon,
		typing: typing.NewMachine(manager, id.User, typing.Options{
			Debounce:    cfg.TypingDebounce,
			PeerTimeout: cfg.PeerTypingTimeout,
		}),
		reads: reads,
		dir:   directory.New(restc, id.User, cfg.ConversationPageSize),
		cmds:  make(chan func(), 64),
		done:  make(chan struct{}),
	}
	s.wire()
	return s, nil
}

// wire registers the live-event and lifecycle handlers once; they stay
// registered for the life of the session and route through the command
// loop. Conversation-scoped behavior is guarded by the active pointer, not
// by re-registration.
func (s *Session) wire() {
	s.conn.On(domain.EventNewMessage, func(ev domain.Event) {
		var p domain.NewMessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.log.Warn("malformed new_message payload", "error", err)
			return
		}
		s.post(func() {
			s.dir.OnNewMessage(p.Message)
			if p.Message.ConversationID != s.recon.Active() {
				return
			}
			s.recon.OnLiveMessage(p.Message)
			s.reads.MarkMessage(p.Message)
		})
	})

	peerTyping := func(ev domain.Event) {
		var p domain.UserTypingPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.log.Warn("malformed typing payload", "type", ev.Type, "error", err)
			return
		}
		eventType := ev.Type
		s.post(func() { s.typing.HandlePeerEvent(eventType, p) })
	}
	s.conn.On(domain.EventUserTyping, peerTyping)
	s.conn.On(domain.EventUserStoppedTyping, peerTyping)

	s.conn.On(domain.EventMessageReadUpdate, func(ev domain.Event) {
		var p domain.MessageReadUpdatePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.log.Warn("malformed message_read_update payload", "error", err)
			return
		}
		s.post(func() { s.reads.OnReadUpdate(p) })
	})

	s.conn.On(domain.EventUnreadCount, func(ev domain.Event) {
		var p domain.UnreadCountPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.log.Warn("malformed unread_count payload", "error", err)
			return
		}
		s.post(func() { s.dir.ApplyUnreadCount(p.ConversationID, p.Count) })
	})

	s.conn.On(domain.EventError, func(ev domain.Event) {
		var p domain.ErrorPayload
		_ = json.Unmarshal(ev.Payload, &p)
		s.log.Warn("gateway error event", "message", p.Message)
	})

	s.conn.OnStateChange(func(st conn.State) {
		s.post(func() {
			switch st {
			case conn.StateConnected:
				s.rooms.HandleConnectionUp()
			case conn.StateDisconnected:
				s.rooms.HandleConnectionDown()
				s.typing.HandleConnectionDown()
			}
			s.notifyUpdate()
		})
	})

	s.conn.OnAuthError(func(err error) {
		s.notifyError(err)
	})

	s.recon.OnChange(s.notifyUpdate)
	s.dir.OnChange(s.notifyUpdate)
	s.typing.OnPeerChange(func(bool) { s.notifyUpdate() })
}

// Start connects to the gateway and begins processing. The initial
// directory page and unread aggregate load in the background; their
// failures surface through OnError, not as a failed Start.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	go s.run()

	if err := s.conn.Connect(ctx, s.id.Token); err != nil {
		// Transport failures are non-fatal: the reconnect loop owns
		// recovery, only auth rejection is terminal.
		s.notifyError(err)
	}

	go func() {
		if _, err := s.dir.LoadNextPage(ctx); err != nil {
			s.notifyError(err)
		}
		if err := s.dir.RefreshUnread(ctx); err != nil {
			s.notifyError(err)
		}
	}()
	return nil
}

// Close tears the session down: leaves the room, disconnects, stops the
// loop. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.rooms.SetActive("")
	s.typing.SetConversation("")
	s.recon.SetActive("")
	s.conn.Disconnect()
	close(s.done)
}

func (s *Session) run() {
	for {
		select {
		case cmd := <-s.cmds:
			cmd()
		case <-s.done:
			return
		}
	}
}

// post enqueues a mutation on the command loop; dropped once closed.
func (s *Session) post(cmd func()) {
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}

// OpenConversation makes conversationID the active conversation: typing
// state for the previous one is closed out, the room membership moves, the
// reconciler retargets, and the history snapshot loads. A history response
// arriving after another switch is discarded by the reconciler's own
// stale-fetch tagging.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) {
	s.post(func() {
		if s.recon.Active() == conversationID {
			return
		}
		s.typing.SetConversation(conversationID)
		s.reads.Reset()
		s.rooms.SetActive(conversationID)
		s.recon.SetActive(conversationID)
		if conversationID == "" {
			return
		}

		go func() {
			err := s.recon.LoadHistory(ctx, conversationID)
			switch err {
			case nil:
				s.post(func() {
					if s.recon.Active() != conversationID {
						return
					}
					s.reads.ScanAndMark(s.recon.Messages())
				})
			case domain.ErrStaleFetch:
				// User already moved on; nothing to surface.
			default:
				s.notifyError(err)
			}
		}()
	})
}

// CloseConversation leaves the active conversation, if any.
func (s *Session) CloseConversation() {
	s.OpenConversation(context.Background(), "")
}

// SendMessage sends text optimistically in the active conversation and
// ends the local typing run. Returns the provisional local id.
func (s *Session) SendMessage(text string) (string, error) {
	localID, err := s.recon.SendOptimistic(text)
	if err != nil {
		return "", err
	}
	s.typing.MessageSent()
	return localID, nil
}

// Keystroke feeds the typing debounce for the active conversation.
func (s *Session) Keystroke() {
	s.typing.Keystroke()
}

// SetVisible flips the messaging panel visibility. Becoming visible
// refreshes the first directory page, the catch-up strategy for live
// events that landed outside the fetched window.
func (s *Session) SetVisible(ctx context.Context, visible bool) {
	s.mu.Lock()
	was := s.visible
	s.visible = visible
	s.mu.Unlock()
	if visible && !was {
		go func() {
			if err := s.dir.Refresh(ctx); err != nil {
				s.notifyError(err)
			}
		}()
	}
}

// FindOrCreateConversation resolves the 1:1 conversation with a user.
func (s *Session) FindOrCreateConversation(ctx context.Context, otherUserID string, otherUserType domain.UserType, meta domain.ConversationMetadata) (*domain.Conversation, bool, error) {
	return s.dir.FindOrCreate(ctx, otherUserID, otherUserType, meta)
}

// Read-side accessors for the UI layer.

func (s *Session) Identity() identity.Identity          { return s.id }
func (s *Session) ConnectionState() conn.State          { return s.conn.State() }
func (s *Session) ActiveConversation() string           { return s.recon.Active() }
func (s *Session) Messages() []domain.Message           { return s.recon.Messages() }
func (s *Session) PendingMessages() []domain.Message    { return s.recon.Pending() }
func (s *Session) PeerTyping() bool                     { return s.typing.PeerTyping() }
func (s *Session) Conversations() []domain.Conversation { return s.dir.Conversations() }
func (s *Session) TotalUnread() int                     { return s.dir.TotalUnread() }
func (s *Session) Unread(conversationID string) int     { return s.dir.Unread(conversationID) }

// Directory exposes pagination for the conversation list UI.
func (s *Session) Directory() *directory.Directory { return s.dir }

// OnError registers a callback for non-fatal engine errors (REST failures,
// auth rejection). Nothing the engine does is fatal to the host process.
func (s *Session) OnError(fn func(error)) {
	s.cbMu.Lock()
	s.onError = append(s.onError, fn)
	s.cbMu.Unlock()
}

// OnUpdate registers a callback fired whenever observable state changed.
func (s *Session) OnUpdate(fn func()) {
	s.cbMu.Lock()
	s.onUpdate = append(s.onUpdate, fn)
	s.cbMu.Unlock()
}

func (s *Session) notifyError(err error) {
	s.log.Warn("engine error", "error", err)
	s.cbMu.RLock()
	handlers := append([]func(error){}, s.onError...)
	s.cbMu.RUnlock()
	for _, fn := range handlers {
		fn(err)
	}
}

func (s *Session) notifyUpdate() {
	s.cbMu.RLock()
	handlers := append([]func(){}, s.onUpdate...)
	s.cbMu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}
