package devgateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"optichat/internal/domain"
)

// Store persists gateway state in SQLite. The production message service is
// out of scope for the engine; this store backs the loopback gateway used
// for development and integration tests.
type Store struct {
	db *sql.DB
}

// OpenStore opens the SQLite database and runs migrations.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			appointment_id TEXT DEFAULT '',
			consultation_type TEXT DEFAULT '',
			is_active BOOLEAN DEFAULT TRUE,
			last_message TEXT DEFAULT '',
			last_message_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			user_type TEXT NOT NULL,
			joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			read_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY (message_id) REFERENCES messages(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_message_at ON conversations(last_message_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// FindOrCreateConversation returns the conversation between the two users,
// creating it when none exists. Pair uniqueness is enforced here so the
// clients' find-or-create stays idempotent.
func (s *Store) FindOrCreateConversation(ctx context.Context, a, b domain.Participant, meta domain.ConversationMetadata) (*domain.Conversation, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT p1.conversation_id
		FROM conversation_participants p1
		JOIN conversation_participants p2 ON p1.conversation_id = p2.conversation_id
		WHERE p1.user_id = ? AND p2.user_id = ?`,
		a.User.Raw, b.User.Raw).Scan(&id)
	switch {
	case err == nil:
		conv, gerr := s.GetConversation(ctx, id)
		return conv, false, gerr
	case err != sql.ErrNoRows:
		return nil, false, fmt.Errorf("find conversation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	id = uuid.NewString()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, appointment_id, consultation_type, is_active, last_message_at, created_at)
		VALUES (?, ?, ?, TRUE, ?, ?)`,
		id, meta.AppointmentID, meta.ConsultationType, now, now); err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	for _, p := range []domain.Participant{a, b} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, user_type, joined_at)
			VALUES (?, ?, ?, ?)`,
			id, p.User.Raw, string(p.Type), now); err != nil {
			return nil, false, fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	conv, err := s.GetConversation(ctx, id)
	return conv, true, err
}

// GetConversation loads one conversation with its participants.
func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, appointment_id, consultation_type, is_active, last_message, last_message_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Metadata.AppointmentID, &c.Metadata.ConsultationType,
			&c.Active, &c.LastMessageText, &c.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if c.Participants, err = s.participants(ctx, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) participants(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, user_type, joined_at
		FROM conversation_participants WHERE conversation_id = ?
		ORDER BY joined_at, user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var p domain.Participant
		var userType string
		if err := rows.Scan(&p.User.Raw, &userType, &p.JoinedAt); err != nil {
			return nil, err
		}
		p.Type = domain.UserType(userType)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListConversationsForUser pages through the user's conversations ordered
// by recency. The extra row probes for hasMore.
func (s *Store) ListConversationsForUser(ctx context.Context, userID string, limit, skip int) ([]domain.Conversation, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.last_message_at DESC, c.id
		LIMIT ? OFFSET ?`, userID, limit+1, skip)
	if err != nil {
		return nil, false, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}
	out := make([]domain.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, false, err
		}
		out = append(out, *c)
	}
	return out, hasMore, nil
}

// IsParticipant reports conversation membership.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?`, conversationID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return n > 0, nil
}

// ParticipantIDs returns the user ids in a conversation.
func (s *Store) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	ps, err := s.participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.User.Raw
	}
	return ids, nil
}

// CreateMessage persists a message and bumps the conversation preview.
func (s *Store) CreateMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sender_type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Sender.Raw, string(m.SenderType), m.Text, m.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message = ?, last_message_at = ? WHERE id = ?`,
		m.Text, m.CreatedAt, m.ConversationID); err != nil {
		return fmt.Errorf("update conversation preview: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns the conversation history ascending by creation time,
// read-by entries attached.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, sender_type, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	index := make(map[string]int)
	for rows.Next() {
		var m domain.Message
		var senderType string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender.Raw, &senderType, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderType = domain.UserType(senderType)
		index[m.ID] = len(out)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reads, err := s.db.QueryContext(ctx, `
		SELECT r.message_id, r.user_id, r.read_at
		FROM message_reads r
		JOIN messages m ON m.id = r.message_id
		WHERE m.conversation_id = ?
		ORDER BY r.read_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list message reads: %w", err)
	}
	defer reads.Close()

	for reads.Next() {
		var messageID string
		var e domain.ReadEntry
		if err := reads.Scan(&messageID, &e.User.Raw, &e.ReadAt); err != nil {
			return nil, err
		}
		if i, ok := index[messageID]; ok {
			out[i].ReadBy = append(out[i].ReadBy, e)
		}
	}
	return out, reads.Err()
}

// MarkRead records a read acknowledgement. Re-acking is a no-op; the bool
// reports whether a new entry was written.
func (s *Store) MarkRead(ctx context.Context, messageID, userID string) (bool, string, error) {
	var conversationID string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM messages WHERE id = ?`, messageID).Scan(&conversationID)
	if err == sql.ErrNoRows {
		return false, "", domain.ErrNotFound
	}
	if err != nil {
		return false, "", fmt.Errorf("find message: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
		VALUES (?, ?, ?)`, messageID, userID, time.Now().UTC())
	if err != nil {
		return false, "", fmt.Errorf("mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, conversationID, nil
}

// UnreadCounts aggregates, per conversation, messages addressed to the
// user that carry no read entry from them.
func (s *Store) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		JOIN conversation_participants p
			ON p.conversation_id = m.conversation_id AND p.user_id = ?
		WHERE m.sender_id != ?
			AND NOT EXISTS (
				SELECT 1 FROM message_reads r
				WHERE r.message_id = m.id AND r.user_id = ?
			)
		GROUP BY m.conversation_id`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}
