package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// UserType distinguishes the two participant roles in a conversation.
type UserType string

const (
	UserTypePatient     UserType = "patient"
	UserTypeOptometrist UserType = "optometrist"
)

// UserRef is the normalized form of a user identity as it appears on the
// wire. Upstream payloads are inconsistent: a sender may be a bare id string
// or an object carrying "_id"/"id". Everything past the JSON boundary works
// with UserRef only.
type UserRef struct {
	Raw string
}

func (u UserRef) String() string       { return u.Raw }
func (u UserRef) IsZero() bool         { return u.Raw == "" }
func (u UserRef) Equal(o UserRef) bool { return u.Raw == o.Raw }

func (u UserRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Raw)
}

func (u *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		u.Raw = ""
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &u.Raw)
	}
	var obj struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("user ref: %w", err)
	}
	if obj.MongoID != "" {
		u.Raw = obj.MongoID
	} else {
		u.Raw = obj.ID
	}
	return nil
}

// Participant is one side of a 1:1 conversation.
type Participant struct {
	User     UserRef   `json:"userId"`
	Type     UserType  `json:"userType"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ConversationMetadata carries booking context attached at creation time.
type ConversationMetadata struct {
	AppointmentID    string `json:"appointmentId,omitempty"`
	ConsultationType string `json:"consultationType,omitempty"`
}

// Conversation is a 1:1 thread between a patient and an optometrist.
// Uniqueness of the participant pair is enforced server-side; the client
// must tolerate find-or-create returning an existing conversation.
type Conversation struct {
	ID              string               `json:"id"`
	Participants    []Participant        `json:"participants"`
	LastMessageText string               `json:"lastMessage,omitempty"`
	LastMessageAt   time.Time            `json:"lastMessageAt"`
	Metadata        ConversationMetadata `json:"metadata,omitempty"`
	Active          bool                 `json:"isActive"`
}

// OtherParticipant returns the participant that is not the given user.
func (c *Conversation) OtherParticipant(self UserRef) (Participant, bool) {
	for _, p := range c.Participants {
		if !p.User.Equal(self) {
			return p, true
		}
	}
	return Participant{}, false
}

// HasParticipant reports whether the user belongs to the conversation.
func (c *Conversation) HasParticipant(u UserRef) bool {
	for _, p := range c.Participants {
		if p.User.Equal(u) {
			return true
		}
	}
	return false
}

// ReadEntry records one participant's read acknowledgement of a message.
type ReadEntry struct {
	User   UserRef   `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message is a single chat message. Append-only from the client's
// perspective: the engine never edits or deletes, only appends read-by
// entries. The identifier is the deduplication key across REST-fetched and
// live-delivered copies.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Sender         UserRef     `json:"senderId"`
	SenderType     UserType    `json:"senderType"`
	Text           string      `json:"text"`
	ReadBy         []ReadEntry `json:"readBy,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`

	// Pending marks a locally-originated message awaiting its echo.
	// LocalID is set only while pending; it never leaves the process.
	Pending bool   `json:"-"`
	LocalID string `json:"-"`
}

// ReadByUser reports whether the message carries a read entry for u.
func (m *Message) ReadByUser(u UserRef) bool {
	for _, e := range m.ReadBy {
		if e.User.Equal(u) {
			return true
		}
	}
	return false
}

// MarkReadBy appends a read entry for u unless one already exists.
// Returns true if an entry was added.
func (m *Message) MarkReadBy(u UserRef, at time.Time) bool {
	if m.ReadByUser(u) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadEntry{User: u, ReadAt: at})
	return true
}

// ReadByAll reports whether every participant other than the sender has
// read the message. Used for the double-tick glyph on own messages.
func (m *Message) ReadByAll(participants []Participant) bool {
	for _, p := range participants {
		if p.User.Equal(m.Sender) {
			continue
		}
		if !m.ReadByUser(p.User) {
			return false
		}
	}
	return true
}
