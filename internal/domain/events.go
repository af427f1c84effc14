package domain

import (
	"encoding/json"
	"fmt"
)

// Live event types exchanged over the duplex connection.
const (
	// client -> server
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMessageRead       = "message_read"
	EventGetUnreadCount    = "get_unread_count"

	// server -> client
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventMessageReadUpdate = "message_read_update"
	EventUnreadCount       = "unread_count"
	EventError             = "error"
)

// Event is the wire envelope for all live events, in both directions.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an envelope from a typed payload.
func NewEvent(eventType string, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: eventType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: raw}, nil
}

// MustEvent is NewEvent for payloads that cannot fail to encode.
func MustEvent(eventType string, payload any) Event {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// RoomPayload scopes join/leave/typing events to one conversation.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// MessageContent is the content body of an outbound send.
type MessageContent struct {
	Text string `json:"text"`
}

// SendMessagePayload is the outbound send_message body.
type SendMessagePayload struct {
	ConversationID string         `json:"conversationId"`
	MessageType    string         `json:"messageType"`
	Content        MessageContent `json:"content"`
}

// MessageReadPayload is the outbound read acknowledgement.
type MessageReadPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// NewMessagePayload wraps an inbound live-delivered message.
type NewMessagePayload struct {
	Message Message `json:"message"`
}

// UserTypingPayload is the inbound typing indicator, both start and stop.
type UserTypingPayload struct {
	ConversationID string  `json:"conversationId"`
	UserID         UserRef `json:"userId"`
}

// MessageReadUpdatePayload is the inbound read-receipt fan-out.
type MessageReadUpdatePayload struct {
	MessageID string  `json:"messageId"`
	ReadBy    UserRef `json:"readBy"`
}

// UnreadCountPayload answers get_unread_count, one event per conversation.
type UnreadCountPayload struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

// ErrorPayload is the inbound server-side error report.
type ErrorPayload struct {
	Message string `json:"message"`
}
