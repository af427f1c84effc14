package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optichat/internal/domain"
)

func TestUserRefNormalization(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		var u domain.UserRef
		require.NoError(t, json.Unmarshal([]byte(`"user-1"`), &u))
		assert.Equal(t, "user-1", u.Raw)
	})

	t.Run("ObjectWithMongoID", func(t *testing.T) {
		var u domain.UserRef
		require.NoError(t, json.Unmarshal([]byte(`{"_id":"user-2","name":"x"}`), &u))
		assert.Equal(t, "user-2", u.Raw)
	})

	t.Run("ObjectWithPlainID", func(t *testing.T) {
		var u domain.UserRef
		require.NoError(t, json.Unmarshal([]byte(`{"id":"user-3"}`), &u))
		assert.Equal(t, "user-3", u.Raw)
	})

	t.Run("Null", func(t *testing.T) {
		var u domain.UserRef
		require.NoError(t, json.Unmarshal([]byte(`null`), &u))
		assert.True(t, u.IsZero())
	})

	t.Run("MarshalsAsString", func(t *testing.T) {
		raw, err := json.Marshal(domain.UserRef{Raw: "user-4"})
		require.NoError(t, err)
		assert.JSONEq(t, `"user-4"`, string(raw))
	})
}

func TestMessageSenderShapeRoundTrip(t *testing.T) {
	// Sender arrives as an object in some payloads; downstream code only
	// ever sees the normalized id.
	raw := []byte(`{"id":"m1","conversationId":"c1","senderId":{"_id":"u1"},"text":"hi","createdAt":"2026-08-30T12:00:00Z"}`)
	var m domain.Message
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "u1", m.Sender.Raw)
}

func TestMarkReadByIdempotent(t *testing.T) {
	u := domain.UserRef{Raw: "u1"}
	m := domain.Message{ID: "m1"}

	assert.True(t, m.MarkReadBy(u, time.Now()))
	assert.False(t, m.MarkReadBy(u, time.Now()))
	assert.Len(t, m.ReadBy, 1)
	assert.True(t, m.ReadByUser(u))
}

func TestReadByAll(t *testing.T) {
	sender := domain.UserRef{Raw: "sender"}
	reader := domain.UserRef{Raw: "reader"}
	participants := []domain.Participant{
		{User: sender, Type: domain.UserTypePatient},
		{User: reader, Type: domain.UserTypeOptometrist},
	}

	m := domain.Message{ID: "m1", Sender: sender}
	assert.False(t, m.ReadByAll(participants))

	// The sender's own read never matters.
	m.MarkReadBy(sender, time.Now())
	assert.False(t, m.ReadByAll(participants))

	m.MarkReadBy(reader, time.Now())
	assert.True(t, m.ReadByAll(participants))
}

func TestConversationParticipants(t *testing.T) {
	a := domain.UserRef{Raw: "a"}
	b := domain.UserRef{Raw: "b"}
	c := domain.Conversation{
		ID: "c1",
		Participants: []domain.Participant{
			{User: a, Type: domain.UserTypePatient},
			{User: b, Type: domain.UserTypeOptometrist},
		},
	}

	other, ok := c.OtherParticipant(a)
	require.True(t, ok)
	assert.Equal(t, b, other.User)
	assert.True(t, c.HasParticipant(a))
	assert.False(t, c.HasParticipant(domain.UserRef{Raw: "z"}))
}
