// Package directory aggregates the user's conversations: REST listing with
// pagination, idempotent find-or-create, recency ordering, and the unread
// badge counts that feed the conversation list UI.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"optichat/internal/domain"
	"optichat/internal/rest"
)

// Lister is the REST collaborator slice the directory consumes.
type Lister interface {
	ListConversations(ctx context.Context, limit, skip int) (*rest.ConversationPage, error)
	CreateConversation(ctx context.Context, req rest.CreateConversationRequest) (*rest.CreateConversationResult, error)
	UnreadCounts(ctx context.Context) (map[string]int, error)
}

// Directory holds the known conversation set, most recently active first.
type Directory struct {
	client   Lister
	pageSize int
	self     domain.UserRef

	mu      sync.Mutex
	byID    map[string]*domain.Conversation
	unread  map[string]int
	hasMore bool
	fetched int // conversations fetched through pagination so far

	changeMu sync.RWMutex
	onChange []func()
}

func New(client Lister, self domain.UserRef, pageSize int) *Directory {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Directory{
		client:   client,
		pageSize: pageSize,
		self:     self,
		byID:     make(map[string]*domain.Conversation),
		unread:   make(map[string]int),
	}
}

// OnChange registers a callback fired after every directory mutation.
func (d *Directory) OnChange(fn func()) {
	d.changeMu.Lock()
	d.onChange = append(d.onChange, fn)
	d.changeMu.Unlock()
}

// LoadNextPage fetches the next page of conversations and merges it in.
// Returns whether more pages remain.
func (d *Directory) LoadNextPage(ctx context.Context) (bool, error) {
	d.mu.Lock()
	skip := d.fetched
	d.mu.Unlock()

	page, err := d.client.ListConversations(ctx, d.pageSize, skip)
	if err != nil {
		return false, fmt.Errorf("load conversations: %w", err)
	}

	d.mu.Lock()
	for i := range page.Conversations {
		c := page.Conversations[i]
		d.byID[c.ID] = &c
	}
	d.fetched += len(page.Conversations)
	d.hasMore = page.HasMore
	d.mu.Unlock()
	d.notify()
	return page.HasMore, nil
}

// Refresh refetches the first page, the strategy used on visibility change:
// a live event for a conversation outside the current window is not spliced
// in order, it just makes the next refresh pick it up.
func (d *Directory) Refresh(ctx context.Context) error {
	page, err := d.client.ListConversations(ctx, d.pageSize, 0)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}

	d.mu.Lock()
	for i := range page.Conversations {
		c := page.Conversations[i]
		d.byID[c.ID] = &c
	}
	if d.fetched < len(page.Conversations) {
		d.fetched = len(page.Conversations)
	}
	d.hasMore = page.HasMore
	d.mu.Unlock()
	d.notify()
	return nil
}

// FindOrCreate returns the 1:1 conversation with the target user, creating
// it remotely when none exists. The server is idempotent on the participant
// pair; an existing conversation is adopted in place, never duplicated in
// the list.
func (d *Directory) FindOrCreate(ctx context.Context, otherUserID string, otherUserType domain.UserType, meta domain.ConversationMetadata) (*domain.Conversation, bool, error) {
	result, err := d.client.CreateConversation(ctx, rest.CreateConversationRequest{
		OtherUserID:   otherUserID,
		OtherUserType: otherUserType,
		Metadata:      meta,
	})
	if err != nil {
		return nil, false, fmt.Errorf("find or create conversation: %w", err)
	}

	c := result.Conversation
	d.mu.Lock()
	d.byID[c.ID] = &c
	d.mu.Unlock()
	d.notify()
	return &c, result.IsNew, nil
}

// Conversations returns the known set ordered by last activity, newest
// first.
func (d *Directory) Conversations() []domain.Conversation {
	d.mu.Lock()
	out := make([]domain.Conversation, 0, len(d.byID))
	for _, c := range d.byID {
		out = append(out, *c)
	}
	d.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// HasMore reports whether further pages exist past what was fetched.
func (d *Directory) HasMore() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasMore
}

// OnNewMessage bumps the recency and preview of the message's conversation.
// A message for a conversation the directory has not seen is ignored here;
// the next Refresh adopts it.
func (d *Directory) OnNewMessage(msg domain.Message) {
	d.mu.Lock()
	c, ok := d.byID[msg.ConversationID]
	if !ok {
		d.mu.Unlock()
		return
	}
	if msg.CreatedAt.After(c.LastMessageAt) {
		c.LastMessageAt = msg.CreatedAt
		c.LastMessageText = msg.Text
	}
	if !msg.Sender.Equal(d.self) {
		d.unread[msg.ConversationID]++
	}
	d.mu.Unlock()
	d.notify()
}

// ApplyUnreadCount replaces one conversation's unread count, the payload of
// an inbound unread_count event.
func (d *Directory) ApplyUnreadCount(conversationID string, count int) {
	d.mu.Lock()
	if count <= 0 {
		delete(d.unread, conversationID)
	} else {
		d.unread[conversationID] = count
	}
	d.mu.Unlock()
	d.notify()
}

// RefreshUnread refetches the full unread aggregate over REST.
func (d *Directory) RefreshUnread(ctx context.Context) error {
	counts, err := d.client.UnreadCounts(ctx)
	if err != nil {
		return fmt.Errorf("refresh unread counts: %w", err)
	}
	d.mu.Lock()
	d.unread = make(map[string]int, len(counts))
	for id, n := range counts {
		if n > 0 {
			d.unread[id] = n
		}
	}
	d.mu.Unlock()
	d.notify()
	return nil
}

// Unread returns one conversation's unread count.
func (d *Directory) Unread(conversationID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unread[conversationID]
}

// TotalUnread returns the badge total across all conversations.
func (d *Directory) TotalUnread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.unread {
		total += n
	}
	return total
}

func (d *Directory) notify() {
	d.changeMu.RLock()
	handlers := append([]func(){}, d.onChange...)
	d.changeMu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}
