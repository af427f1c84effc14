// Package rest consumes the remote history/listing service. It is the
// engine's only request/response surface; everything live arrives over the
// duplex connection instead.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"optichat/internal/domain"
)

// Client talks to the conversation/message REST endpoints with bearer auth.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a REST client. httpClient may be nil.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
	}
}

// ConversationPage is one page of the conversation listing.
type ConversationPage struct {
	Conversations []domain.Conversation `json:"conversations"`
	HasMore       bool                  `json:"hasMore"`
}

// CreateConversationRequest is the find-or-create body.
type CreateConversationRequest struct {
	OtherUserID   string                      `json:"otherUserId"`
	OtherUserType domain.UserType             `json:"otherUserType"`
	Metadata      domain.ConversationMetadata `json:"metadata,omitempty"`
}

// CreateConversationResult reports whether the server created a new
// conversation or returned the existing one for the participant pair.
type CreateConversationResult struct {
	Conversation domain.Conversation `json:"conversation"`
	IsNew        bool                `json:"isNew"`
}

type messagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

type unreadCountsResponse struct {
	Counts map[string]int `json:"counts"`
}

// ListConversations fetches one page of conversations for the current user,
// most recently active first.
func (c *Client) ListConversations(ctx context.Context, limit, skip int) (*ConversationPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("skip", strconv.Itoa(skip))

	var page ConversationPage
	if err := c.get(ctx, "/conversations", q, &page); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return &page, nil
}

// CreateConversation finds or creates the 1:1 conversation with the target
// user. The server enforces pair uniqueness; an existing conversation comes
// back with IsNew false.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (*CreateConversationResult, error) {
	var result CreateConversationResult
	if err := c.post(ctx, "/conversations", req, &result); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &result, nil
}

// ListMessages fetches the history snapshot for a conversation, ascending by
// creation time (most recent last).
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	q := url.Values{}
	q.Set("conversationId", conversationID)

	var resp messagesResponse
	if err := c.get(ctx, "/messages", q, &resp); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return resp.Messages, nil
}

// UnreadCounts fetches the per-conversation unread aggregate for the
// current user.
func (c *Client) UnreadCounts(ctx context.Context) (map[string]int, error) {
	var resp unreadCountsResponse
	if err := c.get(ctx, "/unread-counts", nil, &resp); err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	return resp.Counts, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.ErrInvalidInput
	default:
		return fmt.Errorf("unexpected status %d: %w", code, domain.ErrInternal)
	}
}
