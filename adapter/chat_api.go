package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ChatAPI is the REST side of chat and notifications. Callers that need a
// message delivered while the realtime channel is down post it here.
type ChatAPI struct {
	sender Sender
}

// NewChatAPI creates a chat API bound to sender, normally the Pipeline
func NewChatAPI(sender Sender) *ChatAPI {
	return &ChatAPI{sender: sender}
}

// Page is one page of a paginated list endpoint
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// HasNext reports whether another page follows
func (p *Page[T]) HasNext() bool {
	return p.Next != nil && *p.Next != ""
}

type Conversation struct {
	ID           int64     `json:"id"`
	Property     *int64    `json:"property,omitempty"`
	Participants []int64   `json:"participants"`
	UnreadCount  int       `json:"unread_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Message struct {
	ID             int64     `json:"id"`
	Conversation   int64     `json:"conversation"`
	Sender         int64     `json:"sender"`
	SenderUsername string    `json:"sender_username"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}

type Notification struct {
	ID        int64     `json:"id"`
	Verb      string    `json:"verb"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

// ListParams selects a page of a list endpoint; zero values are omitted
type ListParams struct {
	Page       int
	PageSize   int
	UnreadOnly bool
}

func (p ListParams) query() url.Values {
	q := url.Values{}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(p.PageSize))
	}
	if p.UnreadOnly {
		q.Set("is_read", "false")
	}
	return q
}

// Conversations lists the caller's conversations
func (c *ChatAPI) Conversations(ctx context.Context, params ListParams) (*Page[Conversation], error) {
	page, err := DoJSON[Page[Conversation]](ctx, c.sender, RequestSpec{
		Method: http.MethodGet,
		Path:   "chat/conversations/",
		Query:  params.query(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return page, nil
}

// Messages returns one page of a conversation's history, newest first
func (c *ChatAPI) Messages(ctx context.Context, conversationID int64, params ListParams) (*Page[Message], error) {
	page, err := DoJSON[Page[Message]](ctx, c.sender, RequestSpec{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("chat/conversations/%d/messages/", conversationID),
		Query:  params.query(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for conversation %d: %w", conversationID, err)
	}
	return page, nil
}

// PostMessage stores a message through the API. The server broadcasts it to
// open channels, so the sender sees it arrive as a chat.message frame too.
func (c *ChatAPI) PostMessage(ctx context.Context, conversationID int64, content string) (*Message, error) {
	msg, err := DoJSON[Message](ctx, c.sender, RequestSpec{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("chat/conversations/%d/messages/", conversationID),
		Body:   map[string]string{"content": content},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to post message to conversation %d: %w", conversationID, err)
	}
	return msg, nil
}

// MarkConversationRead marks every message in the conversation read
func (c *ChatAPI) MarkConversationRead(ctx context.Context, conversationID int64) error {
	_, err := c.sender.Send(ctx, RequestSpec{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("chat/conversations/%d/read/", conversationID),
	})
	if err != nil {
		return fmt.Errorf("failed to mark conversation %d read: %w", conversationID, err)
	}
	return nil
}

func (c *ChatAPI) Notifications(ctx context.Context, params ListParams) (*Page[Notification], error) {
	page, err := DoJSON[Page[Notification]](ctx, c.sender, RequestSpec{
		Method: http.MethodGet,
		Path:   "notifications/",
		Query:  params.query(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return page, nil
}

func (c *ChatAPI) MarkNotificationRead(ctx context.Context, id int64) error {
	_, err := c.sender.Send(ctx, RequestSpec{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("notifications/%d/", id),
		Body:   map[string]bool{"is_read": true},
	})
	if err != nil {
		return fmt.Errorf("failed to mark notification %d read: %w", id, err)
	}
	return nil
}
