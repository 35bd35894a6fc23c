package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-sync/internal/models"
)

// Client performs REST lookups against the backend API. The push channel
// carries deltas; these calls are the authoritative truth the stores
// reconcile against.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Token returns the current session bearer token; empty means
	// unauthenticated and the backend will reject the call.
	Token func() string
}

func NewClient(baseURL string, timeout time.Duration, token func() string) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: timeout}, Token: token}
}

type notificationsPage struct {
	Items []models.Notification `json:"items"`
	Total int                   `json:"total"`
}

// Notifications fetches one page of the notification listing, newest first.
func (c *Client) Notifications(ctx context.Context, skip, limit int) ([]models.Notification, error) {
	url := fmt.Sprintf("%s/notifications?skip=%d&limit=%d", c.BaseURL, skip, limit)
	var page notificationsPage
	if err := c.getJSON(ctx, url, &page); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return page.Items, nil
}

// MarkNotificationRead confirms a read transition server-side. The endpoint
// is idempotent: confirming an already-read notification is a no-op.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	url := fmt.Sprintf("%s/notifications/%s/read", c.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mark read %s: status %d", id, resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.getJSON(ctx, c.BaseURL+"/conversations", &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

func (c *Client) Presence(ctx context.Context, userID string) (models.Presence, error) {
	var out models.Presence
	if err := c.getJSON(ctx, c.BaseURL+"/presence/"+userID, &out); err != nil {
		return models.Presence{}, fmt.Errorf("presence %s: %w", userID, err)
	}
	out.UserID = userID
	out.Known = true
	return out, nil
}

func (c *Client) Order(ctx context.Context, orderID string) (models.Order, error) {
	var out models.Order
	if err := c.getJSON(ctx, c.BaseURL+"/orders/"+orderID, &out); err != nil {
		return models.Order{}, fmt.Errorf("order %s: %w", orderID, err)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.Token != nil {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return c.HTTP.Do(req)
}
