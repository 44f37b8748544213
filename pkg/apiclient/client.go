package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/messagelog"
)

// Client talks to the widget backend's session-adjacent endpoints. The
// streaming chat path does not go through here; see pkg/transport.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HistoryResponse is the backend's stored transcript for a session.
type HistoryResponse struct {
	SessionID string               `json:"sessionId"`
	Messages  []messagelog.Message `json:"messages"`
}

// History fetches the stored transcript for a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]messagelog.Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id is required")
	}

	var ret HistoryResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/api/sessions/%s/messages", sessionID), &ret); err != nil {
		return nil, errors.Wrap(err, "failed to fetch session history")
	}
	log.Debug().Str("component", "apiclient").Str("session_id", sessionID).Int("messages", len(ret.Messages)).Msg("fetched session history")
	return ret.Messages, nil
}

// Resume notifies the backend that a session is being resumed.
func (c *Client) Resume(ctx context.Context, sessionID string) error {
	return errors.Wrap(c.post(ctx, fmt.Sprintf("/api/sessions/%s/resume", sessionID)), "failed to resume session")
}

// Unsubscribe marks a session's notification channel as unsubscribed.
func (c *Client) Unsubscribe(ctx context.Context, sessionID string) error {
	return errors.Wrap(c.post(ctx, fmt.Sprintf("/api/sessions/%s/unsubscribe", sessionID)), "failed to unsubscribe session")
}

// HealthStatus is the backend's operational self-report. Consumed by ops
// tooling only; the widget core does not depend on it.
type HealthStatus struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Redis     string    `json:"redis"`
}

// Health queries the backend health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var ret HealthStatus
	if err := c.getJSON(ctx, "/health", &ret); err != nil {
		return nil, errors.Wrap(err, "failed to fetch health status")
	}
	return &ret, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "failed to decode response for %s", path)
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("POST %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
