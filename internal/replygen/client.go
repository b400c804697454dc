// Package replygen calls the external reply generator for debounced inbound
// conversations.
package replygen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/acme/order-dispatch/internal/config"
	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

// Request is one combined inbound message.
type Request struct {
	CombinedText   string  `json:"combined_text"`
	SenderPhone    string  `json:"sender_phone"`
	CounterpartyID *string `json:"counterparty_id,omitempty"`
	ContactType    string  `json:"contact_type,omitempty"`
}

// Result tells the caller whether a reply exists and whether the generator
// already delivered it.
type Result struct {
	Generated   bool   `json:"generated"`
	ReplyText   string `json:"reply_text,omitempty"`
	AlreadySent bool   `json:"already_sent"`
}

// Client posts requests to a JSON webhook.
type Client struct {
	url    string
	apiKey string
	http   *http.Client
}

// NewClient builds a webhook client.
func NewClient(cfg config.ReplyGeneratorConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:    strings.TrimSpace(cfg.URL),
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: timeout},
	}
}

// Generate asks the webhook for a reply.
func (c *Client) Generate(ctx context.Context, in Request) (Result, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return Result{}, fmt.Errorf("replygen: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("replygen: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("replygen: %w: %w", apperrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("replygen: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("replygen: %w: status %d", apperrors.ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("replygen: unexpected status code %d", resp.StatusCode)
	}

	var out Result
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("replygen: unmarshal response: %w", err)
	}
	out.ReplyText = strings.TrimSpace(out.ReplyText)
	return out, nil
}

// Noop never generates a reply. It is used when no webhook is configured.
type Noop struct{}

// Generate returns an empty result.
func (Noop) Generate(context.Context, Request) (Result, error) {
	return Result{}, nil
}
