// Package evolution talks to an Evolution API instance over HTTP.
package evolution

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
	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/transport"
)

const (
	contentTypeJSON = "application/json"
	mimeTypeDefault = "application/octet-stream"
	stateOpen       = "open"
)

// Client sends messages through one Evolution API instance.
type Client struct {
	baseURL  string
	instance string
	apiKey   string
	http     *http.Client
}

// NewClient builds a client from config.
func NewClient(cfg config.TransportConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		instance: cfg.Instance,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
	}
}

type textMessage struct {
	Text string `json:"text"`
}

type mediaMessage struct {
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype"`
	Caption   string `json:"caption,omitempty"`
	Media     string `json:"media"`
	FileName  string `json:"fileName,omitempty"`
}

type options struct {
	Delay       int    `json:"delay"`
	Presence    string `json:"presence"`
	LinkPreview bool   `json:"linkPreview"`
}

type payload struct {
	Number       string        `json:"number"`
	TextMessage  *textMessage  `json:"textMessage,omitempty"`
	MediaMessage *mediaMessage `json:"mediaMessage,omitempty"`
	Options      options       `json:"options"`
}

type sendResponse struct {
	Key struct {
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

// SendText posts a text message.
func (c *Client) SendText(ctx context.Context, phone, text string) (transport.SendResult, error) {
	body := payload{
		Number:      phone,
		TextMessage: &textMessage{Text: text},
		Options:     options{Presence: "composing", LinkPreview: true},
	}
	return c.send(ctx, "sendText", body)
}

// SendMedia posts a base64 attachment.
func (c *Client) SendMedia(ctx context.Context, phone string, media domain.Media) (transport.SendResult, error) {
	mime := media.MimeType
	if mime == "" {
		mime = mimeTypeDefault
	}
	body := payload{
		Number: phone,
		MediaMessage: &mediaMessage{
			MediaType: mediaType(mime),
			MimeType:  mime,
			Caption:   media.Caption,
			Media:     media.Base64,
			FileName:  media.Filename,
		},
		Options: options{Presence: "composing"},
	}
	return c.send(ctx, "sendMedia", body)
}

// Ready checks that the instance is connected.
func (c *Client) Ready(ctx context.Context) error {
	url := fmt.Sprintf("%s/instance/connectionState/%s", c.baseURL, c.instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("evolution: build state request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("evolution: connection state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("evolution: connection state: unexpected status code %d", resp.StatusCode)
	}

	var state struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return fmt.Errorf("evolution: decode connection state: %w", err)
	}
	if state.Instance.State != stateOpen {
		return fmt.Errorf("evolution: instance %s is %q", c.instance, state.Instance.State)
	}
	return nil
}

func (c *Client) send(ctx context.Context, route string, body payload) (transport.SendResult, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("evolution: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/message/%s/%s", c.baseURL, route, c.instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("evolution: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("evolution: %s: %w", route, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("evolution: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if resp.StatusCode == http.StatusBadRequest && bytes.Contains(data, []byte(`"exists":false`)) {
			return transport.SendResult{}, fmt.Errorf("evolution: %s %s: %w", route, body.Number, transport.ErrRecipientRejected)
		}
		return transport.SendResult{}, fmt.Errorf("evolution: %s: unexpected status code %d", route, resp.StatusCode)
	}

	var parsed sendResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return transport.SendResult{}, fmt.Errorf("evolution: unmarshal response: %w", err)
	}
	return transport.SendResult{ProviderMessageID: parsed.Key.ID}, nil
}

func mediaType(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	default:
		return "document"
	}
}
