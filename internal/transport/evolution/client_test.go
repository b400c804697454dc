package evolution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/order-dispatch/internal/config"
	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/transport"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.TransportConfig{BaseURL: srv.URL + "/", Instance: "main", APIKey: "secret"})
}

func TestSendText(t *testing.T) {
	var got payload
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message/sendText/main", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apikey"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":{"remoteJid":"5511987654321@s.whatsapp.net","fromMe":true,"id":"ABC123"},"status":"PENDING"}`))
	})

	res, err := client.SendText(context.Background(), "5511987654321", "Olá")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", res.ProviderMessageID)
	assert.Equal(t, "5511987654321", got.Number)
	require.NotNil(t, got.TextMessage)
	assert.Equal(t, "Olá", got.TextMessage.Text)
}

func TestSendMediaDerivesMediaType(t *testing.T) {
	var got payload
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message/sendMedia/main", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"key":{"id":"M1"}}`))
	})

	_, err := client.SendMedia(context.Background(), "5511987654321", domain.Media{Base64: "aGk=", MimeType: "image/jpeg", Caption: "nota", Filename: "nota.jpg"})
	require.NoError(t, err)
	require.NotNil(t, got.MediaMessage)
	assert.Equal(t, "image", got.MediaMessage.MediaType)
	assert.Equal(t, "nota.jpg", got.MediaMessage.FileName)
}

func TestSendTextRejectedRecipient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"response":{"message":[{"exists":false,"number":"5511987654321"}]}}`))
	})

	_, err := client.SendText(context.Background(), "5511987654321", "hi")
	require.ErrorIs(t, err, transport.ErrRecipientRejected)
}

func TestSendTextServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.SendText(context.Background(), "5511987654321", "hi")
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrRecipientRejected)
}

func TestReady(t *testing.T) {
	var state atomic.Value
	state.Store("open")
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instance/connectionState/main", r.URL.Path)
		_, _ = w.Write([]byte(`{"instance":{"instanceName":"main","state":"` + state.Load().(string) + `"}}`))
	})

	require.NoError(t, client.Ready(context.Background()))

	state.Store("close")
	require.Error(t, client.Ready(context.Background()))
}
