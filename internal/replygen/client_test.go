package replygen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/order-dispatch/internal/config"
	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Oi tudo bem? preciso de ajuda", req.CombinedText)
		assert.Equal(t, "5511987654321", req.SenderPhone)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"generated":true,"reply_text":"  Olá! Como posso ajudar? ","already_sent":false}`))
	}))
	defer srv.Close()

	client := NewClient(config.ReplyGeneratorConfig{URL: srv.URL, APIKey: "secret", Timeout: time.Second})
	res, err := client.Generate(context.Background(), Request{
		CombinedText: "Oi tudo bem? preciso de ajuda",
		SenderPhone:  "5511987654321",
	})
	require.NoError(t, err)
	assert.True(t, res.Generated)
	assert.False(t, res.AlreadySent)
	assert.Equal(t, "Olá! Como posso ajudar?", res.ReplyText)
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(config.ReplyGeneratorConfig{URL: srv.URL})
	_, err := client.Generate(context.Background(), Request{CombinedText: "oi"})
	require.ErrorIs(t, err, apperrors.ErrUnavailable)
}

func TestNoop(t *testing.T) {
	res, err := Noop{}.Generate(context.Background(), Request{CombinedText: "oi"})
	require.NoError(t, err)
	assert.False(t, res.Generated)
}
