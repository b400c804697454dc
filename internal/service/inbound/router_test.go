package inbound

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/order-dispatch/internal/clock"
	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/queue"
	"github.com/acme/order-dispatch/internal/repository/memory"
	"github.com/acme/order-dispatch/internal/service/confirmation"
	"github.com/acme/order-dispatch/internal/service/debounce"
	"github.com/acme/order-dispatch/internal/service/dispatch"
)

type discardQueue struct{ n int }

func (q *discardQueue) Enqueue(context.Context, dispatch.EnqueueInput) (uuid.UUID, error) {
	q.n++
	return uuid.New(), nil
}

func newRouter(t *testing.T) (*Router, *memory.PendingReplyRepository, *memory.OrderRepository) {
	t.Helper()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	q := &discardQueue{}

	order := &domain.Order{
		ID:              uuid.New(),
		Number:          "OS-9",
		Status:          "shipped",
		CustomerPhone:   "11987654321",
		StatusChangedAt: now.Add(-72 * time.Hour),
	}
	orders := memory.NewOrderRepository(order)
	tracker := confirmation.NewTracker(orders, memory.NewConfirmationRepository(), q, clk, confirmation.Config{
		TriggerAfter:      48 * time.Hour,
		InTransitStatuses: []string{"shipped"},
		AutoComplete:      true,
	}, nil)
	_, err := tracker.Scan(context.Background())
	require.NoError(t, err)

	replies := memory.NewPendingReplyRepository()
	buffer := debounce.NewDebouncer(replies, nil, q, clk, debounce.Config{}, nil)
	return NewRouter(tracker, buffer, nil), replies, orders
}

func TestRouteConfirmationReply(t *testing.T) {
	router, replies, orders := newRouter(t)

	res, err := router.Route(context.Background(), queue.InboundEvent{SenderPhone: "5511987654321", Text: "Sim, recebi"})
	require.NoError(t, err)
	assert.Equal(t, RouteConfirmation, res.Route)
	require.NotNil(t, res.Confirmation)
	assert.Equal(t, domain.ResponseConfirmed, res.Confirmation.ResponseType)
	assert.Empty(t, replies.All())
	assert.Len(t, orders.History(), 1)
}

func TestRouteUnmatchedGoesToDebounce(t *testing.T) {
	router, replies, _ := newRouter(t)

	res, err := router.Route(context.Background(), queue.InboundEvent{SenderPhone: "5521912345678", Text: "Oi"})
	require.NoError(t, err)
	assert.Equal(t, RouteDebounce, res.Route)
	require.Len(t, replies.All(), 1)
	assert.Equal(t, "5521912345678", replies.All()[0].SenderPhone)
}

func TestRouteMediaOnlySkipsConfirmation(t *testing.T) {
	router, replies, _ := newRouter(t)

	res, err := router.Route(context.Background(), queue.InboundEvent{SenderPhone: "5511987654321", HasMedia: true, MediaType: "image"})
	require.NoError(t, err)
	assert.Equal(t, RouteDebounce, res.Route)
	assert.Len(t, replies.All(), 1)
}

func TestRouteIgnoresOwnMessages(t *testing.T) {
	router, replies, _ := newRouter(t)

	res, err := router.Route(context.Background(), queue.InboundEvent{SenderPhone: "5511987654321", Text: "sim", FromMe: true})
	require.NoError(t, err)
	assert.Equal(t, RouteIgnored, res.Route)
	assert.Empty(t, replies.All())
}
