package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/repository"
	"github.com/acme/order-dispatch/internal/service/dispatch"
)

type messageResponse struct {
	ID                uuid.UUID            `json:"id"`
	Recipient         string               `json:"recipient"`
	RecipientName     *string              `json:"recipient_name,omitempty"`
	Kind              string               `json:"kind"`
	Body              string               `json:"body"`
	HasMedia          bool                 `json:"has_media"`
	Priority          int                  `json:"priority"`
	Status            domain.MessageStatus `json:"status"`
	Attempts          int                  `json:"attempts"`
	MaxAttempts       int                  `json:"max_attempts"`
	ScheduledAt       time.Time            `json:"scheduled_at"`
	LastAttemptAt     *time.Time           `json:"last_attempt_at,omitempty"`
	SentAt            *time.Time           `json:"sent_at,omitempty"`
	LastError         *string              `json:"last_error,omitempty"`
	ProviderMessageID *string              `json:"provider_message_id,omitempty"`
	Metadata          map[string]any       `json:"metadata,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

type attemptResponse struct {
	Attempt           int       `json:"attempt"`
	Outcome           string    `json:"outcome"`
	Recipient         string    `json:"recipient"`
	Error             string    `json:"error,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	DurationMs        int64     `json:"duration_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

func (h *HandlerSet) enqueueMessage(ctx *fiber.Ctx) error {
	var req dispatch.EnqueueInput
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	id, err := h.messages.Enqueue(ctx.UserContext(), req)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"id": id})
}

func (h *HandlerSet) getMessage(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid message id")
	}

	msg, err := h.messages.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toMessageResponse(msg))
}

func (h *HandlerSet) listMessages(ctx *fiber.Ctx) error {
	filter := repository.MessageFilter{
		Recipient: ctx.Query("recipient"),
		Kind:      ctx.Query("kind"),
		Limit:     ctx.QueryInt("limit", 100),
	}
	if raw := ctx.Query("status"); raw != "" {
		status := domain.MessageStatus(raw)
		filter.Status = &status
	}

	msgs, err := h.messages.List(ctx.UserContext(), filter)
	if err != nil {
		return translateError(err)
	}

	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, toMessageResponse(m))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"messages": resp})
}

func (h *HandlerSet) messageAttempts(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid message id")
	}

	page, err := h.messages.Attempts(ctx.UserContext(), id, ctx.QueryInt("limit", 50), ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	attempts := make([]attemptResponse, 0, len(page.Attempts))
	for _, a := range page.Attempts {
		attempts = append(attempts, attemptResponse{
			Attempt:           a.AttemptNum,
			Outcome:           string(a.Outcome),
			Recipient:         a.Recipient,
			Error:             a.Error,
			ProviderMessageID: a.ProviderMessageID,
			DurationMs:        a.Duration.Milliseconds(),
			CreatedAt:         a.CreatedAt,
		})
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"attempts":        attempts,
		"next_page_token": page.NextToken,
	})
}

func (h *HandlerSet) dailyStats(ctx *fiber.Ctx) error {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -6)

	var err error
	if raw := ctx.Query("from"); raw != "" {
		if from, err = time.Parse(time.DateOnly, raw); err != nil {
			return fiber.NewError(http.StatusBadRequest, "from must be YYYY-MM-DD")
		}
	}
	if raw := ctx.Query("to"); raw != "" {
		if to, err = time.Parse(time.DateOnly, raw); err != nil {
			return fiber.NewError(http.StatusBadRequest, "to must be YYYY-MM-DD")
		}
	}

	stats, err := h.messages.DailyStats(ctx.UserContext(), from, to)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"days": stats})
}

func toMessageResponse(m *domain.QueueMessage) messageResponse {
	return messageResponse{
		ID:                m.ID,
		Recipient:         m.Recipient,
		RecipientName:     m.RecipientName,
		Kind:              m.Kind,
		Body:              m.Body,
		HasMedia:          m.Media != nil,
		Priority:          m.Priority,
		Status:            m.Status,
		Attempts:          m.Attempts,
		MaxAttempts:       m.MaxAttempts,
		ScheduledAt:       m.ScheduledAt,
		LastAttemptAt:     m.LastAttemptAt,
		SentAt:            m.SentAt,
		LastError:         m.LastError,
		ProviderMessageID: m.ProviderMessageID,
		Metadata:          m.Metadata,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
