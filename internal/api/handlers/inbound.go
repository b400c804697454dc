package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/order-dispatch/internal/queue"
)

func (h *HandlerSet) receiveInbound(ctx *fiber.Ctx) error {
	var evt queue.InboundEvent
	if err := ctx.BodyParser(&evt); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(evt.SenderPhone) == "" {
		return fiber.NewError(http.StatusBadRequest, "sender_phone is required")
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now().UTC()
	}

	out, err := h.inbound.Accept(ctx.UserContext(), evt)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(out)
}

func (h *HandlerSet) runJob(ctx *fiber.Ctx) error {
	res, err := h.jobs.RunOnce(ctx.UserContext(), ctx.Params("name"))
	if err != nil {
		if res.Job != "" && !res.Skipped {
			return ctx.Status(http.StatusInternalServerError).JSON(res)
		}
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(res)
}
