package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/auth"
)

type triggerResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

func (h *HandlerSet) triggerSchedule(ctx *fiber.Ctx) error {
	id, err := h.deps.Trigger.Fire(ctx.UserContext(), true)
	if err != nil {
		h.logger.Error("manual trigger failed", zap.String("subject", auth.Subject(ctx)), zap.Error(err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "failed to trigger schedule",
			"details": err.Error(),
		})
	}

	h.logger.Info("manual trigger enqueued", zap.String("subject", auth.Subject(ctx)), zap.String("job_id", id))
	return ctx.Status(fiber.StatusOK).JSON(triggerResponse{
		Success: true,
		JobID:   id,
		Message: "call schedule triggered",
	})
}
