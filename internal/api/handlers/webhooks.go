package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

func (h *HandlerSet) receiveWebhook(ctx *fiber.Ctx) error {
	provider := h.deps.Provider
	sctx, span := h.tracer.Start(ctx.UserContext(), "webhook.receive", trace.WithAttributes(
		attribute.String("provider", provider.Name()),
	))
	defer span.End()

	req := webhookRequest(ctx)

	verification, err := telephony.VerifyWebhook(provider, req)
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("webhook signature rejected", zap.String("provider", provider.Name()), zap.Error(err))
		return translateError(err)
	}
	if verification == telephony.VerificationUnsupported && h.deps.RequireSignature {
		h.logger.Warn("webhook refused: provider cannot verify signatures", zap.String("provider", provider.Name()))
		return translateError(apperrors.ErrInvalidSignature)
	}
	span.SetAttributes(attribute.String("webhook.verification", string(verification)))

	payload, err := provider.ParseWebhook(req)
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("webhook rejected", zap.String("provider", provider.Name()), zap.Error(err))
		if errors.Is(err, apperrors.ErrInvalidWebhookPayload) {
			return translateError(err)
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	msg := queue.NewStatusMessage(provider.Name(), payload, verification, h.now())
	if err := h.deps.Statuses.PublishStatus(sctx, msg); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.String("vendor.call_id", payload.VendorCallID),
		attribute.String("call.status", string(payload.Status)),
	)
	return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
}

// webhookRequest copies the request out of fasthttp's reusable buffers.
func webhookRequest(ctx *fiber.Ctx) telephony.WebhookRequest {
	header := make(http.Header)
	for k, values := range ctx.GetReqHeaders() {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	return telephony.WebhookRequest{
		Body:        append([]byte(nil), ctx.Body()...),
		Header:      header,
		URL:         ctx.BaseURL() + ctx.OriginalURL(),
		ContentType: string(ctx.Request().Header.ContentType()),
	}
}
