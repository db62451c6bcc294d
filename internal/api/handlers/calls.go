package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-dialer/internal/service/common"
)

type callEventResponse struct {
	Status       string    `json:"status"`
	CallID       string    `json:"callId,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	Provider     string    `json:"provider"`
	Duration     *int      `json:"duration,omitempty"`
	RecordingURL *string   `json:"recordingUrl,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

type callEventsResponse struct {
	VendorCallID  string              `json:"vendorCallId"`
	Items         []callEventResponse `json:"items"`
	NextPageToken string              `json:"nextPageToken,omitempty"`
}

func (h *HandlerSet) listCallEvents(ctx *fiber.Ctx) error {
	vendorCallID := ctx.Params("vendorCallId")
	limit := ctx.QueryInt("limit", 100)
	if limit <= 0 || limit > 1000 {
		return fiber.NewError(http.StatusBadRequest, "limit must be between 1 and 1000")
	}

	pagingState, err := common.DecodePageToken(ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	events, next, err := h.deps.Events.ListEvents(ctx.UserContext(), vendorCallID, limit, pagingState)
	if err != nil {
		return translateError(err)
	}

	resp := callEventsResponse{VendorCallID: vendorCallID, Items: make([]callEventResponse, 0, len(events))}
	for _, ev := range events {
		resp.Items = append(resp.Items, callEventResponse{
			Status:       string(ev.Status),
			CallID:       ev.CallID,
			UserID:       ev.UserID,
			Provider:     ev.Provider,
			Duration:     ev.Duration,
			RecordingURL: ev.RecordingURL,
			OccurredAt:   ev.OccurredAt,
		})
	}
	resp.NextPageToken = common.EncodePageToken(next)
	return ctx.Status(http.StatusOK).JSON(resp)
}
