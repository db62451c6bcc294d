package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/auth"
	"github.com/acme/outbound-dialer/internal/jobs"
)

type jobResponse struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Delayed     bool            `json:"delayed"`
	Payload     json.RawMessage `json:"payload"`
	RunAt       time.Time       `json:"runAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

type countsResponse struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (h *HandlerSet) listJobs(ctx *fiber.Ctx) error {
	kind, err := jobs.ParseKind(ctx.Params("kind"))
	if err != nil {
		return translateError(err)
	}
	state := jobs.StateFailed
	if raw := ctx.Query("state"); raw != "" {
		if state, err = jobs.ParseState(raw); err != nil {
			return translateError(err)
		}
	}
	limit := ctx.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		return fiber.NewError(http.StatusBadRequest, "limit must be between 1 and 500")
	}

	list, err := h.deps.Jobs.List(ctx.UserContext(), kind, state, limit)
	if err != nil {
		return translateError(err)
	}
	now := h.now()
	items := make([]jobResponse, 0, len(list))
	for _, job := range list {
		items = append(items, toJobResponse(job, now))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"items": items})
}

func (h *HandlerSet) jobCounts(ctx *fiber.Ctx) error {
	kind, err := jobs.ParseKind(ctx.Params("kind"))
	if err != nil {
		return translateError(err)
	}
	counts, err := h.deps.Jobs.Counts(ctx.UserContext(), kind)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(countsResponse(counts))
}

func (h *HandlerSet) getJob(ctx *fiber.Ctx) error {
	kind, err := jobs.ParseKind(ctx.Params("kind"))
	if err != nil {
		return translateError(err)
	}
	job, err := h.deps.Jobs.Get(ctx.UserContext(), kind, ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toJobResponse(job, h.now()))
}

func (h *HandlerSet) retryJob(ctx *fiber.Ctx) error {
	kind, err := jobs.ParseKind(ctx.Params("kind"))
	if err != nil {
		return translateError(err)
	}
	id := ctx.Params("id")
	if err := h.deps.Jobs.RetryFailed(ctx.UserContext(), kind, id); err != nil {
		return translateError(err)
	}
	h.logger.Info("failed job resubmitted", zap.String("subject", auth.Subject(ctx)), zap.String("kind", string(kind)), zap.String("job_id", id))
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"success": true, "jobId": id})
}

func toJobResponse(job *jobs.Job, now time.Time) jobResponse {
	return jobResponse{
		ID:          job.ID,
		Kind:        string(job.Kind),
		State:       string(job.State),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts(),
		Delayed:     job.Delayed(now),
		Payload:     job.Payload,
		RunAt:       job.RunAt,
		CreatedAt:   job.CreatedAt,
		ProcessedAt: job.ProcessedAt,
		FinishedAt:  job.FinishedAt,
		LastError:   job.LastError,
	}
}
