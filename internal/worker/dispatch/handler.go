// Package dispatch places the vendor call for one user-call job.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/jobs"
	"github.com/acme/outbound-dialer/internal/repository"
	"github.com/acme/outbound-dialer/internal/service/dedup"
	"github.com/acme/outbound-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Ledger pins the call id of a job across redeliveries.
type Ledger interface {
	Reserve(ctx context.Context, jobID, candidateCallID string) (dedup.Entry, error)
	MarkInitiated(ctx context.Context, jobID, vendorCallID string) error
	Forget(ctx context.Context, jobID string) error
}

// SlotLimiter caps simultaneous calls per agent.
type SlotLimiter interface {
	Wait(ctx context.Context, agentID string) error
	Release(ctx context.Context, agentID string) error
}

// Handler processes user-call jobs.
type Handler struct {
	provider telephony.CallProvider
	users    repository.UserStore
	ledger   Ledger
	limiter  SlotLimiter
	agentID  string
	timeout  time.Duration
	logger   *logger.Logger
	tracer   trace.Tracer
	newID    func() string
}

// Option customizes a Handler.
type Option func(*Handler)

// WithLimiter caps concurrent calls per agent.
func WithLimiter(l SlotLimiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithCallIDs overrides call id generation.
func WithCallIDs(newID func() string) Option {
	return func(h *Handler) { h.newID = newID }
}

// New constructs a dispatch handler. Every vendor call runs under timeout.
func New(provider telephony.CallProvider, users repository.UserStore, ledger Ledger, agentID string, timeout time.Duration, log *logger.Logger, opts ...Option) *Handler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	h := &Handler{
		provider: provider,
		users:    users,
		ledger:   ledger,
		agentID:  agentID,
		timeout:  timeout,
		logger:   log.Named("dispatch"),
		tracer:   otel.Tracer("outbound.dispatch"),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle implements jobs.Handler.
func (h *Handler) Handle(ctx context.Context, job *jobs.Job) error {
	var p domain.UserCallJob
	if err := job.Decode(&p); err != nil {
		return jobs.NoRetry(err)
	}
	if p.UserID == "" || p.Phone == "" {
		return jobs.NoRetry(fmt.Errorf("%w: user call job needs userId and phone", apperrors.ErrValidation))
	}

	ctx, span := h.tracer.Start(ctx, "dispatch.call", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts),
		attribute.String("user.id", p.UserID),
		attribute.String("provider", h.provider.Name()),
	))
	defer span.End()

	log := h.logger.WithContext(ctx).With(
		zap.String("job_id", job.ID),
		zap.String("user_id", p.UserID),
		zap.Int("attempt", job.Attempts),
	)

	entry, err := h.ledger.Reserve(ctx, job.ID, h.newID())
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("call.id", entry.CallID))

	if entry.State == dedup.StateInitiated {
		log.Info("dispatch: call already placed, recording only", zap.String("vendor_call_id", entry.VendorCallID))
		return h.record(ctx, entry.CallID, entry.VendorCallID, p.UserID)
	}

	resp, err := h.initiate(ctx, p, entry.CallID)
	if err != nil {
		// The vendor may have placed the call, so the reservation stays and
		// the retry reuses the same call id as its idempotency key.
		span.RecordError(err)
		span.SetStatus(codes.Error, "initiate call")
		log.Warn("dispatch: initiate call errored", zap.String("call_id", entry.CallID), zap.Error(err))
		return fmt.Errorf("%w: %v", apperrors.ErrProviderInitiationFailed, err)
	}
	if !resp.Success {
		if ferr := h.ledger.Forget(ctx, job.ID); ferr != nil {
			log.Warn("dispatch: forget reservation", zap.Error(ferr))
		}
		reason := resp.Error
		if reason == "" {
			reason = resp.Message
		}
		span.SetStatus(codes.Error, "call rejected")
		log.Warn("dispatch: vendor rejected call", zap.String("call_id", entry.CallID), zap.String("reason", reason))
		return fmt.Errorf("%w: %s", apperrors.ErrProviderInitiationFailed, reason)
	}

	vendorCallID := resp.VendorCallID
	if vendorCallID == "" {
		vendorCallID = resp.CallID
	}
	if err := h.ledger.MarkInitiated(ctx, job.ID, vendorCallID); err != nil {
		log.Warn("dispatch: mark initiated", zap.Error(err))
	}
	span.SetAttributes(attribute.String("vendor.call_id", vendorCallID))
	log.Info("dispatch: call initiated", zap.String("call_id", entry.CallID), zap.String("vendor_call_id", vendorCallID))

	return h.record(ctx, entry.CallID, vendorCallID, p.UserID)
}

func (h *Handler) initiate(ctx context.Context, p domain.UserCallJob, callID string) (telephony.InitiateCallResponse, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx, h.agentID); err != nil {
			return telephony.InitiateCallResponse{}, err
		}
		defer func() {
			if err := h.limiter.Release(context.WithoutCancel(ctx), h.agentID); err != nil {
				h.logger.Warn("dispatch: release call slot", zap.Error(err))
			}
		}()
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return h.provider.InitiateCall(callCtx, telephony.InitiateCallRequest{
		ToNumber: p.Phone,
		AgentID:  h.agentID,
		Metadata: telephony.CallMetadata{
			CallID: callID,
			UserID: p.UserID,
			Name:   p.Name,
		},
		IdempotencyKey: callID,
	})
}

func (h *Handler) record(ctx context.Context, callID, vendorCallID, userID string) error {
	if err := h.users.RecordCallInitiated(ctx, callID, vendorCallID, userID); err != nil {
		return fmt.Errorf("dispatch: record call initiated: %w", err)
	}
	return nil
}
