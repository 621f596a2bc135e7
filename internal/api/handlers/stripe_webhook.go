// Package handlers contains the HTTP handlers of the billing API.
//
// The Stripe webhook endpoint is public and authenticated by its signature.
// Every /v1 handler runs behind the bearer-token middleware and reads the
// caller from the request context.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"billingengine/internal/core"
	"billingengine/internal/external"
	"billingengine/internal/types"
	"billingengine/internal/webhook"
)

// defaultWebhookBodySize bounds a Stripe payload when no limit is configured.
const defaultWebhookBodySize = 256 << 10

// EventProcessor applies a verified event. Implemented by webhook.Processor.
type EventProcessor interface {
	Process(ctx context.Context, evt *external.Event) (*webhook.Result, error)
}

// StripeWebhookHandler receives processor events.
type StripeWebhookHandler struct {
	verifier  external.WebhookVerifier
	processor EventProcessor
	maxBody   int64
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. maxBody <= 0 selects
// the default limit.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	processor EventProcessor,
	maxBody int64,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBody <= 0 {
		maxBody = defaultWebhookBodySize
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		processor: processor,
		maxBody:   maxBody,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. It must stay outside the
// authenticated group.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

type webhookAck struct {
	Success bool           `json:"success"`
	EventID string         `json:"eventId"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type webhookFailure struct {
	Success bool             `json:"success"`
	Error   core.ErrorDetail `json:"error"`
}

// Handle verifies the signature over the untouched body and hands the event
// to the processor.
//
// Acknowledged events, including duplicates and unhandled types, answer 200.
// Signature and payload failures answer 400 and are never retried. Every
// other failure answers 500 so Stripe redelivers, including not_found and
// conflict codes that would be 4xx on the API.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		h.fail(w, r, types.NewAppError(types.ErrCodeValidationWebhookPayload, "failed to read request body", err))
		return
	}

	evt, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook rejected", "error", err)
		h.fail(w, r, err)
		return
	}

	res, err := h.processor.Process(r.Context(), evt)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, webhookAck{
		Success: true,
		EventID: res.EventID,
		Message: res.Message,
		Data:    res.Data,
	})
}

func (h *StripeWebhookHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	detail := core.ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: types.GetRequestID(r.Context()),
	}
	status := http.StatusInternalServerError

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		detail.Code = string(appErr.Code)
		detail.Message = appErr.Message
		detail.Details = appErr.Details
		if strings.HasPrefix(string(appErr.Code), "validation_") {
			status = http.StatusBadRequest
		}
	} else {
		h.logger.ErrorContext(r.Context(), "unclassified webhook failure", "error", err)
	}
	core.JSON(w, r, status, webhookFailure{Error: detail})
}
