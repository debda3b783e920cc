// Package webhook receives Stripe webhook deliveries, verifies their
// signatures and hands the payloads to the event processor.
package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/docutab/billing/internal/domain"
	"github.com/docutab/billing/internal/handler"
	"github.com/docutab/billing/internal/service"
	"github.com/docutab/billing/internal/telemetry"
)

// maxBodyBytes caps webhook payload reads, per Stripe's recommendation.
const maxBodyBytes = int64(64 * 1024)

// StripeHandler handles Stripe webhook events
type StripeHandler struct {
	processor     *service.WebhookProcessor
	webhookSecret string
	logger        *slog.Logger
}

// NewStripeHandler creates a new Stripe webhook handler
func NewStripeHandler(processor *service.WebhookProcessor, webhookSecret string, logger *slog.Logger) *StripeHandler {
	return &StripeHandler{
		processor:     processor,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// HandleWebhook processes incoming Stripe webhook events.
//
// A non-2xx response makes Stripe retry the delivery, so the status
// code is the failure-handling contract: verification and parse
// failures are 400 (retrying will not help), processing failures are
// 500 (retry wanted), everything handled or deliberately ignored is
// 200.
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:8080/webhooks/stripe
//	stripe trigger invoice.payment_succeeded
func (h *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("webhook.read", "Error reading request body"))
		return
	}

	// The account's pinned API version may trail the SDK's, which is
	// fine: payloads are parsed with version-tolerant local types.
	event, err := webhook.ConstructEventWithOptions(payload,
		r.Header.Get("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Error("webhook: signature verification failed", "error", err)
		handler.ErrorResponse(w, r, domain.Invalid("webhook.verify", "Invalid signature"))
		return
	}

	eventType := string(event.Type)
	h.logger.Info("webhook: received event", "type", eventType, "id", event.ID)

	if telemetry.Business != nil {
		telemetry.Business.WebhookReceived.WithLabelValues(eventType).Inc()
		defer func() {
			telemetry.Business.WebhookLatency.WithLabelValues(eventType).
				Observe(time.Since(start).Seconds())
		}()
	}

	if err := h.dispatch(r, event.Data.Raw, eventType); err != nil {
		h.logger.Error("webhook: processing failed",
			"type", eventType, "id", event.ID, "error", err)
		if telemetry.Business != nil {
			telemetry.Business.WebhookFailed.
				WithLabelValues(eventType, failureLabel(err)).Inc()
		}
		handler.ErrorResponse(w, r, err)
		return
	}

	if telemetry.Business != nil {
		telemetry.Business.WebhookProcessed.WithLabelValues(eventType).Inc()
	}
	handler.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

// dispatch parses the raw event object and routes it by kind.
func (h *StripeHandler) dispatch(r *http.Request, raw []byte, eventType string) error {
	ctx := r.Context()

	switch service.ClassifyEvent(eventType) {
	case service.EventInvoicePaymentSucceeded:
		ev, err := service.ParseInvoiceEvent(raw)
		if err != nil {
			return err
		}
		return h.processor.HandleInvoicePaymentSucceeded(ctx, ev)

	case service.EventInvoicePaymentFailed:
		ev, err := service.ParseInvoiceEvent(raw)
		if err != nil {
			return err
		}
		return h.processor.HandleInvoicePaymentFailed(ctx, ev)

	case service.EventSubscriptionUpdated:
		ev, err := service.ParseSubscriptionEvent(raw)
		if err != nil {
			return err
		}
		return h.processor.HandleSubscriptionUpdated(ctx, ev)

	case service.EventSubscriptionDeleted:
		ev, err := service.ParseSubscriptionEvent(raw)
		if err != nil {
			return err
		}
		return h.processor.HandleSubscriptionDeleted(ctx, ev)

	case service.EventPaymentIntentSucceeded:
		ev, err := service.ParsePaymentIntentEvent(raw)
		if err != nil {
			return err
		}
		return h.processor.HandlePaymentIntentSucceeded(ctx, ev)

	default:
		h.logger.Info("webhook: event type not handled, acknowledging", "type", eventType)
		return nil
	}
}

// failureLabel buckets processing errors for the webhook_failed metric.
func failureLabel(err error) string {
	switch {
	case errors.Is(err, service.ErrMissingMetadata):
		return "missing_metadata"
	case errors.Is(err, service.ErrUnknownPrice):
		return "unknown_price"
	case domain.IsCode(err, domain.EUPSTREAM):
		return "upstream"
	default:
		return "internal"
	}
}
