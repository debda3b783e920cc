package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/docutab/billing/internal/billing"
	"github.com/docutab/billing/internal/catalog"
	"github.com/docutab/billing/internal/domain"
)

// EventKind is a closed enumeration of the processor event types this
// system reacts to. Classifying up front (instead of switching on raw
// strings at each call site) keeps the set of handled events in one
// place; anything else is EventUnhandled and acknowledged without work.
type EventKind int

const (
	EventUnhandled EventKind = iota
	EventInvoicePaymentSucceeded
	EventInvoicePaymentFailed
	EventSubscriptionUpdated
	EventSubscriptionDeleted
	EventPaymentIntentSucceeded
)

// ClassifyEvent maps a processor event type string to an EventKind.
func ClassifyEvent(eventType string) EventKind {
	switch eventType {
	case "invoice.payment_succeeded":
		return EventInvoicePaymentSucceeded
	case "invoice.payment_failed":
		return EventInvoicePaymentFailed
	case "customer.subscription.updated":
		return EventSubscriptionUpdated
	case "customer.subscription.deleted":
		return EventSubscriptionDeleted
	case "payment_intent.succeeded":
		return EventPaymentIntentSucceeded
	default:
		return EventUnhandled
	}
}

// InvoiceEvent is the slice of an invoice webhook payload this system
// consumes.
type InvoiceEvent struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Metadata       map[string]string
}

// SubscriptionEvent is the slice of a subscription webhook payload this
// system consumes. Fields are used only for non-active status writes;
// activation always re-fetches current state from the processor.
type SubscriptionEvent struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	CurrentPeriodEnd  int64
	CancelAtPeriodEnd bool
	Metadata          map[string]string
}

// PaymentIntentEvent is the slice of a payment intent webhook payload
// this system consumes.
type PaymentIntentEvent struct {
	ID       string
	Metadata map[string]string
}

// Wire shapes for event payload parsing. Webhook payloads are rendered
// at the account's pinned API version, which may predate the SDK's, so
// raw JSON is decoded into these rather than the SDK's types.
type invoicePayload struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`

	// Older API versions carry the subscription reference top-level;
	// newer ones nest it under parent.subscription_details.
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type subscriptionPayload struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`

	// current_period_end moved from the subscription to its items
	// across API versions; accept either.
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type paymentIntentPayload struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// ParseInvoiceEvent decodes an invoice event payload.
func ParseInvoiceEvent(raw json.RawMessage) (InvoiceEvent, error) {
	var p invoicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return InvoiceEvent{}, fmt.Errorf("failed to parse invoice payload: %w", err)
	}
	ev := InvoiceEvent{
		ID:             p.ID,
		CustomerID:     p.Customer,
		SubscriptionID: p.Parent.SubscriptionDetails.Subscription,
		Metadata:       p.Metadata,
	}
	if ev.SubscriptionID == "" {
		ev.SubscriptionID = p.Subscription
	}
	return ev, nil
}

// ParseSubscriptionEvent decodes a subscription event payload.
func ParseSubscriptionEvent(raw json.RawMessage) (SubscriptionEvent, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SubscriptionEvent{}, fmt.Errorf("failed to parse subscription payload: %w", err)
	}
	ev := SubscriptionEvent{
		ID:                p.ID,
		CustomerID:        p.Customer,
		Status:            p.Status,
		CurrentPeriodEnd:  p.CurrentPeriodEnd,
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
		Metadata:          p.Metadata,
	}
	if len(p.Items.Data) > 0 {
		item := p.Items.Data[0]
		ev.PriceID = item.Price.ID
		if ev.CurrentPeriodEnd == 0 {
			ev.CurrentPeriodEnd = item.CurrentPeriodEnd
		}
	}
	return ev, nil
}

// ParsePaymentIntentEvent decodes a payment intent event payload.
func ParsePaymentIntentEvent(raw json.RawMessage) (PaymentIntentEvent, error) {
	var p paymentIntentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PaymentIntentEvent{}, fmt.Errorf("failed to parse payment intent payload: %w", err)
	}
	return PaymentIntentEvent{ID: p.ID, Metadata: p.Metadata}, nil
}

// WebhookProcessor reacts to processor notifications and drives the
// Reconciler. Every handler is independently idempotent: deliveries are
// duplicated and re-ordered, and a manual sync may already have done
// the work.
//
// The one failure-handling rule that matters here: an event that is
// REQUIRED to carry attribution metadata but lacks it is a fatal error
// (the delivery must be retried and alerted on), while an event that is
// EXPECTED to lack it is logged and skipped.
type WebhookProcessor struct {
	provider     billing.Provider
	catalog      *catalog.Catalog
	entitlements domain.EntitlementStore
	reconciler   *Reconciler
	logger       *slog.Logger
}

// NewWebhookProcessor creates a new WebhookProcessor instance.
func NewWebhookProcessor(
	provider billing.Provider,
	cat *catalog.Catalog,
	entitlements domain.EntitlementStore,
	reconciler *Reconciler,
	logger *slog.Logger,
) *WebhookProcessor {
	return &WebhookProcessor{
		provider:     provider,
		catalog:      cat,
		entitlements: entitlements,
		reconciler:   reconciler,
		logger:       logger,
	}
}

// HandleInvoicePaymentSucceeded activates (or renews) the entitlement
// for the subscription the invoice belongs to. One-off invoices with no
// subscription reference are irrelevant here and skipped.
func (p *WebhookProcessor) HandleInvoicePaymentSucceeded(ctx context.Context, ev InvoiceEvent) error {
	if ev.SubscriptionID == "" {
		p.logger.Info("webhook: invoice has no subscription, skipping", "invoice_id", ev.ID)
		return nil
	}

	// Always derive the write from current processor state, not from
	// the event payload; the last fetch wins regardless of delivery
	// order.
	sub, err := p.provider.GetSubscription(ctx, billing.GetSubscriptionParams{
		SubscriptionID: ev.SubscriptionID,
	})
	if err != nil {
		return domain.Upstream(err, "webhook.invoice_paid", "Could not fetch subscription")
	}

	userID := sub.Metadata["userId"]
	if userID == "" {
		userID = ev.Metadata["userId"]
	}
	if userID == "" {
		return fmt.Errorf("%w: invoice %s, subscription %s", ErrMissingMetadata, ev.ID, sub.ID)
	}

	sel, ok := p.catalog.PlanFromPriceID(sub.PriceID)
	if !ok {
		return fmt.Errorf("%w: price %s on subscription %s", ErrUnknownPrice, sub.PriceID, sub.ID)
	}

	return p.reconciler.ApplyActivation(ctx, userID, sub, sel)
}

// HandleInvoicePaymentFailed marks the entitlement past_due. Status
// only: a failed renewal must not downgrade quota mid-cycle, and the
// processor will retry the charge on its own schedule.
func (p *WebhookProcessor) HandleInvoicePaymentFailed(ctx context.Context, ev InvoiceEvent) error {
	if ev.SubscriptionID == "" {
		p.logger.Info("webhook: failed invoice has no subscription, skipping", "invoice_id", ev.ID)
		return nil
	}

	sub, err := p.provider.GetSubscription(ctx, billing.GetSubscriptionParams{
		SubscriptionID: ev.SubscriptionID,
	})
	if err != nil {
		return domain.Upstream(err, "webhook.invoice_failed", "Could not fetch subscription")
	}

	userID := sub.Metadata["userId"]
	if userID == "" {
		userID = ev.Metadata["userId"]
	}
	if userID == "" {
		// No money moved on a failed payment, so an unattributable
		// event here is noise rather than an alert.
		p.logger.Warn("webhook: failed invoice without userId metadata, skipping",
			"invoice_id", ev.ID, "subscription_id", sub.ID)
		return nil
	}

	p.logger.Warn("webhook: invoice payment failed",
		"user_id", userID, "invoice_id", ev.ID, "subscription_id", sub.ID)

	return p.entitlements.UpdateStatus(ctx, userID, billing.StatusPastDue)
}

// HandleSubscriptionUpdated reconciles on activation and mirrors bare
// lifecycle state otherwise. A non-active status (past_due, incomplete)
// writes only status, period end and the cancel flag; tier and credits
// stay untouched so a transient payment hiccup never strips quota.
func (p *WebhookProcessor) HandleSubscriptionUpdated(ctx context.Context, ev SubscriptionEvent) error {
	userID := ev.Metadata["userId"]
	if userID == "" {
		return fmt.Errorf("%w: subscription %s (updated)", ErrMissingMetadata, ev.ID)
	}

	if ev.Status != billing.StatusActive {
		return p.entitlements.UpdateSubscriptionState(ctx, userID, ev.Status,
			epochToTime(ev.CurrentPeriodEnd), ev.CancelAtPeriodEnd)
	}

	sub, err := p.provider.GetSubscription(ctx, billing.GetSubscriptionParams{
		SubscriptionID: ev.ID,
	})
	if err != nil {
		return domain.Upstream(err, "webhook.sub_updated", "Could not fetch subscription")
	}

	sel, ok := p.catalog.PlanFromPriceID(sub.PriceID)
	if !ok {
		return fmt.Errorf("%w: price %s on subscription %s", ErrUnknownPrice, sub.PriceID, sub.ID)
	}

	return p.reconciler.ApplyActivation(ctx, userID, sub, sel)
}

// HandleSubscriptionDeleted downgrades the user to the free tier. The
// processor customer ID is kept so a resubscribe reuses it.
func (p *WebhookProcessor) HandleSubscriptionDeleted(ctx context.Context, ev SubscriptionEvent) error {
	userID := ev.Metadata["userId"]
	if userID == "" {
		return fmt.Errorf("%w: subscription %s (deleted)", ErrMissingMetadata, ev.ID)
	}

	p.logger.Info("webhook: subscription deleted, downgrading",
		"user_id", userID, "subscription_id", ev.ID)

	return p.entitlements.Downgrade(ctx, userID)
}

// HandlePaymentIntentSucceeded is the fallback activation path for
// flows that bypass the standard invoice webhooks. Most payment intents
// are unrelated to it and legitimately lack the correlation metadata;
// those are skipped without error.
func (p *WebhookProcessor) HandlePaymentIntentSucceeded(ctx context.Context, ev PaymentIntentEvent) error {
	userID := ev.Metadata["userId"]
	subscriptionID := ev.Metadata["subscriptionId"]
	plan := ev.Metadata["plan"]
	if userID == "" || subscriptionID == "" || plan == "" {
		p.logger.Info("webhook: payment intent without subscription metadata, skipping",
			"payment_intent_id", ev.ID)
		return nil
	}

	sub, err := p.provider.GetSubscription(ctx, billing.GetSubscriptionParams{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return domain.Upstream(err, "webhook.intent_succeeded", "Could not fetch subscription")
	}

	sel, ok := p.catalog.PlanFromPriceID(sub.PriceID)
	if !ok {
		return fmt.Errorf("%w: price %s on subscription %s", ErrUnknownPrice, sub.PriceID, sub.ID)
	}

	return p.reconciler.ApplyActivation(ctx, userID, sub, sel)
}
