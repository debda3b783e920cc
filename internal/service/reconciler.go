package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docutab/billing/internal/billing"
	"github.com/docutab/billing/internal/domain"
	"github.com/docutab/billing/internal/telemetry"
)

// Reconciler is the single write path from processor subscription state
// to the entitlement record. Webhook processing and manual sync both
// funnel into ApplyActivation; the write is an idempotent upsert, so
// the two paths may race freely.
type Reconciler struct {
	store  domain.EntitlementStore
	logger *slog.Logger
}

// NewReconciler creates a new Reconciler instance.
func NewReconciler(store domain.EntitlementStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// ApplyActivation translates a fetched processor subscription into the
// entitlement upsert. Every field derives from the subscription object
// passed in, never from local state, so calling it again with the same
// snapshot produces the same record. Store failures are fatal; there is
// no partial-success state for an activation.
func (r *Reconciler) ApplyActivation(ctx context.Context, userID string, sub *billing.Subscription, sel domain.PlanSelection) error {
	tier := sel.Plan.Tier()

	params := domain.ActivationParams{
		UserID:            userID,
		CustomerID:        sub.CustomerID,
		SubscriptionID:    sub.ID,
		Tier:              tier,
		Status:            sub.Status,
		CurrentPeriodEnd:  epochToTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CreditsTotal:      domain.CreditsForTier(tier),
		MarkOfferUsed:     sel.Promo,
	}

	if err := r.store.ApplyActivation(ctx, params); err != nil {
		return fmt.Errorf("failed to apply activation for user %s: %w", userID, err)
	}

	if telemetry.Business != nil {
		telemetry.Business.SubscriptionsActivated.
			WithLabelValues(string(sel.Plan), string(sel.BillingPeriod)).Inc()
	}

	r.logger.Info("reconciler: activation applied",
		"user_id", userID,
		"subscription_id", sub.ID,
		"tier", tier,
		"status", sub.Status,
		"promo", sel.Promo,
	)
	return nil
}

// epochToTime converts the processor's epoch-seconds period end to a
// timestamp. Zero and negative values normalize to nil rather than
// producing a nonsense date.
func epochToTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
