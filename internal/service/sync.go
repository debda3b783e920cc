package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docutab/billing/internal/billing"
	"github.com/docutab/billing/internal/catalog"
	"github.com/docutab/billing/internal/domain"
)

// SyncService closes the latency gap between client-side payment
// confirmation and webhook delivery: the client asks "is this done yet,
// and if not, can you finish it". It also handles self-serve
// cancellation.
type SyncService struct {
	provider     billing.Provider
	catalog      *catalog.Catalog
	entitlements domain.EntitlementStore
	reconciler   *Reconciler
	logger       *slog.Logger
}

// NewSyncService creates a new SyncService instance.
func NewSyncService(
	provider billing.Provider,
	cat *catalog.Catalog,
	entitlements domain.EntitlementStore,
	reconciler *Reconciler,
	logger *slog.Logger,
) *SyncService {
	return &SyncService{
		provider:     provider,
		catalog:      cat,
		entitlements: entitlements,
		reconciler:   reconciler,
		logger:       logger,
	}
}

// SyncResult reports the outcome of a manual sync.
type SyncResult struct {
	// Success is true when the subscription reached active or trialing
	// and the entitlement record was updated. False is a normal outcome
	// (e.g. 3-D Secure still pending), not an error.
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

// SyncSubscription fetches current processor state for a subscription,
// tries to settle an open first invoice, and reconciles the entitlement
// record if the subscription is now active.
func (s *SyncService) SyncSubscription(ctx context.Context, userID, subscriptionID string) (*SyncResult, error) {
	sub, err := s.provider.GetSubscription(ctx, billing.GetSubscriptionParams{
		SubscriptionID:      subscriptionID,
		ExpandLatestInvoice: true,
	})
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, domain.Upstream(err, "sync.fetch", "Could not fetch subscription")
	}

	if err := s.verifyOwnership(ctx, userID, sub); err != nil {
		return nil, err
	}

	if (sub.Status == billing.StatusIncomplete || sub.Status == billing.StatusPastDue) &&
		sub.LatestInvoice != nil && sub.LatestInvoice.Status == billing.InvoiceOpen {
		s.tryPayInvoice(ctx, sub)

		// Re-fetch: the payment attempt, or a concurrent webhook-driven
		// path, may have moved the subscription.
		sub, err = s.provider.GetSubscription(ctx, billing.GetSubscriptionParams{
			SubscriptionID: subscriptionID,
		})
		if err != nil {
			return nil, domain.Upstream(err, "sync.refetch", "Could not fetch subscription")
		}
	}

	if sub.Status != billing.StatusActive && sub.Status != billing.StatusTrialing {
		s.logger.Info("sync: subscription not settled yet",
			"user_id", userID, "subscription_id", subscriptionID, "status", sub.Status)
		return &SyncResult{Success: false, Status: sub.Status}, nil
	}

	sel, ok := s.catalog.PlanFromPriceID(sub.PriceID)
	if !ok {
		return nil, fmt.Errorf("%w: price %s on subscription %s", ErrUnknownPrice, sub.PriceID, sub.ID)
	}

	if err := s.reconciler.ApplyActivation(ctx, userID, sub, sel); err != nil {
		return nil, err
	}

	return &SyncResult{Success: true, Status: sub.Status}, nil
}

// verifyOwnership rejects sync requests for subscriptions that do not
// belong to the caller. The mismatch is reported as not-found so the
// endpoint does not confirm foreign subscription IDs exist.
func (s *SyncService) verifyOwnership(ctx context.Context, userID string, sub *billing.Subscription) error {
	if owner := sub.Metadata["userId"]; owner != "" {
		if owner != userID {
			return ErrSubscriptionNotFound
		}
		return nil
	}

	rec, err := s.entitlements.GetByUserID(ctx, userID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to load entitlement: %w", err)
	}
	if rec.StripeCustomerID == "" || rec.StripeCustomerID != sub.CustomerID {
		return ErrSubscriptionNotFound
	}
	return nil
}

// tryPayInvoice attempts to settle the subscription's open invoice,
// preferring the invoice's own payment method and falling back to the
// customer's most recent card. Failures are logged, never fatal: the
// subsequent status check decides the outcome.
func (s *SyncService) tryPayInvoice(ctx context.Context, sub *billing.Subscription) {
	inv := sub.LatestInvoice

	paymentMethodID := inv.PaymentMethodID
	if paymentMethodID == "" {
		cards, err := s.provider.ListCardPaymentMethods(ctx, sub.CustomerID, 1)
		if err != nil {
			s.logger.Warn("sync: could not list payment methods",
				"customer_id", sub.CustomerID, "error", err)
			return
		}
		if len(cards) == 0 {
			s.logger.Info("sync: no payment method available for open invoice",
				"customer_id", sub.CustomerID, "invoice_id", inv.ID)
			return
		}
		paymentMethodID = cards[0].ID
	}

	if _, err := s.provider.PayInvoice(ctx, billing.PayInvoiceParams{
		InvoiceID:       inv.ID,
		PaymentMethodID: paymentMethodID,
	}); err != nil {
		s.logger.Warn("sync: invoice pay attempt failed",
			"invoice_id", inv.ID, "subscription_id", sub.ID, "error", err)
		return
	}

	s.logger.Info("sync: open invoice paid", "invoice_id", inv.ID, "subscription_id", sub.ID)
}

// CancelResult reports the outcome of a cancellation request.
type CancelResult struct {
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancelAtPeriodEnd"`

	// CurrentPeriodEnd is epoch seconds; access continues until then.
	CurrentPeriodEnd int64 `json:"currentPeriodEnd,omitempty"`
}

// CancelSubscription flags the user's subscription to cancel at period
// end and mirrors the resulting status locally. If the subscription is
// already gone upstream, the local record is downgraded instead.
func (s *SyncService) CancelSubscription(ctx context.Context, userID string) (*CancelResult, error) {
	rec, err := s.entitlements.GetByUserID(ctx, userID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	if rec.StripeSubscriptionID == "" {
		return nil, ErrNoSubscription
	}

	sub, err := s.provider.CancelAtPeriodEnd(ctx, rec.StripeSubscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			// Upstream already deleted it; converge locally.
			if err := s.entitlements.Downgrade(ctx, userID); err != nil {
				return nil, err
			}
			s.logger.Info("cancel: subscription gone upstream, downgraded locally",
				"user_id", userID, "subscription_id", rec.StripeSubscriptionID)
			return &CancelResult{Status: billing.StatusCanceled}, nil
		}
		return nil, domain.Upstream(err, "cancel.update", "Could not cancel subscription")
	}

	if err := s.entitlements.UpdateSubscriptionState(ctx, userID, sub.Status,
		epochToTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd); err != nil {
		return nil, err
	}

	s.logger.Info("cancel: subscription flagged for period end",
		"user_id", userID, "subscription_id", sub.ID, "period_end", sub.CurrentPeriodEnd)

	return &CancelResult{
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
	}, nil
}
