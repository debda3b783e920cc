// Package api exposes the billing operations consumed by the web UI.
// All routes sit behind the gateway identity middleware.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/docutab/billing/internal/domain"
	"github.com/docutab/billing/internal/handler"
	"github.com/docutab/billing/internal/middleware"
	"github.com/docutab/billing/internal/promo"
	"github.com/docutab/billing/internal/service"
	"github.com/docutab/billing/internal/telemetry"
)

// IdempotencyKeyHeader carries the client-generated checkout token.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// BillingHandler handles the billing JSON API.
type BillingHandler struct {
	checkout     *service.CheckoutService
	sync         *service.SyncService
	poller       *service.Poller
	entitlements domain.EntitlementStore
	logger       *slog.Logger
}

// NewBillingHandler creates a new BillingHandler instance.
func NewBillingHandler(
	checkout *service.CheckoutService,
	sync *service.SyncService,
	poller *service.Poller,
	entitlements domain.EntitlementStore,
	logger *slog.Logger,
) *BillingHandler {
	return &BillingHandler{
		checkout:     checkout,
		sync:         sync,
		poller:       poller,
		entitlements: entitlements,
		logger:       logger,
	}
}

// HandleCreateCheckout handles POST /api/billing/checkout
func (h *BillingHandler) HandleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r.Context())
	if ident == nil {
		handler.UnauthorizedResponse(w, r)
		return
	}

	var req struct {
		Plan             string `json:"plan"`
		BillingPeriod    string `json:"billingPeriod"`
		IdempotencyToken string `json:"idempotencyToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("checkout.decode", "Invalid request body"))
		return
	}

	token := r.Header.Get(IdempotencyKeyHeader)
	if token == "" {
		token = req.IdempotencyToken
	}

	res, err := h.checkout.CreateCheckout(r.Context(), service.CreateCheckoutParams{
		UserID:           ident.UserID,
		Email:            ident.Email,
		Plan:             domain.Plan(req.Plan),
		BillingPeriod:    domain.BillingPeriod(req.BillingPeriod),
		IdempotencyToken: token,
	})
	if err != nil {
		if telemetry.Business != nil {
			telemetry.Business.CheckoutFailed.WithLabelValues(domain.ErrorCode(err)).Inc()
		}
		handler.ErrorResponse(w, r, err)
		return
	}

	if telemetry.Business != nil {
		telemetry.Business.CheckoutStarted.WithLabelValues(req.Plan, req.BillingPeriod).Inc()
	}
	handler.JSON(w, http.StatusOK, res)
}

// HandleSyncSubscription handles POST /api/billing/sync
func (h *BillingHandler) HandleSyncSubscription(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r.Context())
	if ident == nil {
		handler.UnauthorizedResponse(w, r)
		return
	}

	var req struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubscriptionID == "" {
		handler.ErrorResponse(w, r, domain.Invalid("sync.decode", "subscriptionId is required"))
		return
	}

	res, err := h.sync.SyncSubscription(r.Context(), ident.UserID, req.SubscriptionID)
	if err != nil {
		if telemetry.Business != nil {
			telemetry.Business.SyncRequests.WithLabelValues("error").Inc()
		}
		handler.ErrorResponse(w, r, err)
		return
	}

	if telemetry.Business != nil {
		outcome := "pending"
		if res.Success {
			outcome = "settled"
		}
		telemetry.Business.SyncRequests.WithLabelValues(outcome).Inc()
	}
	handler.JSON(w, http.StatusOK, res)
}

// HandleCancelSubscription handles POST /api/billing/cancel
func (h *BillingHandler) HandleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r.Context())
	if ident == nil {
		handler.UnauthorizedResponse(w, r)
		return
	}

	res, err := h.sync.CancelSubscription(r.Context(), ident.UserID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	if telemetry.Business != nil {
		telemetry.Business.SubscriptionsCanceled.Inc()
	}
	handler.JSON(w, http.StatusOK, res)
}

// subscriptionResponse is the entitlement view returned to the UI.
type subscriptionResponse struct {
	Tier              string     `json:"tier"`
	Status            string     `json:"status,omitempty"`
	CreditsTotal      int32      `json:"creditsTotal"`
	CreditsUsed       int32      `json:"creditsUsed"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`

	WelcomeOffer welcomeOfferResponse `json:"welcomeOffer"`
}

type welcomeOfferResponse struct {
	Active bool `json:"active"`

	// ExpiresInSeconds is how long the offer remains claimable; zero
	// when inactive.
	ExpiresInSeconds int64 `json:"expiresInSeconds"`
}

// HandleGetSubscription handles GET /api/billing/subscription
//
// First contact after sign-up lands here, so the free-tier record is
// created on demand; the account-created timestamp that anchors the
// welcome offer starts then.
func (h *BillingHandler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r.Context())
	if ident == nil {
		handler.UnauthorizedResponse(w, r)
		return
	}

	rec, err := h.entitlements.EnsureRecord(r.Context(), ident.UserID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	now := time.Now()
	remaining := promo.Remaining(rec.AccountCreatedAt, rec.WelcomeOfferUsed, now)

	handler.JSON(w, http.StatusOK, subscriptionResponse{
		Tier:              string(rec.Tier),
		Status:            rec.SubscriptionStatus,
		CreditsTotal:      rec.CreditsTotal,
		CreditsUsed:       rec.CreditsUsed,
		CurrentPeriodEnd:  rec.CurrentPeriodEnd,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		WelcomeOffer: welcomeOfferResponse{
			Active:           promo.IsOfferActive(rec.AccountCreatedAt, rec.WelcomeOfferUsed, now),
			ExpiresInSeconds: int64(remaining.Seconds()),
		},
	})
}

// HandleLatestIntent handles GET /api/billing/latest-intent
//
// Blocks while polling the side-channel lookup for the caller's most
// recent payment intent secret. Closing the checkout UI cancels the
// request and stops the poll immediately.
func (h *BillingHandler) HandleLatestIntent(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r.Context())
	if ident == nil {
		handler.UnauthorizedResponse(w, r)
		return
	}

	rec, err := h.entitlements.GetByUserID(r.Context(), ident.UserID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	if rec.StripeCustomerID == "" {
		handler.ErrorResponse(w, r, domain.NotFound("intent.latest", "billing customer", ident.UserID))
		return
	}

	res, err := h.poller.PollForSecret(r.Context(), rec.StripeCustomerID)
	if telemetry.Business != nil && res != nil {
		telemetry.Business.PollRuns.WithLabelValues(string(res.Outcome)).Inc()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client went away; nothing useful to write.
			return
		}
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]string{
		"clientSecret":    res.ClientSecret,
		"paymentIntentId": res.PaymentIntentID,
	})
}
