package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docutab/billing/internal/billing"
	"github.com/docutab/billing/internal/catalog"
	"github.com/docutab/billing/internal/domain"
	"github.com/docutab/billing/internal/promo"
)

// flightTTL bounds how long a completed checkout result answers
// duplicate requests bearing the same idempotency token. This is a
// UX-level duplicate-click guard scoped to one process, not a
// distributed lock; the processor-side token lookup covers the rest.
const flightTTL = 2 * time.Minute

// CheckoutService orchestrates checkout sessions: promo eligibility,
// price resolution, customer provisioning and subscription creation.
type CheckoutService struct {
	provider     billing.Provider
	catalog      *catalog.Catalog
	entitlements domain.EntitlementStore
	intents      domain.IntentStore
	logger       *slog.Logger
	flight       *flightGroup

	now func() time.Time
}

// NewCheckoutService creates a new CheckoutService instance.
func NewCheckoutService(
	provider billing.Provider,
	cat *catalog.Catalog,
	entitlements domain.EntitlementStore,
	intents domain.IntentStore,
	logger *slog.Logger,
) *CheckoutService {
	return &CheckoutService{
		provider:     provider,
		catalog:      cat,
		entitlements: entitlements,
		intents:      intents,
		logger:       logger,
		flight:       newFlightGroup(flightTTL),
		now:          time.Now,
	}
}

// CreateCheckoutParams contains parameters for starting a checkout.
type CreateCheckoutParams struct {
	UserID string
	Email  string

	Plan          domain.Plan
	BillingPeriod domain.BillingPeriod

	// IdempotencyToken is generated once per checkout attempt by the
	// client. Two calls bearing the same token are one logical request.
	IdempotencyToken string
}

// CheckoutResult is what the UI needs to confirm payment client-side.
type CheckoutResult struct {
	SubscriptionID string `json:"subscriptionId"`
	CustomerID     string `json:"customerId"`

	// ClientSecret confirms the first invoice's payment intent (or the
	// pending setup intent; IntentType says which). Empty when the
	// processor produced no secret synchronously.
	ClientSecret string `json:"clientSecret,omitempty"`
	IntentType   string `json:"intentType,omitempty"`

	// NeedsPolling tells the client to poll the latest-intent endpoint
	// for the secret instead.
	NeedsPolling bool `json:"needsPolling"`
}

// CreateCheckout validates the plan selection, recomputes welcome-offer
// eligibility server-side, provisions the processor customer and
// creates an incomplete subscription for client-side confirmation.
//
// Duplicate invocations with the same idempotency token return the
// first call's result rather than creating a second subscription.
func (s *CheckoutService) CreateCheckout(ctx context.Context, params CreateCheckoutParams) (*CheckoutResult, error) {
	if !domain.IsValidPlan(params.Plan) {
		return nil, ErrInvalidPlan
	}
	if !domain.IsValidBillingPeriod(params.BillingPeriod) {
		return nil, ErrInvalidBillingPeriod
	}
	if params.IdempotencyToken == "" {
		return nil, ErrMissingIdempotencyToken
	}

	return s.flight.Do(params.IdempotencyToken, func() (*CheckoutResult, error) {
		return s.createCheckout(ctx, params)
	})
}

func (s *CheckoutService) createCheckout(ctx context.Context, params CreateCheckoutParams) (*CheckoutResult, error) {
	rec, err := s.entitlements.GetByUserID(ctx, params.UserID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}

	// Eligibility is never trusted from the client; it is recomputed
	// here from the record's own fields.
	promoActive := promo.IsOfferActive(rec.AccountCreatedAt, rec.WelcomeOfferUsed, s.now())

	priceID, err := s.catalog.ResolvePrice(params.Plan, params.BillingPeriod, promoActive)
	if err != nil {
		return nil, err
	}

	customerID, err := s.ensureCustomer(ctx, rec, params.Email)
	if err != nil {
		return nil, err
	}

	// The processor is the durable side of single-flight: an earlier
	// attempt with this token may have created the subscription already,
	// in another process or before a restart.
	existing, err := s.provider.FindSubscriptionByToken(ctx, customerID, params.IdempotencyToken)
	if err != nil {
		s.logger.Warn("checkout: token lookup failed, proceeding to create",
			"user_id", params.UserID, "error", err)
	}
	if existing != nil {
		s.logger.Info("checkout: reusing subscription for idempotency token",
			"user_id", params.UserID, "subscription_id", existing.ID)
		return s.resultFromSubscription(ctx, customerID, existing), nil
	}

	sub, err := s.provider.CreateSubscription(ctx, billing.CreateSubscriptionParams{
		CustomerID: customerID,
		PriceID:    priceID,
		// Metadata is the only channel by which independently delivered
		// webhooks can recover business intent.
		Metadata: map[string]string{
			"userId":        params.UserID,
			"plan":          string(params.Plan),
			"billingPeriod": string(params.BillingPeriod),
			"promo":         fmt.Sprintf("%t", promoActive),
		},
		IdempotencyKey: params.IdempotencyToken,
	})
	if err != nil {
		return nil, domain.Upstream(err, "checkout.create", "Could not start checkout")
	}

	s.logger.Info("checkout: subscription created",
		"user_id", params.UserID,
		"subscription_id", sub.ID,
		"plan", params.Plan,
		"billing_period", params.BillingPeriod,
		"promo", promoActive,
	)

	return s.resultFromSubscription(ctx, customerID, sub), nil
}

// ensureCustomer makes sure a processor customer exists for the user.
// A stale stored reference (deleted upstream) falls through to creating
// a fresh customer. The new ID is persisted before returning; failing
// to persist is fatal because a local record with no way to find its
// processor identity is unrecoverable, while an orphaned processor
// customer is not.
func (s *CheckoutService) ensureCustomer(ctx context.Context, rec *domain.EntitlementRecord, email string) (string, error) {
	if rec.StripeCustomerID != "" {
		_, err := s.provider.GetCustomer(ctx, rec.StripeCustomerID)
		if err == nil {
			return rec.StripeCustomerID, nil
		}
		s.logger.Warn("checkout: stored customer unusable, creating a new one",
			"user_id", rec.UserID, "customer_id", rec.StripeCustomerID, "error", err)
	}

	cust, err := s.provider.CreateCustomer(ctx, billing.CreateCustomerParams{
		Email:    email,
		Metadata: map[string]string{"userId": rec.UserID},
	})
	if err != nil {
		return "", domain.Upstream(err, "checkout.provision", "Could not provision billing customer")
	}

	if err := s.entitlements.SetCustomerID(ctx, rec.UserID, cust.ID); err != nil {
		return "", fmt.Errorf("failed to persist customer id %s: %w", cust.ID, err)
	}

	return cust.ID, nil
}

// resultFromSubscription builds the client response and, when a secret
// is available, records it in the side-channel intent lookup so a
// polling client on another tab or retry can find it.
func (s *CheckoutService) resultFromSubscription(ctx context.Context, customerID string, sub *billing.Subscription) *CheckoutResult {
	res := &CheckoutResult{
		SubscriptionID: sub.ID,
		CustomerID:     customerID,
		ClientSecret:   sub.ClientSecret,
		IntentType:     sub.IntentType,
	}
	if res.ClientSecret == "" {
		res.ClientSecret, res.IntentType = s.refetchInvoiceSecret(ctx, sub)
	}
	if res.ClientSecret == "" {
		res.NeedsPolling = true
		return res
	}

	if err := s.intents.Insert(ctx, domain.IntentRecord{
		CustomerID:      customerID,
		PaymentIntentID: intentIDFromSecret(res.ClientSecret),
		ClientSecret:    res.ClientSecret,
	}); err != nil {
		// The caller already has the secret in hand; the side channel
		// only serves pollers.
		s.logger.Warn("checkout: failed to record intent for polling",
			"customer_id", customerID, "error", err)
	}
	return res
}

// refetchInvoiceSecret makes one attempt to recover the confirmation
// secret by re-fetching the subscription's first invoice when the
// create response carried none. The invoice is sometimes finalized a
// beat after the subscription, so a single re-read often spares the
// client the polling round trip. Any failure defers to polling.
func (s *CheckoutService) refetchInvoiceSecret(ctx context.Context, sub *billing.Subscription) (secret, intentType string) {
	if sub.LatestInvoice == nil || sub.LatestInvoice.ID == "" {
		return "", ""
	}

	inv, err := s.provider.GetInvoice(ctx, sub.LatestInvoice.ID)
	if err != nil {
		s.logger.Warn("checkout: invoice re-fetch failed, deferring to polling",
			"subscription_id", sub.ID, "invoice_id", sub.LatestInvoice.ID, "error", err)
		return "", ""
	}
	if inv.ClientSecret == "" {
		return "", ""
	}

	s.logger.Info("checkout: secret recovered from invoice re-fetch",
		"subscription_id", sub.ID, "invoice_id", inv.ID)
	return inv.ClientSecret, billing.IntentTypePayment
}

// intentIDFromSecret recovers the intent ID from a client secret of the
// form "pi_..._secret_...". Empty when the secret has another shape.
func intentIDFromSecret(secret string) string {
	id, _, found := strings.Cut(secret, "_secret_")
	if !found {
		return ""
	}
	return id
}

// =============================================================================
// Single-flight guard
// =============================================================================

// flightGroup de-duplicates concurrent and closely spaced calls that
// share an idempotency token. A successful result answers duplicates
// for the TTL; a failed call is forgotten so the user's retry runs.
type flightGroup struct {
	mu    sync.Mutex
	ttl   time.Duration
	calls map[string]*flightCall
}

type flightCall struct {
	done      chan struct{}
	res       *CheckoutResult
	err       error
	expiresAt time.Time
}

func newFlightGroup(ttl time.Duration) *flightGroup {
	return &flightGroup{ttl: ttl, calls: make(map[string]*flightCall)}
}

// Do runs fn once per token. Callers arriving while fn is in flight, or
// within the TTL after it succeeded, get the original result.
func (g *flightGroup) Do(token string, fn func() (*CheckoutResult, error)) (*CheckoutResult, error) {
	g.mu.Lock()
	now := time.Now()
	for k, c := range g.calls {
		select {
		case <-c.done:
			if now.After(c.expiresAt) {
				delete(g.calls, k)
			}
		default:
		}
	}
	if c, ok := g.calls[token]; ok {
		g.mu.Unlock()
		<-c.done
		return c.res, c.err
	}
	c := &flightCall{done: make(chan struct{}), expiresAt: now.Add(g.ttl)}
	g.calls[token] = c
	g.mu.Unlock()

	c.res, c.err = fn()
	if c.err != nil {
		g.mu.Lock()
		delete(g.calls, token)
		g.mu.Unlock()
	}
	close(c.done)
	return c.res, c.err
}
