package domain

import (
	"context"
	"time"
)

// Tier is the named subscription level controlling the credit ceiling
// and feature access.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Plan is a purchasable subscription plan. Free and enterprise tiers are
// not sold through self-serve checkout.
type Plan string

const (
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
)

// BillingPeriod is the subscription billing cadence.
type BillingPeriod string

const (
	BillingMonthly BillingPeriod = "monthly"
	BillingYearly  BillingPeriod = "yearly"
)

// IsValidPlan checks if the given plan can be purchased via checkout.
func IsValidPlan(p Plan) bool {
	return p == PlanStarter || p == PlanPro
}

// IsValidBillingPeriod checks if the given billing period is supported.
func IsValidBillingPeriod(b BillingPeriod) bool {
	return b == BillingMonthly || b == BillingYearly
}

// Tier returns the entitlement tier granted by the plan.
func (p Plan) Tier() Tier {
	switch p {
	case PlanStarter:
		return TierStarter
	case PlanPro:
		return TierPro
	default:
		return TierFree
	}
}

// UnlimitedCredits is the stored ceiling for tiers with no practical limit.
// The credits column is NOT NULL, so "unlimited" is persisted as a very
// large allotment rather than a sentinel the consuming app would have to
// special-case.
const UnlimitedCredits = 999999

// CreditsForTier returns the monthly credit ceiling for a tier.
func CreditsForTier(t Tier) int32 {
	switch t {
	case TierStarter:
		return 1500
	case TierPro:
		return 5000
	case TierEnterprise:
		return UnlimitedCredits
	default:
		return 500
	}
}

// PlanSelection identifies what the user bought, recovered from a
// processor price ID. Promo indicates the price carries the time-boxed
// welcome-offer discount.
type PlanSelection struct {
	Plan          Plan
	BillingPeriod BillingPeriod
	Promo         bool
}

// EntitlementRecord is the local row describing what a user is currently
// allowed to do. One row per user, never deleted; "free" is the terminal
// default tier rather than row absence. Mutated only by the reconciler
// (tier/credit/status fields) and by credit consumption elsewhere.
type EntitlementRecord struct {
	UserID                 string
	Tier                   Tier
	SubscriptionStatus     string
	CreditsTotal           int32
	CreditsUsed            int32
	StripeCustomerID       string
	StripeSubscriptionID   string
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	WelcomeOfferUsed       bool
	AccountCreatedAt       time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// ActivationParams is the full payload for an idempotent activation
// upsert. Every field is derived from the current processor-side
// subscription object, never from local state, so last-write-wins
// between racing callers is safe.
type ActivationParams struct {
	UserID            string
	CustomerID        string
	SubscriptionID    string
	Tier              Tier
	Status            string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	CreditsTotal      int32

	// MarkOfferUsed sets welcome_offer_used to true. The store never
	// clears the flag; false here means "leave as is".
	MarkOfferUsed bool
}

// EntitlementStore is the persistence boundary for entitlement records.
type EntitlementStore interface {
	// GetByUserID returns the entitlement record for a user.
	// Returns a domain ENOTFOUND error when no row exists.
	GetByUserID(ctx context.Context, userID string) (*EntitlementRecord, error)

	// EnsureRecord creates the free-tier row for a user on first contact
	// and returns it. Idempotent: an existing row is returned unchanged.
	EnsureRecord(ctx context.Context, userID string) (*EntitlementRecord, error)

	// SetCustomerID persists a newly provisioned processor customer ID.
	// Once set the customer ID is never cleared.
	SetCustomerID(ctx context.Context, userID, customerID string) error

	// ApplyActivation performs the idempotent activation upsert.
	// credits_used resets to zero; welcome_offer_used only moves forward.
	ApplyActivation(ctx context.Context, params ActivationParams) error

	// UpdateSubscriptionState writes status, period end and the
	// cancel-at-period-end flag without touching tier or credits.
	// Used for non-active status transitions.
	UpdateSubscriptionState(ctx context.Context, userID, status string, periodEnd *time.Time, cancelAtPeriodEnd bool) error

	// UpdateStatus writes the subscription status alone.
	UpdateStatus(ctx context.Context, userID, status string) error

	// Downgrade resets a user to the free tier: clears the subscription
	// reference, sets status canceled, restores the free credit ceiling
	// and zeroes usage. The customer ID is retained.
	Downgrade(ctx context.Context, userID string) error
}

// IntentRecord is the side-channel "latest payment intent" lookup row,
// keyed by processor customer ID. Most-recent-wins; never authoritative
// for entitlement.
type IntentRecord struct {
	CustomerID      string
	PaymentIntentID string
	ClientSecret    string
	CreatedAt       time.Time
}

// IntentStore is the persistence boundary for the side-channel intent
// lookup used by the polling client.
type IntentStore interface {
	// Insert appends a new intent record for a customer.
	Insert(ctx context.Context, rec IntentRecord) error

	// LatestByCustomer returns the most recent intent record for a
	// customer, or nil when none exists.
	LatestByCustomer(ctx context.Context, customerID string) (*IntentRecord, error)
}
