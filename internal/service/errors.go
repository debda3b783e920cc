package service

import (
	"github.com/docutab/billing/internal/domain"
)

// Checkout validation errors - use domain.EINVALID
var (
	ErrInvalidPlan             = domain.Errorf(domain.EINVALID, "", "Plan must be starter or pro")
	ErrInvalidBillingPeriod    = domain.Errorf(domain.EINVALID, "", "Billing period must be monthly or yearly")
	ErrMissingIdempotencyToken = domain.Errorf(domain.EINVALID, "", "Idempotency token is required")
)

// Lookup errors - use domain.ENOTFOUND
var (
	ErrEntitlementNotFound  = domain.Errorf(domain.ENOTFOUND, "", "No billing record found for this account")
	ErrSubscriptionNotFound = domain.Errorf(domain.ENOTFOUND, "", "Subscription not found")
	ErrNoSubscription       = domain.Errorf(domain.ENOTFOUND, "", "No active subscription to cancel")
)

// Attribution errors. A money event that cannot be tied to a user or a
// catalog price must surface to operators so the delivery is retried
// and alerted on, never silently dropped.
var (
	ErrMissingMetadata = domain.Errorf(domain.EINTERNAL, "", "Money event is missing userId metadata")
	ErrUnknownPrice    = domain.Errorf(domain.EINTERNAL, "", "Subscription price is not in the catalog")
)

// Polling errors - recoverable, the UI should offer a retry
var (
	ErrPollTimeout = domain.Errorf(domain.ETIMEOUT, "", "Timed out waiting for payment confirmation")
)
