package billing

import (
	"context"
	"time"
)

// Provider defines the interface for the payment processor.
// The processor is the system of record for money movement; everything
// local is reconciled from the objects returned here.
type Provider interface {
	// CreateCustomer creates a customer record in the billing provider.
	// Metadata should always include the local user ID so asynchronous
	// events can be attributed.
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// GetCustomer retrieves an existing customer.
	// Returns ErrCustomerNotFound when the customer was deleted upstream
	// or never existed; callers provisioning customers fall through to
	// creation on that error.
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)

	// CreateSubscription creates a subscription in default_incomplete
	// payment behavior: the subscription exists immediately and the first
	// invoice awaits client-side payment confirmation.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// GetSubscription retrieves an existing subscription.
	GetSubscription(ctx context.Context, params GetSubscriptionParams) (*Subscription, error)

	// FindSubscriptionByToken searches the customer's incomplete
	// subscriptions for one tagged with the given idempotency token.
	// Returns nil, nil when no match exists (not an error).
	FindSubscriptionByToken(ctx context.Context, customerID, token string) (*Subscription, error)

	// CancelAtPeriodEnd flags a subscription to cancel when the current
	// period ends and returns the updated subscription.
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error)

	// GetInvoice retrieves an invoice, including its confirmation secret
	// when one is available.
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// PayInvoice attempts to settle an open invoice with the given
	// payment method.
	PayInvoice(ctx context.Context, params PayInvoiceParams) (*Invoice, error)

	// ListCardPaymentMethods returns the customer's card payment
	// methods, most recently added first.
	ListCardPaymentMethods(ctx context.Context, customerID string, limit int64) ([]PaymentMethod, error)
}

// CreateCustomerParams contains parameters for creating a customer.
type CreateCustomerParams struct {
	Email    string
	Metadata map[string]string
}

// Customer represents a billing customer.
type Customer struct {
	ID        string
	Email     string
	Metadata  map[string]string
	CreatedAt time.Time
}

// CreateSubscriptionParams contains parameters for creating a subscription.
type CreateSubscriptionParams struct {
	CustomerID string

	// PriceID is the provider's price identifier resolved from the
	// catalog. Exactly one item per subscription.
	PriceID string

	// Metadata must redundantly carry userId, plan, billingPeriod and
	// the promo flag: independently delivered webhooks have no other
	// channel to recover business intent.
	Metadata map[string]string

	// IdempotencyKey prevents duplicate subscriptions at the provider
	// when the same logical request is retried.
	IdempotencyKey string
}

// GetSubscriptionParams contains parameters for retrieving a subscription.
type GetSubscriptionParams struct {
	SubscriptionID string

	// ExpandLatestInvoice includes the latest invoice (with its
	// confirmation secret) in the response.
	ExpandLatestInvoice bool
}

// PayInvoiceParams contains parameters for paying an open invoice.
type PayInvoiceParams struct {
	InvoiceID string

	// PaymentMethodID is optional; when empty the provider uses the
	// invoice's default payment method.
	PaymentMethodID string
}

// Subscription represents a provider subscription, flattened to the
// fields reconciliation needs.
type Subscription struct {
	ID         string
	CustomerID string

	// Status uses the provider's vocabulary: "active", "trialing",
	// "incomplete", "past_due", "canceled", ...
	Status string

	// PriceID is the price of the first (only) subscription item. It is
	// the one provider-supplied fact that can be trusted for "what did
	// the user buy".
	PriceID string

	// CurrentPeriodEnd is epoch seconds; zero when the provider did not
	// supply one.
	CurrentPeriodEnd int64

	CancelAtPeriodEnd bool
	Metadata          map[string]string

	// LatestInvoice is populated when requested via ExpandLatestInvoice.
	LatestInvoice *Invoice

	// ClientSecret is the payment confirmation secret for the first
	// invoice, or the pending setup intent secret, when either is
	// available synchronously. IntentType says which: "payment" or
	// "setup". Empty when the caller must fall back to polling.
	ClientSecret string
	IntentType   string
}

// Invoice represents a provider invoice.
type Invoice struct {
	ID             string
	Status         string // "draft", "open", "paid", "void", "uncollectible"
	CustomerID     string
	SubscriptionID string

	// PaymentMethodID is the invoice's default payment method, when one
	// is attached.
	PaymentMethodID string

	// ClientSecret is the confirmation secret for client-side payment,
	// when available.
	ClientSecret string

	AmountPaid int64
	Metadata   map[string]string
}

// PaymentMethod represents a saved card.
type PaymentMethod struct {
	ID    string
	Brand string
	Last4 string
}

// Subscription status values in the provider's vocabulary.
const (
	StatusActive     = "active"
	StatusTrialing   = "trialing"
	StatusIncomplete = "incomplete"
	StatusPastDue    = "past_due"
	StatusCanceled   = "canceled"
)

// Invoice status values in the provider's vocabulary.
const (
	InvoiceOpen = "open"
	InvoicePaid = "paid"
)

// IntentType values for Subscription.IntentType.
const (
	IntentTypePayment = "payment"
	IntentTypeSetup   = "setup"
)
