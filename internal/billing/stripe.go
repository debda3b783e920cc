package billing

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/subscription"
)

// metadataTokenKey tags subscriptions with the client idempotency token
// so duplicate checkout attempts can find the original.
const metadataTokenKey = "idempotencyKey"

// StripeProvider implements Provider using the Stripe Go SDK.
type StripeProvider struct{}

// Compile-time check to ensure StripeProvider implements Provider.
var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider creates a new Stripe billing provider.
// The API key is process-global in the Stripe SDK.
func NewStripeProvider(apiKey string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{}
}

// CreateCustomer creates a Stripe customer.
func (s *StripeProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	p := &stripe.CustomerParams{
		Email: stripe.String(params.Email),
	}
	p.Context = ctx
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}

	c, err := customer.New(p)
	if err != nil {
		return nil, wrapStripeErr(err)
	}

	return customerFromStripe(c), nil
}

// GetCustomer retrieves a Stripe customer.
// A deleted customer is reported as ErrCustomerNotFound so provisioning
// falls through to creation.
func (s *StripeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	p := &stripe.CustomerParams{}
	p.Context = ctx

	c, err := customer.Get(customerID, p)
	if err != nil {
		if isResourceMissing(err) {
			return nil, ErrCustomerNotFound
		}
		return nil, wrapStripeErr(err)
	}
	if c.Deleted {
		return nil, ErrCustomerNotFound
	}

	return customerFromStripe(c), nil
}

// CreateSubscription creates a subscription with default_incomplete
// payment behavior and returns it with any synchronously available
// confirmation secret.
func (s *StripeProvider) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	p := &stripe.SubscriptionParams{
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceID)},
		},
		CollectionMethod: stripe.String("charge_automatically"),
		PaymentBehavior:  stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	p.Context = ctx
	p.AddExpand("latest_invoice.confirmation_secret")
	p.AddExpand("pending_setup_intent")
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}
	if params.IdempotencyKey != "" {
		p.AddMetadata(metadataTokenKey, params.IdempotencyKey)
		p.IdempotencyKey = stripe.String(params.IdempotencyKey)
	}

	sub, err := subscription.New(p)
	if err != nil {
		return nil, wrapStripeErr(err)
	}

	return subscriptionFromStripe(sub), nil
}

// GetSubscription retrieves a subscription.
func (s *StripeProvider) GetSubscription(ctx context.Context, params GetSubscriptionParams) (*Subscription, error) {
	p := &stripe.SubscriptionParams{}
	p.Context = ctx
	if params.ExpandLatestInvoice {
		p.AddExpand("latest_invoice.confirmation_secret")
		p.AddExpand("pending_setup_intent")
	}

	sub, err := subscription.Get(params.SubscriptionID, p)
	if err != nil {
		if isResourceMissing(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, wrapStripeErr(err)
	}

	return subscriptionFromStripe(sub), nil
}

// FindSubscriptionByToken searches the customer's incomplete
// subscriptions for one tagged with the idempotency token.
func (s *StripeProvider) FindSubscriptionByToken(ctx context.Context, customerID, token string) (*Subscription, error) {
	p := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(StatusIncomplete),
	}
	p.Context = ctx
	p.Limit = stripe.Int64(5)

	it := subscription.List(p)
	for it.Next() {
		sub := it.Subscription()
		if sub.Metadata[metadataTokenKey] == token {
			// Re-fetch with expansions so the caller gets the secret
			return s.GetSubscription(ctx, GetSubscriptionParams{
				SubscriptionID:      sub.ID,
				ExpandLatestInvoice: true,
			})
		}
	}
	if err := it.Err(); err != nil {
		return nil, wrapStripeErr(err)
	}

	return nil, nil
}

// CancelAtPeriodEnd flags a subscription to cancel at period end.
func (s *StripeProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	p := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	p.Context = ctx

	sub, err := subscription.Update(subscriptionID, p)
	if err != nil {
		if isResourceMissing(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, wrapStripeErr(err)
	}

	return subscriptionFromStripe(sub), nil
}

// GetInvoice retrieves an invoice with its confirmation secret expanded.
func (s *StripeProvider) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	p := &stripe.InvoiceParams{}
	p.Context = ctx
	p.AddExpand("confirmation_secret")

	inv, err := invoice.Get(invoiceID, p)
	if err != nil {
		if isResourceMissing(err) {
			return nil, ErrInvoiceNotFound
		}
		return nil, wrapStripeErr(err)
	}

	return invoiceFromStripe(inv), nil
}

// PayInvoice attempts to settle an open invoice.
func (s *StripeProvider) PayInvoice(ctx context.Context, params PayInvoiceParams) (*Invoice, error) {
	p := &stripe.InvoicePayParams{}
	p.Context = ctx
	if params.PaymentMethodID != "" {
		p.PaymentMethod = stripe.String(params.PaymentMethodID)
	}

	inv, err := invoice.Pay(params.InvoiceID, p)
	if err != nil {
		return nil, wrapStripeErr(err)
	}

	return invoiceFromStripe(inv), nil
}

// ListCardPaymentMethods returns the customer's saved cards, most
// recent first.
func (s *StripeProvider) ListCardPaymentMethods(ctx context.Context, customerID string, limit int64) ([]PaymentMethod, error) {
	p := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String("card"),
	}
	p.Context = ctx
	if limit > 0 {
		p.Limit = stripe.Int64(limit)
	}

	var methods []PaymentMethod
	it := paymentmethod.List(p)
	for it.Next() {
		pm := it.PaymentMethod()
		m := PaymentMethod{ID: pm.ID}
		if pm.Card != nil {
			m.Brand = string(pm.Card.Brand)
			m.Last4 = pm.Card.Last4
		}
		methods = append(methods, m)
	}
	if err := it.Err(); err != nil {
		return nil, wrapStripeErr(err)
	}

	return methods, nil
}

// =============================================================================
// Mapping helpers
// =============================================================================

func customerFromStripe(c *stripe.Customer) *Customer {
	return &Customer{
		ID:       c.ID,
		Email:    c.Email,
		Metadata: c.Metadata,
	}
}

// subscriptionFromStripe flattens a Stripe subscription. The billing
// period end lives on the subscription item; the first item wins since
// checkout only ever creates single-item subscriptions.
func subscriptionFromStripe(s *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodEnd = item.CurrentPeriodEnd
	}
	if s.LatestInvoice != nil {
		inv := invoiceFromStripe(s.LatestInvoice)
		out.LatestInvoice = inv
		if inv.ClientSecret != "" {
			out.ClientSecret = inv.ClientSecret
			out.IntentType = IntentTypePayment
		}
	}
	if out.ClientSecret == "" && s.PendingSetupIntent != nil && s.PendingSetupIntent.ClientSecret != "" {
		out.ClientSecret = s.PendingSetupIntent.ClientSecret
		out.IntentType = IntentTypeSetup
	}
	return out
}

func invoiceFromStripe(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:         inv.ID,
		Status:     string(inv.Status),
		AmountPaid: inv.AmountPaid,
		Metadata:   inv.Metadata,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.DefaultPaymentMethod != nil {
		out.PaymentMethodID = inv.DefaultPaymentMethod.ID
	}
	if inv.ConfirmationSecret != nil {
		out.ClientSecret = inv.ConfirmationSecret.ClientSecret
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		out.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return out
}

func isResourceMissing(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}

// wrapStripeErr converts a Stripe SDK error into a StripeError carrying
// the fields operators need for debugging.
func wrapStripeErr(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &StripeError{
			Message:       se.Msg,
			Code:          string(se.Code),
			DeclineCode:   string(se.DeclineCode),
			RequestID:     se.RequestID,
			OriginalError: err,
		}
	}
	return err
}
