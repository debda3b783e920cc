package billing

import (
	"context"
	"fmt"
)

// MockProvider is a mock billing provider for testing.
// Simulates processor flows without calling the Stripe API. Each method
// can be customized via its function field; defaults operate on the
// in-memory maps.
type MockProvider struct {
	CreateCustomerFunc          func(ctx context.Context, params CreateCustomerParams) (*Customer, error)
	GetCustomerFunc             func(ctx context.Context, customerID string) (*Customer, error)
	CreateSubscriptionFunc      func(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)
	GetSubscriptionFunc         func(ctx context.Context, params GetSubscriptionParams) (*Subscription, error)
	FindSubscriptionByTokenFunc func(ctx context.Context, customerID, token string) (*Subscription, error)
	CancelAtPeriodEndFunc       func(ctx context.Context, subscriptionID string) (*Subscription, error)
	GetInvoiceFunc              func(ctx context.Context, invoiceID string) (*Invoice, error)
	PayInvoiceFunc              func(ctx context.Context, params PayInvoiceParams) (*Invoice, error)
	ListCardPaymentMethodsFunc  func(ctx context.Context, customerID string, limit int64) ([]PaymentMethod, error)

	// Customers and Subscriptions store created objects for retrieval
	Customers     map[string]*Customer
	Subscriptions map[string]*Subscription

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// Compile-time check to ensure MockProvider implements Provider.
var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Customers:     make(map[string]*Customer),
		Subscriptions: make(map[string]*Subscription),
		CallLog:       []string{},
	}
}

// CreateCustomer creates a mock customer.
func (m *MockProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateCustomer(%s)", params.Email))

	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, params)
	}

	c := &Customer{
		ID:       fmt.Sprintf("cus_mock%d", len(m.Customers)+1),
		Email:    params.Email,
		Metadata: params.Metadata,
	}
	m.Customers[c.ID] = c
	return c, nil
}

// GetCustomer retrieves a mock customer.
func (m *MockProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetCustomer(%s)", customerID))

	if m.GetCustomerFunc != nil {
		return m.GetCustomerFunc(ctx, customerID)
	}

	c, exists := m.Customers[customerID]
	if !exists {
		return nil, ErrCustomerNotFound
	}
	return c, nil
}

// CreateSubscription creates a mock subscription in incomplete status.
func (m *MockProvider) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateSubscription(%s, %s)", params.CustomerID, params.PriceID))

	if m.CreateSubscriptionFunc != nil {
		return m.CreateSubscriptionFunc(ctx, params)
	}

	metadata := make(map[string]string, len(params.Metadata)+1)
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	if params.IdempotencyKey != "" {
		metadata[metadataTokenKey] = params.IdempotencyKey
	}

	sub := &Subscription{
		ID:           fmt.Sprintf("sub_mock%d", len(m.Subscriptions)+1),
		CustomerID:   params.CustomerID,
		Status:       StatusIncomplete,
		PriceID:      params.PriceID,
		Metadata:     metadata,
		ClientSecret: "pi_mock_secret_abc",
		IntentType:   IntentTypePayment,
	}
	m.Subscriptions[sub.ID] = sub
	return sub, nil
}

// GetSubscription retrieves a mock subscription.
func (m *MockProvider) GetSubscription(ctx context.Context, params GetSubscriptionParams) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetSubscription(%s)", params.SubscriptionID))

	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, params)
	}

	sub, exists := m.Subscriptions[params.SubscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// FindSubscriptionByToken searches mock incomplete subscriptions for a
// matching idempotency token.
func (m *MockProvider) FindSubscriptionByToken(ctx context.Context, customerID, token string) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("FindSubscriptionByToken(%s, %s)", customerID, token))

	if m.FindSubscriptionByTokenFunc != nil {
		return m.FindSubscriptionByTokenFunc(ctx, customerID, token)
	}

	for _, sub := range m.Subscriptions {
		if sub.CustomerID == customerID && sub.Status == StatusIncomplete && sub.Metadata[metadataTokenKey] == token {
			return sub, nil
		}
	}
	return nil, nil
}

// CancelAtPeriodEnd flags a mock subscription for cancellation.
func (m *MockProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CancelAtPeriodEnd(%s)", subscriptionID))

	if m.CancelAtPeriodEndFunc != nil {
		return m.CancelAtPeriodEndFunc(ctx, subscriptionID)
	}

	sub, exists := m.Subscriptions[subscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	sub.CancelAtPeriodEnd = true
	return sub, nil
}

// GetInvoice retrieves a mock invoice.
func (m *MockProvider) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetInvoice(%s)", invoiceID))

	if m.GetInvoiceFunc != nil {
		return m.GetInvoiceFunc(ctx, invoiceID)
	}
	return nil, ErrInvoiceNotFound
}

// PayInvoice settles a mock invoice.
func (m *MockProvider) PayInvoice(ctx context.Context, params PayInvoiceParams) (*Invoice, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("PayInvoice(%s)", params.InvoiceID))

	if m.PayInvoiceFunc != nil {
		return m.PayInvoiceFunc(ctx, params)
	}
	return &Invoice{ID: params.InvoiceID, Status: InvoicePaid}, nil
}

// ListCardPaymentMethods lists mock cards.
func (m *MockProvider) ListCardPaymentMethods(ctx context.Context, customerID string, limit int64) ([]PaymentMethod, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("ListCardPaymentMethods(%s)", customerID))

	if m.ListCardPaymentMethodsFunc != nil {
		return m.ListCardPaymentMethodsFunc(ctx, customerID, limit)
	}
	return nil, nil
}
