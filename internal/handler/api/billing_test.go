package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docutab/billing/internal/billing"
	"github.com/docutab/billing/internal/catalog"
	"github.com/docutab/billing/internal/domain"
	"github.com/docutab/billing/internal/middleware"
	"github.com/docutab/billing/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubEntitlements is a minimal in-memory EntitlementStore.
type stubEntitlements struct {
	records map[string]*domain.EntitlementRecord
}

func newStubEntitlements(recs ...domain.EntitlementRecord) *stubEntitlements {
	s := &stubEntitlements{records: make(map[string]*domain.EntitlementRecord)}
	for i := range recs {
		rec := recs[i]
		s.records[rec.UserID] = &rec
	}
	return s
}

func (s *stubEntitlements) GetByUserID(_ context.Context, userID string) (*domain.EntitlementRecord, error) {
	rec, ok := s.records[userID]
	if !ok {
		return nil, domain.NotFound("entitlement.get", "entitlement", userID)
	}
	return rec, nil
}

func (s *stubEntitlements) EnsureRecord(_ context.Context, userID string) (*domain.EntitlementRecord, error) {
	if rec, ok := s.records[userID]; ok {
		return rec, nil
	}
	rec := &domain.EntitlementRecord{
		UserID:           userID,
		Tier:             domain.TierFree,
		CreditsTotal:     domain.CreditsForTier(domain.TierFree),
		AccountCreatedAt: time.Now(),
	}
	s.records[userID] = rec
	return rec, nil
}

func (s *stubEntitlements) SetCustomerID(_ context.Context, userID, customerID string) error {
	s.records[userID].StripeCustomerID = customerID
	return nil
}

func (s *stubEntitlements) ApplyActivation(_ context.Context, params domain.ActivationParams) error {
	rec, ok := s.records[params.UserID]
	if !ok {
		return domain.NotFound("entitlement.activate", "entitlement", params.UserID)
	}
	rec.Tier = params.Tier
	rec.SubscriptionStatus = params.Status
	rec.StripeSubscriptionID = params.SubscriptionID
	rec.CreditsTotal = params.CreditsTotal
	rec.CreditsUsed = 0
	rec.CurrentPeriodEnd = params.CurrentPeriodEnd
	rec.CancelAtPeriodEnd = params.CancelAtPeriodEnd
	rec.WelcomeOfferUsed = rec.WelcomeOfferUsed || params.MarkOfferUsed
	return nil
}

func (s *stubEntitlements) UpdateSubscriptionState(_ context.Context, userID, status string, periodEnd *time.Time, cancel bool) error {
	rec, ok := s.records[userID]
	if !ok {
		return domain.NotFound("entitlement.update_state", "entitlement", userID)
	}
	rec.SubscriptionStatus = status
	rec.CurrentPeriodEnd = periodEnd
	rec.CancelAtPeriodEnd = cancel
	return nil
}

func (s *stubEntitlements) UpdateStatus(_ context.Context, userID, status string) error {
	rec, ok := s.records[userID]
	if !ok {
		return domain.NotFound("entitlement.update_status", "entitlement", userID)
	}
	rec.SubscriptionStatus = status
	return nil
}

func (s *stubEntitlements) Downgrade(_ context.Context, userID string) error {
	rec, ok := s.records[userID]
	if !ok {
		return domain.NotFound("entitlement.downgrade", "entitlement", userID)
	}
	rec.Tier = domain.TierFree
	rec.SubscriptionStatus = billing.StatusCanceled
	rec.StripeSubscriptionID = ""
	rec.CreditsTotal = domain.CreditsForTier(domain.TierFree)
	rec.CreditsUsed = 0
	return nil
}

// stubIntents is a minimal in-memory IntentStore.
type stubIntents struct {
	records []domain.IntentRecord
}

func (s *stubIntents) Insert(_ context.Context, rec domain.IntentRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func (s *stubIntents) LatestByCustomer(_ context.Context, customerID string) (*domain.IntentRecord, error) {
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].CustomerID == customerID {
			rec := s.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func testCatalog() *catalog.Catalog {
	return catalog.New(catalog.Prices{
		StarterMonthly:      "price_sm",
		StarterMonthlyPromo: "price_smp",
		StarterYearly:       "price_sy",
		StarterYearlyPromo:  "price_syp",
		ProMonthly:          "price_pm",
		ProMonthlyPromo:     "price_pmp",
		ProYearly:           "price_py",
		ProYearlyPromo:      "price_pyp",
	})
}

func newTestHandler(provider billing.Provider, store domain.EntitlementStore, intents domain.IntentStore) *BillingHandler {
	cat := testCatalog()
	logger := testLogger()
	reconciler := service.NewReconciler(store, logger)
	return NewBillingHandler(
		service.NewCheckoutService(provider, cat, store, intents, logger),
		service.NewSyncService(provider, cat, store, reconciler, logger),
		service.NewPoller(intents, logger),
		store,
		logger,
	)
}

// asUser builds a request carrying the gateway-asserted identity.
func asUser(method, target, body, userID string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	ctx := context.WithValue(req.Context(), middleware.IdentityContextKey,
		&middleware.Identity{UserID: userID, Email: userID + "@example.com"})
	return req.WithContext(ctx)
}

func TestHandleCreateCheckout_RequiresIdentity(t *testing.T) {
	h := newTestHandler(billing.NewMockProvider(), newStubEntitlements(), &stubIntents{})

	req := httptest.NewRequest(http.MethodPost, "/api/billing/checkout",
		strings.NewReader(`{"plan":"pro","billingPeriod":"monthly","idempotencyToken":"tok_1"}`))
	rec := httptest.NewRecorder()
	h.HandleCreateCheckout(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleCreateCheckout_InvalidPlanIs400(t *testing.T) {
	store := newStubEntitlements(domain.EntitlementRecord{
		UserID: "user_1", Tier: domain.TierFree, AccountCreatedAt: time.Now(),
	})
	h := newTestHandler(billing.NewMockProvider(), store, &stubIntents{})

	rec := httptest.NewRecorder()
	h.HandleCreateCheckout(rec, asUser(http.MethodPost, "/api/billing/checkout",
		`{"plan":"enterprise","billingPeriod":"monthly","idempotencyToken":"tok_1"}`, "user_1"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateCheckout_NoRecordIs404(t *testing.T) {
	h := newTestHandler(billing.NewMockProvider(), newStubEntitlements(), &stubIntents{})

	rec := httptest.NewRecorder()
	h.HandleCreateCheckout(rec, asUser(http.MethodPost, "/api/billing/checkout",
		`{"plan":"pro","billingPeriod":"monthly","idempotencyToken":"tok_1"}`, "user_1"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCreateCheckout_ReturnsClientSecret(t *testing.T) {
	store := newStubEntitlements(domain.EntitlementRecord{
		UserID: "user_1", Tier: domain.TierFree, AccountCreatedAt: time.Now(),
	})
	h := newTestHandler(billing.NewMockProvider(), store, &stubIntents{})

	rec := httptest.NewRecorder()
	h.HandleCreateCheckout(rec, asUser(http.MethodPost, "/api/billing/checkout",
		`{"plan":"pro","billingPeriod":"monthly","idempotencyToken":"tok_1"}`, "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)

	var res service.CheckoutResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.NotEmpty(t, res.SubscriptionID)
	assert.Equal(t, "pi_mock_secret_abc", res.ClientSecret)
	assert.False(t, res.NeedsPolling)
}

func TestHandleCreateCheckout_HeaderTokenWins(t *testing.T) {
	store := newStubEntitlements(domain.EntitlementRecord{
		UserID: "user_1", Tier: domain.TierFree, AccountCreatedAt: time.Now(),
	})
	provider := billing.NewMockProvider()
	h := newTestHandler(provider, store, &stubIntents{})

	req := asUser(http.MethodPost, "/api/billing/checkout",
		`{"plan":"pro","billingPeriod":"monthly","idempotencyToken":"tok_body"}`, "user_1")
	req.Header.Set(IdempotencyKeyHeader, "tok_header")
	rec := httptest.NewRecorder()
	h.HandleCreateCheckout(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var tokens []string
	for _, sub := range provider.Subscriptions {
		tokens = append(tokens, sub.Metadata["idempotencyKey"])
	}
	assert.Equal(t, []string{"tok_header"}, tokens)
}

func TestHandleSyncSubscription_MissingIDIs400(t *testing.T) {
	h := newTestHandler(billing.NewMockProvider(), newStubEntitlements(), &stubIntents{})

	rec := httptest.NewRecorder()
	h.HandleSyncSubscription(rec, asUser(http.MethodPost, "/api/billing/sync", `{}`, "user_1"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSyncSubscription_PendingIsNotAnError(t *testing.T) {
	provider := billing.NewMockProvider()
	provider.Subscriptions["sub_1"] = &billing.Subscription{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     billing.StatusIncomplete,
		PriceID:    "price_pm",
		Metadata:   map[string]string{"userId": "user_1"},
	}
	store := newStubEntitlements(domain.EntitlementRecord{
		UserID: "user_1", StripeCustomerID: "cus_1", AccountCreatedAt: time.Now(),
	})
	h := newTestHandler(provider, store, &stubIntents{})

	rec := httptest.NewRecorder()
	h.HandleSyncSubscription(rec, asUser(http.MethodPost, "/api/billing/sync",
		`{"subscriptionId":"sub_1"}`, "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)

	var res service.SyncResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.False(t, res.Success)
	assert.Equal(t, billing.StatusIncomplete, res.Status)
}

func TestHandleSyncSubscription_SettledActivates(t *testing.T) {
	provider := billing.NewMockProvider()
	provider.Subscriptions["sub_1"] = &billing.Subscription{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Status:           billing.StatusActive,
		PriceID:          "price_pm",
		CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour).Unix(),
		Metadata:         map[string]string{"userId": "user_1"},
	}
	store := newStubEntitlements(domain.EntitlementRecord{
		UserID: "user_1", StripeCustomerID: "cus_1", AccountCreatedAt: time.Now(),
	})
	h := newTestHandler(provider, store, &stubIntents{})

	rec := httptest.NewRecorder()
	h.HandleSyncSubscription(rec, asUser(http.MethodPost, "/api/billing/sync",
		`{"subscriptionId":"sub_1"}`, "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)

	var res service.SyncResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.Success)

	updated, err := store.GetByUserID(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierPro, updated.Tier)
}

func TestHandleCancelSubscription_FlagsPeriodEnd(t *testing.T) {
	provider := billing.NewMockProvider()
	provider.Subscriptions["sub_1"] = &billing.Subscription{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Status:           billing.StatusActive,
		PriceID:          "price_pm",
		CurrentPeriodEnd: time.Now().Add(10 * 24 * time.Hour).Unix(),
	}
	store := newStubEntitlements(domain.EntitlementRecord{
		UserID:               "user_1",
		Tier:                 domain.TierPro,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		AccountCreatedAt:     time.Now(),
	})
	h := newTestHandler(provider, store, &stubIntents{})

	rec := httptest.NewRecorder()
	h.HandleCancelSubscription(rec, asUser(http.MethodPost, "/api/billing/cancel", "", "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)

	var res service.CancelResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.CancelAtPeriodEnd)
}

func TestHandleCancelSubscription_NothingToCancelIs404(t *testing.T) {
	store := newStubEntitlements(domain.EntitlementRecord{
		UserID: "user_1", Tier: domain.TierFree, AccountCreatedAt: time.Now(),
	})
	h := newTestHandler(billing.NewMockProvider(), store, &stubIntents{})

	rec := httptest.NewRecorder()
	h.HandleCancelSubscription(rec, asUser(http.MethodPost, "/api/billing/cancel", "", "user_1"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetSubscription_BootstrapsFreeRecord(t *testing.T) {
	store := newStubEntitlements()
	h := newTestHandler(billing.NewMockProvider(), store, &stubIntents{})

	rec := httptest.NewRecorder()
	h.HandleGetSubscription(rec, asUser(http.MethodGet, "/api/billing/subscription", "", "user_new"))

	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Tier         string `json:"tier"`
		CreditsTotal int32  `json:"creditsTotal"`
		WelcomeOffer struct {
			Active           bool  `json:"active"`
			ExpiresInSeconds int64 `json:"expiresInSeconds"`
		} `json:"welcomeOffer"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "free", res.Tier)
	assert.Equal(t, int32(500), res.CreditsTotal)
	assert.True(t, res.WelcomeOffer.Active)
	assert.Greater(t, res.WelcomeOffer.ExpiresInSeconds, int64(0))

	// The record persists; a second call returns the same account age.
	_, err := store.GetByUserID(context.Background(), "user_new")
	require.NoError(t, err)
}

func TestHandleGetSubscription_OfferInactiveAfterUse(t *testing.T) {
	store := newStubEntitlements(domain.EntitlementRecord{
		UserID:           "user_1",
		Tier:             domain.TierStarter,
		CreditsTotal:     1500,
		WelcomeOfferUsed: true,
		AccountCreatedAt: time.Now(),
	})
	h := newTestHandler(billing.NewMockProvider(), store, &stubIntents{})

	rec := httptest.NewRecorder()
	h.HandleGetSubscription(rec, asUser(http.MethodGet, "/api/billing/subscription", "", "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		WelcomeOffer struct {
			Active           bool  `json:"active"`
			ExpiresInSeconds int64 `json:"expiresInSeconds"`
		} `json:"welcomeOffer"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.False(t, res.WelcomeOffer.Active)
	assert.Zero(t, res.WelcomeOffer.ExpiresInSeconds)
}

func TestHandleLatestIntent_ReturnsSecret(t *testing.T) {
	store := newStubEntitlements(domain.EntitlementRecord{
		UserID: "user_1", StripeCustomerID: "cus_1", AccountCreatedAt: time.Now(),
	})
	intents := &stubIntents{records: []domain.IntentRecord{{
		CustomerID:      "cus_1",
		PaymentIntentID: "pi_1",
		ClientSecret:    "pi_1_secret_xyz",
	}}}
	h := newTestHandler(billing.NewMockProvider(), store, intents)

	rec := httptest.NewRecorder()
	h.HandleLatestIntent(rec, asUser(http.MethodGet, "/api/billing/latest-intent", "", "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)

	var res map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "pi_1_secret_xyz", res["clientSecret"])
	assert.Equal(t, "pi_1", res["paymentIntentId"])
}

func TestHandleLatestIntent_NoCustomerIs404(t *testing.T) {
	store := newStubEntitlements(domain.EntitlementRecord{
		UserID: "user_1", AccountCreatedAt: time.Now(),
	})
	h := newTestHandler(billing.NewMockProvider(), store, &stubIntents{})

	rec := httptest.NewRecorder()
	h.HandleLatestIntent(rec, asUser(http.MethodGet, "/api/billing/latest-intent", "", "user_1"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
