package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docutab/billing/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memEntitlementStore is an in-memory EntitlementStore mirroring the
// postgres implementation's semantics.
type memEntitlementStore struct {
	mu      sync.Mutex
	records map[string]*domain.EntitlementRecord
}

var _ domain.EntitlementStore = (*memEntitlementStore)(nil)

func newMemEntitlementStore() *memEntitlementStore {
	return &memEntitlementStore{records: make(map[string]*domain.EntitlementRecord)}
}

// seed installs a record directly, bypassing EnsureRecord defaults.
func (s *memEntitlementStore) seed(rec domain.EntitlementRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = &rec
}

func (s *memEntitlementStore) GetByUserID(_ context.Context, userID string) (*domain.EntitlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, domain.NotFound("entitlement.get", "entitlement", userID)
	}
	cp := *rec
	return &cp, nil
}

func (s *memEntitlementStore) EnsureRecord(_ context.Context, userID string) (*domain.EntitlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[userID]; ok {
		cp := *rec
		return &cp, nil
	}
	rec := &domain.EntitlementRecord{
		UserID:           userID,
		Tier:             domain.TierFree,
		CreditsTotal:     domain.CreditsForTier(domain.TierFree),
		AccountCreatedAt: time.Now(),
	}
	s.records[userID] = rec
	cp := *rec
	return &cp, nil
}

func (s *memEntitlementStore) SetCustomerID(_ context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return domain.NotFound("entitlement.set_customer", "entitlement", userID)
	}
	rec.StripeCustomerID = customerID
	return nil
}

func (s *memEntitlementStore) ApplyActivation(_ context.Context, params domain.ActivationParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[params.UserID]
	if !ok {
		return domain.NotFound("entitlement.activate", "entitlement", params.UserID)
	}
	rec.StripeCustomerID = params.CustomerID
	rec.StripeSubscriptionID = params.SubscriptionID
	rec.Tier = params.Tier
	rec.SubscriptionStatus = params.Status
	rec.CurrentPeriodEnd = params.CurrentPeriodEnd
	rec.CancelAtPeriodEnd = params.CancelAtPeriodEnd
	rec.CreditsTotal = params.CreditsTotal
	rec.CreditsUsed = 0
	rec.WelcomeOfferUsed = rec.WelcomeOfferUsed || params.MarkOfferUsed
	return nil
}

func (s *memEntitlementStore) UpdateSubscriptionState(_ context.Context, userID, status string, periodEnd *time.Time, cancelAtPeriodEnd bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return domain.NotFound("entitlement.update_state", "entitlement", userID)
	}
	rec.SubscriptionStatus = status
	rec.CurrentPeriodEnd = periodEnd
	rec.CancelAtPeriodEnd = cancelAtPeriodEnd
	return nil
}

func (s *memEntitlementStore) UpdateStatus(_ context.Context, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return domain.NotFound("entitlement.update_status", "entitlement", userID)
	}
	rec.SubscriptionStatus = status
	return nil
}

func (s *memEntitlementStore) Downgrade(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return domain.NotFound("entitlement.downgrade", "entitlement", userID)
	}
	rec.Tier = domain.TierFree
	rec.SubscriptionStatus = "canceled"
	rec.StripeSubscriptionID = ""
	rec.CurrentPeriodEnd = nil
	rec.CancelAtPeriodEnd = false
	rec.CreditsTotal = domain.CreditsForTier(domain.TierFree)
	rec.CreditsUsed = 0
	return nil
}

// memIntentStore is an in-memory IntentStore.
type memIntentStore struct {
	mu      sync.Mutex
	records []domain.IntentRecord
}

var _ domain.IntentStore = (*memIntentStore)(nil)

func newMemIntentStore() *memIntentStore {
	return &memIntentStore{}
}

func (s *memIntentStore) Insert(_ context.Context, rec domain.IntentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memIntentStore) LatestByCustomer(_ context.Context, customerID string) (*domain.IntentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].CustomerID == customerID {
			cp := s.records[i]
			return &cp, nil
		}
	}
	return nil, nil
}
