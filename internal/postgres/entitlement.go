package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docutab/billing/internal/domain"
)

// EntitlementStore implements domain.EntitlementStore using PostgreSQL.
type EntitlementStore struct {
	pool *pgxpool.Pool
}

// Compile-time check to ensure EntitlementStore implements domain.EntitlementStore.
var _ domain.EntitlementStore = (*EntitlementStore)(nil)

// NewEntitlementStore creates a new EntitlementStore instance.
func NewEntitlementStore(pool *pgxpool.Pool) *EntitlementStore {
	return &EntitlementStore{pool: pool}
}

const entitlementColumns = `
	user_id, subscription_tier, subscription_status,
	credits_total, credits_used,
	stripe_customer_id, stripe_subscription_id,
	subscription_current_period_end, subscription_cancel_at_period_end,
	welcome_offer_used, account_created_at, created_at, updated_at`

// GetByUserID returns the entitlement record for a user.
func (s *EntitlementStore) GetByUserID(ctx context.Context, userID string) (*domain.EntitlementRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1`, userID)

	rec, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("entitlement.get", "entitlement", userID)
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return rec, nil
}

// EnsureRecord creates the free-tier row for a user if absent and
// returns the current row. account_created_at is set exactly once, at
// first contact; the promo window is anchored to it.
func (s *EntitlementStore) EnsureRecord(ctx context.Context, userID string) (*domain.EntitlementRecord, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements (user_id, subscription_tier, credits_total, credits_used)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, string(domain.TierFree), domain.CreditsForTier(domain.TierFree))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure entitlement record: %w", err)
	}

	return s.GetByUserID(ctx, userID)
}

// SetCustomerID persists a newly provisioned processor customer ID.
func (s *EntitlementStore) SetCustomerID(ctx context.Context, userID, customerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlements
		 SET stripe_customer_id = $2, updated_at = now()
		 WHERE user_id = $1`,
		userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("entitlement.set_customer", "entitlement", userID)
	}
	return nil
}

// ApplyActivation performs the idempotent activation upsert. The write
// is a single keyed UPDATE; welcome_offer_used only ever moves forward
// (OR with the stored value), and credits_used resets to zero.
func (s *EntitlementStore) ApplyActivation(ctx context.Context, params domain.ActivationParams) error {
	periodEnd := pgtype.Timestamptz{}
	if params.CurrentPeriodEnd != nil {
		periodEnd = pgtype.Timestamptz{Time: *params.CurrentPeriodEnd, Valid: true}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET
			stripe_customer_id = $2,
			stripe_subscription_id = $3,
			subscription_tier = $4,
			subscription_status = $5,
			subscription_current_period_end = $6,
			subscription_cancel_at_period_end = $7,
			credits_total = $8,
			credits_used = 0,
			welcome_offer_used = welcome_offer_used OR $9,
			updated_at = now()
		 WHERE user_id = $1`,
		params.UserID,
		params.CustomerID,
		params.SubscriptionID,
		string(params.Tier),
		params.Status,
		periodEnd,
		params.CancelAtPeriodEnd,
		params.CreditsTotal,
		params.MarkOfferUsed)
	if err != nil {
		return fmt.Errorf("failed to apply activation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("entitlement.activate", "entitlement", params.UserID)
	}
	return nil
}

// UpdateSubscriptionState writes status, period end and the cancel flag
// without touching tier or credits.
func (s *EntitlementStore) UpdateSubscriptionState(ctx context.Context, userID, status string, periodEnd *time.Time, cancelAtPeriodEnd bool) error {
	end := pgtype.Timestamptz{}
	if periodEnd != nil {
		end = pgtype.Timestamptz{Time: *periodEnd, Valid: true}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET
			subscription_status = $2,
			subscription_current_period_end = $3,
			subscription_cancel_at_period_end = $4,
			updated_at = now()
		 WHERE user_id = $1`,
		userID, status, end, cancelAtPeriodEnd)
	if err != nil {
		return fmt.Errorf("failed to update subscription state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("entitlement.update_state", "entitlement", userID)
	}
	return nil
}

// UpdateStatus writes the subscription status alone.
func (s *EntitlementStore) UpdateStatus(ctx context.Context, userID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET subscription_status = $2, updated_at = now()
		 WHERE user_id = $1`,
		userID, status)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("entitlement.update_status", "entitlement", userID)
	}
	return nil
}

// Downgrade resets a user to the free tier. The customer ID survives so
// a later resubscribe reuses the same processor customer.
func (s *EntitlementStore) Downgrade(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET
			subscription_tier = $2,
			subscription_status = 'canceled',
			stripe_subscription_id = NULL,
			subscription_current_period_end = NULL,
			subscription_cancel_at_period_end = FALSE,
			credits_total = $3,
			credits_used = 0,
			updated_at = now()
		 WHERE user_id = $1`,
		userID, string(domain.TierFree), domain.CreditsForTier(domain.TierFree))
	if err != nil {
		return fmt.Errorf("failed to downgrade entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("entitlement.downgrade", "entitlement", userID)
	}
	return nil
}

// scanEntitlement maps one row onto a domain record, converting
// nullable columns to their Go zero values.
func scanEntitlement(row pgx.Row) (*domain.EntitlementRecord, error) {
	var (
		rec       domain.EntitlementRecord
		tier      string
		status    pgtype.Text
		custID    pgtype.Text
		subID     pgtype.Text
		periodEnd pgtype.Timestamptz
	)

	err := row.Scan(
		&rec.UserID, &tier, &status,
		&rec.CreditsTotal, &rec.CreditsUsed,
		&custID, &subID,
		&periodEnd, &rec.CancelAtPeriodEnd,
		&rec.WelcomeOfferUsed, &rec.AccountCreatedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Tier = domain.Tier(tier)
	rec.SubscriptionStatus = status.String
	rec.StripeCustomerID = custID.String
	rec.StripeSubscriptionID = subID.String
	if periodEnd.Valid {
		t := periodEnd.Time
		rec.CurrentPeriodEnd = &t
	}
	return &rec, nil
}
