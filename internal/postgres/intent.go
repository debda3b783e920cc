package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docutab/billing/internal/domain"
)

// IntentStore implements domain.IntentStore using PostgreSQL. The table
// is append-only; readers only ever want the most recent row per
// customer, so stale rows are harmless and reaped by a retention job
// outside this service.
type IntentStore struct {
	pool *pgxpool.Pool
}

// Compile-time check to ensure IntentStore implements domain.IntentStore.
var _ domain.IntentStore = (*IntentStore)(nil)

// NewIntentStore creates a new IntentStore instance.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

// Insert appends a new intent record for a customer.
func (s *IntentStore) Insert(ctx context.Context, rec domain.IntentRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkout_intents (customer_id, payment_intent_id, client_secret)
		 VALUES ($1, $2, $3)`,
		rec.CustomerID, rec.PaymentIntentID, rec.ClientSecret)
	if err != nil {
		return fmt.Errorf("failed to insert checkout intent: %w", err)
	}
	return nil
}

// LatestByCustomer returns the most recent intent record for a
// customer, or nil when none exists.
func (s *IntentStore) LatestByCustomer(ctx context.Context, customerID string) (*domain.IntentRecord, error) {
	var (
		rec      domain.IntentRecord
		intentID pgtype.Text
	)

	err := s.pool.QueryRow(ctx,
		`SELECT customer_id, payment_intent_id, client_secret, created_at
		 FROM checkout_intents
		 WHERE customer_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		customerID).Scan(&rec.CustomerID, &intentID, &rec.ClientSecret, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest checkout intent: %w", err)
	}

	rec.PaymentIntentID = intentID.String
	return &rec, nil
}
