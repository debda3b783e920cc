package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/docutab/billing/internal/domain"
)

// Default polling cadence. The processor usually lands the intent in
// the side channel within a second or two; 15s covers slow webhook
// fan-out without pinning the UI indefinitely.
const (
	DefaultPollInterval = 800 * time.Millisecond
	DefaultPollTimeout  = 15 * time.Second
)

// PollOutcome discriminates how a poll ended.
type PollOutcome string

const (
	PollFound     PollOutcome = "found"
	PollTimeout   PollOutcome = "timeout"
	PollCancelled PollOutcome = "cancelled"
)

// PollResult is the outcome of one polling run.
type PollResult struct {
	Outcome         PollOutcome
	ClientSecret    string
	PaymentIntentID string
	Attempts        int
}

// Poller waits for a just-created payment intent secret to appear in
// the side-channel lookup when checkout could not return one
// synchronously.
type Poller struct {
	intents  domain.IntentStore
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewPoller creates a Poller with the default cadence.
func NewPoller(intents domain.IntentStore, logger *slog.Logger) *Poller {
	return &Poller{
		intents:  intents,
		logger:   logger,
		interval: DefaultPollInterval,
		timeout:  DefaultPollTimeout,
	}
}

// PollForSecret queries the latest-intent lookup for the customer at a
// fixed interval until a secret appears, the timeout elapses, or ctx is
// cancelled. Timeout returns ErrPollTimeout so callers can offer a
// retry; cancellation returns ctx's error. Lookup failures are logged
// and retried on the next tick rather than aborting the run.
func (p *Poller) PollForSecret(ctx context.Context, customerID string) (*PollResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	res := &PollResult{}
	for {
		res.Attempts++
		rec, err := p.intents.LatestByCustomer(ctx, customerID)
		if err != nil {
			p.logger.Warn("poll: intent lookup failed",
				"customer_id", customerID, "attempt", res.Attempts, "error", err)
		}
		if rec != nil && rec.ClientSecret != "" {
			res.Outcome = PollFound
			res.ClientSecret = rec.ClientSecret
			res.PaymentIntentID = rec.PaymentIntentID
			p.logger.Info("poll: secret found",
				"customer_id", customerID, "attempts", res.Attempts)
			return res, nil
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				res.Outcome = PollTimeout
				p.logger.Info("poll: timed out",
					"customer_id", customerID, "attempts", res.Attempts)
				return res, ErrPollTimeout
			}
			res.Outcome = PollCancelled
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}
