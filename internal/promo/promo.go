// Package promo decides welcome-offer eligibility. The determination is
// never trusted from the client; every caller recomputes it from the
// entitlement record's own fields.
package promo

import "time"

// OfferWindow is how long after account creation the welcome offer
// stays available.
const OfferWindow = 48 * time.Hour

// IsOfferActive reports whether the time-boxed welcome offer is still
// available. Active iff the offer has not been used and now is within
// the offer window of account creation. A zero createdAt fails closed.
func IsOfferActive(createdAt time.Time, offerUsed bool, now time.Time) bool {
	if offerUsed {
		return false
	}
	if createdAt.IsZero() {
		return false
	}
	return now.Sub(createdAt) < OfferWindow
}

// Remaining returns how much of the offer window is left. Zero when the
// offer is expired, already used, or createdAt is unknown.
func Remaining(createdAt time.Time, offerUsed bool, now time.Time) time.Duration {
	if !IsOfferActive(createdAt, offerUsed, now) {
		return 0
	}
	return OfferWindow - now.Sub(createdAt)
}
