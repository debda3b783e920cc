package promo

import (
	"testing"
	"time"
)

func TestIsOfferActive(t *testing.T) {
	createdAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		createdAt time.Time
		offerUsed bool
		now       time.Time
		want      bool
	}{
		{
			name:      "fresh account",
			createdAt: createdAt,
			now:       createdAt.Add(time.Hour),
			want:      true,
		},
		{
			name:      "just inside the window",
			createdAt: createdAt,
			now:       createdAt.Add(OfferWindow - time.Second),
			want:      true,
		},
		{
			name:      "exactly at the boundary",
			createdAt: createdAt,
			now:       createdAt.Add(OfferWindow),
			want:      false,
		},
		{
			name:      "expired",
			createdAt: createdAt,
			now:       createdAt.Add(OfferWindow + time.Hour),
			want:      false,
		},
		{
			name:      "already used",
			createdAt: createdAt,
			offerUsed: true,
			now:       createdAt.Add(time.Hour),
			want:      false,
		},
		{
			name: "unknown creation time fails closed",
			now:  createdAt,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsOfferActive(tt.createdAt, tt.offerUsed, tt.now)
			if got != tt.want {
				t.Errorf("IsOfferActive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemaining(t *testing.T) {
	createdAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if got := Remaining(createdAt, false, createdAt.Add(40*time.Hour)); got != 8*time.Hour {
		t.Errorf("Remaining() = %v, want %v", got, 8*time.Hour)
	}
	if got := Remaining(createdAt, false, createdAt.Add(OfferWindow)); got != 0 {
		t.Errorf("Remaining() after expiry = %v, want 0", got)
	}
	if got := Remaining(createdAt, true, createdAt.Add(time.Hour)); got != 0 {
		t.Errorf("Remaining() after use = %v, want 0", got)
	}
}
