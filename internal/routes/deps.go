package routes

import (
	"github.com/docutab/billing/internal/handler/api"
	"github.com/docutab/billing/internal/handler/webhook"
)

// APIDeps contains dependencies for the authenticated billing API routes
type APIDeps struct {
	Billing *api.BillingHandler
}

// WebhookDeps contains dependencies for webhook routes
type WebhookDeps struct {
	Stripe *webhook.StripeHandler
}
