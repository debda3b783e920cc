package routes

import (
	"github.com/docutab/billing/internal/router"
)

// RegisterAPIRoutes registers the billing API consumed by the web UI.
// The caller is expected to mount these behind the gateway identity
// middleware; handlers still reject requests without an identity.
func RegisterAPIRoutes(r *router.Router, deps APIDeps) {
	r.Post("/api/billing/checkout", deps.Billing.HandleCreateCheckout)
	r.Post("/api/billing/sync", deps.Billing.HandleSyncSubscription)
	r.Post("/api/billing/cancel", deps.Billing.HandleCancelSubscription)
	r.Get("/api/billing/subscription", deps.Billing.HandleGetSubscription)
	r.Get("/api/billing/latest-intent", deps.Billing.HandleLatestIntent)
}
