// Package catalog maps (plan, billing period, promo) combinations to
// processor price IDs and back. The reverse lookup is the only way the
// webhook processor can recover purchase intent from a bare price ID,
// so it must be the exact left-inverse of the forward lookup.
package catalog

import (
	"github.com/docutab/billing/internal/domain"
)

// key identifies one configured price slot.
type key struct {
	Plan   domain.Plan
	Period domain.BillingPeriod
	Promo  bool
}

// Prices holds the configured processor price IDs for every sellable
// combination. Empty values are permitted at construction; resolving an
// unconfigured combination fails with a configuration error.
type Prices struct {
	StarterMonthly      string
	StarterMonthlyPromo string
	StarterYearly       string
	StarterYearlyPromo  string
	ProMonthly          string
	ProMonthlyPromo     string
	ProYearly           string
	ProYearlyPromo      string
}

// Catalog resolves plan selections to price IDs and price IDs back to
// plan selections. Deterministic; no I/O.
type Catalog struct {
	forward map[key]string
	reverse map[string]domain.PlanSelection
}

// New builds a catalog from the configured price IDs. Combinations with
// an empty price ID are left unconfigured rather than rejected, so a
// deployment can run without promo prices; ResolvePrice reports the gap
// when such a combination is actually requested.
func New(p Prices) *Catalog {
	c := &Catalog{
		forward: make(map[key]string),
		reverse: make(map[string]domain.PlanSelection),
	}

	c.add(domain.PlanStarter, domain.BillingMonthly, false, p.StarterMonthly)
	c.add(domain.PlanStarter, domain.BillingMonthly, true, p.StarterMonthlyPromo)
	c.add(domain.PlanStarter, domain.BillingYearly, false, p.StarterYearly)
	c.add(domain.PlanStarter, domain.BillingYearly, true, p.StarterYearlyPromo)
	c.add(domain.PlanPro, domain.BillingMonthly, false, p.ProMonthly)
	c.add(domain.PlanPro, domain.BillingMonthly, true, p.ProMonthlyPromo)
	c.add(domain.PlanPro, domain.BillingYearly, false, p.ProYearly)
	c.add(domain.PlanPro, domain.BillingYearly, true, p.ProYearlyPromo)

	return c
}

func (c *Catalog) add(plan domain.Plan, period domain.BillingPeriod, promo bool, priceID string) {
	if priceID == "" {
		return
	}
	c.forward[key{Plan: plan, Period: period, Promo: promo}] = priceID
	c.reverse[priceID] = domain.PlanSelection{Plan: plan, BillingPeriod: period, Promo: promo}
}

// ResolvePrice returns the processor price ID for a plan selection.
// A missing mapping is a deployment defect, reported as ECONFIG.
func (c *Catalog) ResolvePrice(plan domain.Plan, period domain.BillingPeriod, promo bool) (string, error) {
	priceID, ok := c.forward[key{Plan: plan, Period: period, Promo: promo}]
	if !ok {
		return "", domain.Errorf(domain.ECONFIG, "catalog.resolve",
			"no price configured for plan=%s period=%s promo=%t", plan, period, promo)
	}
	return priceID, nil
}

// PlanFromPriceID recovers the plan selection a price ID was configured
// for. Returns false when the price ID is not part of the catalog.
func (c *Catalog) PlanFromPriceID(priceID string) (domain.PlanSelection, bool) {
	sel, ok := c.reverse[priceID]
	return sel, ok
}

// Validate reports missing non-promo price IDs. Promo slots are
// optional (the welcome offer can be disabled by leaving them unset),
// but a deployment that cannot sell the base plans is misconfigured.
func (c *Catalog) Validate() error {
	required := []key{
		{domain.PlanStarter, domain.BillingMonthly, false},
		{domain.PlanStarter, domain.BillingYearly, false},
		{domain.PlanPro, domain.BillingMonthly, false},
		{domain.PlanPro, domain.BillingYearly, false},
	}
	for _, k := range required {
		if _, ok := c.forward[k]; !ok {
			return domain.Errorf(domain.ECONFIG, "catalog.validate",
				"missing price ID for plan=%s period=%s", k.Plan, k.Period)
		}
	}
	return nil
}
