package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docutab/billing/internal/domain"
)

func fullPrices() Prices {
	return Prices{
		StarterMonthly:      "price_sm",
		StarterMonthlyPromo: "price_smp",
		StarterYearly:       "price_sy",
		StarterYearlyPromo:  "price_syp",
		ProMonthly:          "price_pm",
		ProMonthlyPromo:     "price_pmp",
		ProYearly:           "price_py",
		ProYearlyPromo:      "price_pyp",
	}
}

func Test_Catalog_RoundTrip(t *testing.T) {
	c := New(fullPrices())

	for _, plan := range []domain.Plan{domain.PlanStarter, domain.PlanPro} {
		for _, period := range []domain.BillingPeriod{domain.BillingMonthly, domain.BillingYearly} {
			for _, promo := range []bool{false, true} {
				priceID, err := c.ResolvePrice(plan, period, promo)
				require.NoError(t, err)

				sel, ok := c.PlanFromPriceID(priceID)
				require.True(t, ok, "price %s did not reverse-resolve", priceID)
				assert.Equal(t, plan, sel.Plan)
				assert.Equal(t, period, sel.BillingPeriod)
				assert.Equal(t, promo, sel.Promo)
			}
		}
	}
}

func Test_Catalog_MissingPriceIsConfigError(t *testing.T) {
	c := New(Prices{StarterMonthly: "price_sm"})

	_, err := c.ResolvePrice(domain.PlanPro, domain.BillingYearly, true)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ECONFIG))
}

func Test_Catalog_UnknownPriceID(t *testing.T) {
	c := New(fullPrices())

	_, ok := c.PlanFromPriceID("price_from_another_account")
	assert.False(t, ok)
}

func Test_Catalog_Validate(t *testing.T) {
	// Promo slots are optional.
	c := New(Prices{
		StarterMonthly: "price_sm",
		StarterYearly:  "price_sy",
		ProMonthly:     "price_pm",
		ProYearly:      "price_py",
	})
	assert.NoError(t, c.Validate())

	incomplete := New(Prices{StarterMonthly: "price_sm"})
	err := incomplete.Validate()
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ECONFIG))
}
