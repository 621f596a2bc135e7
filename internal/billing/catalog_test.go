package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingengine/internal/config"
	"billingengine/internal/types"
)

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		PriceStarter:            "price_starter",
		PriceEnterprise:         "price_enterprise",
		PriceUnlimited:          "price_unlimited",
		AmountStarter:           900,
		AmountEnterprise:        2900,
		AmountUnlimited:         9900,
		CreditsFree:             3,
		CreditsStarter:          20,
		CreditsEnterprise:       50,
		UnlimitedDisplayCredits: 999999,
	}
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(testBillingConfig())
	require.NoError(t, err)
	return c
}

func TestCatalog_Allotments(t *testing.T) {
	c := testCatalog(t)

	tests := []struct {
		plan      types.PlanType
		credits   int
		unlimited bool
	}{
		{types.PlanFree, 3, false},
		{types.PlanStarter, 20, false},
		{types.PlanEnterprise, 50, false},
		{types.PlanUnlimited, 999999, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			s := c.Spec(tt.plan)
			assert.Equal(t, tt.credits, s.Credits)
			assert.Equal(t, tt.unlimited, s.Unlimited)
		})
	}
}

func TestCatalog_UnknownPlanResolvesToFree(t *testing.T) {
	c := testCatalog(t)
	assert.Equal(t, types.PlanFree, c.Spec(types.PlanType("platinum")).Plan)
}

func TestCatalog_PriceMapping(t *testing.T) {
	c := testCatalog(t)

	p, ok := c.PlanForPrice("price_enterprise")
	require.True(t, ok)
	assert.Equal(t, types.PlanEnterprise, p)

	_, ok = c.PlanForPrice("price_unknown")
	assert.False(t, ok)

	id, ok := c.PriceID(types.PlanStarter)
	require.True(t, ok)
	assert.Equal(t, "price_starter", id)

	_, ok = c.PriceID(types.PlanFree)
	assert.False(t, ok, "free plan is not purchasable")
}

func TestCatalog_PlanForAmount(t *testing.T) {
	c := testCatalog(t)

	tests := []struct {
		amount int64
		want   types.PlanType
	}{
		{0, types.PlanFree},
		{899, types.PlanFree},
		{900, types.PlanStarter},
		{2899, types.PlanStarter},
		{2900, types.PlanEnterprise},
		{9900, types.PlanUnlimited},
		{50000, types.PlanUnlimited},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.PlanForAmount(tt.amount), "amount %d", tt.amount)
	}
}

func TestCatalog_PlanForInvoice(t *testing.T) {
	c := testCatalog(t)

	plan, rule := c.PlanForInvoice("price_enterprise", 900)
	assert.Equal(t, types.PlanEnterprise, plan)
	assert.Equal(t, "price", rule)

	plan, rule = c.PlanForInvoice("price_legacy", 2900)
	assert.Equal(t, types.PlanEnterprise, plan)
	assert.Equal(t, "amount", rule)
}

func TestCatalog_DuplicatePriceRejected(t *testing.T) {
	cfg := testBillingConfig()
	cfg.PriceEnterprise = cfg.PriceStarter

	_, err := NewCatalog(cfg)
	assert.Error(t, err)
}

func TestCatalog_PlansOrder(t *testing.T) {
	c := testCatalog(t)

	var got []types.PlanType
	for _, s := range c.Plans() {
		got = append(got, s.Plan)
	}
	assert.Equal(t, types.AllPlans, got)
}

func TestCatalog_CheckConsistency(t *testing.T) {
	c := testCatalog(t)

	rows := []types.PlanFeatureRow{
		{PlanType: types.PlanFree, MonthlyCredits: 3},
		{PlanType: types.PlanStarter, MonthlyCredits: 20},
		{PlanType: types.PlanEnterprise, MonthlyCredits: 50},
		{PlanType: types.PlanUnlimited, MonthlyCredits: 999999, Unlimited: true},
	}
	require.NoError(t, c.CheckConsistency(rows))

	t.Run("credit mismatch", func(t *testing.T) {
		bad := append([]types.PlanFeatureRow(nil), rows...)
		bad[2].MonthlyCredits = 40
		err := c.CheckConsistency(bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "enterprise")
	})

	t.Run("missing row", func(t *testing.T) {
		err := c.CheckConsistency(rows[:3])
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unlimited: missing")
	})

	t.Run("unlimited flag mismatch", func(t *testing.T) {
		bad := append([]types.PlanFeatureRow(nil), rows...)
		bad[3].Unlimited = false
		assert.Error(t, c.CheckConsistency(bad))
	})
}
