// Package billing holds the plan catalog and the credit ledger service.
package billing

import (
	"fmt"
	"sort"
	"strings"

	"billingengine/internal/config"
	"billingengine/internal/types"
)

// PlanSpec is one immutable catalog entry.
type PlanSpec struct {
	Plan      types.PlanType
	Credits   int
	Unlimited bool
	// PriceID is the processor price sold for this plan; empty for free.
	PriceID string
	// Amount is the price point in the smallest currency unit; 0 for free.
	Amount int64
}

// Catalog maps plans to allotments and processor prices. It is built once at
// startup and shared by pointer; nothing mutates it afterwards.
type Catalog struct {
	plans   map[types.PlanType]PlanSpec
	byPrice map[string]types.PlanType
	// ascending by Amount, paid plans only
	pricePoints []PlanSpec
}

// NewCatalog builds the catalog from billing configuration. Unlimited plans
// carry the configured display allotment as their credit figure.
func NewCatalog(cfg config.BillingConfig) (*Catalog, error) {
	specs := []PlanSpec{
		{Plan: types.PlanFree, Credits: cfg.CreditsFree},
		{Plan: types.PlanStarter, Credits: cfg.CreditsStarter, PriceID: cfg.PriceStarter, Amount: cfg.AmountStarter},
		{Plan: types.PlanEnterprise, Credits: cfg.CreditsEnterprise, PriceID: cfg.PriceEnterprise, Amount: cfg.AmountEnterprise},
		{Plan: types.PlanUnlimited, Credits: cfg.UnlimitedDisplayCredits, Unlimited: true, PriceID: cfg.PriceUnlimited, Amount: cfg.AmountUnlimited},
	}
	return newCatalog(specs)
}

func newCatalog(specs []PlanSpec) (*Catalog, error) {
	c := &Catalog{
		plans:   make(map[types.PlanType]PlanSpec, len(specs)),
		byPrice: make(map[string]types.PlanType, len(specs)),
	}
	for _, s := range specs {
		if !s.Plan.Valid() {
			return nil, fmt.Errorf("catalog: unknown plan %q", s.Plan)
		}
		if s.Credits < 0 {
			return nil, fmt.Errorf("catalog: plan %s has negative credits", s.Plan)
		}
		c.plans[s.Plan] = s
		if s.PriceID == "" {
			continue
		}
		if other, dup := c.byPrice[s.PriceID]; dup {
			return nil, fmt.Errorf("catalog: price %s is assigned to both %s and %s", s.PriceID, other, s.Plan)
		}
		c.byPrice[s.PriceID] = s.Plan
		c.pricePoints = append(c.pricePoints, s)
	}
	if _, ok := c.plans[types.PlanFree]; !ok {
		return nil, fmt.Errorf("catalog: free plan is required")
	}
	sort.Slice(c.pricePoints, func(i, j int) bool { return c.pricePoints[i].Amount < c.pricePoints[j].Amount })
	return c, nil
}

// Spec returns the entry for plan. Unknown plans resolve to free.
func (c *Catalog) Spec(plan types.PlanType) PlanSpec {
	if s, ok := c.plans[plan]; ok {
		return s
	}
	return c.plans[types.PlanFree]
}

// PriceID returns the processor price for a purchasable plan.
func (c *Catalog) PriceID(plan types.PlanType) (string, bool) {
	s, ok := c.plans[plan]
	if !ok || s.PriceID == "" {
		return "", false
	}
	return s.PriceID, true
}

// PlanForPrice maps a processor price id to its plan.
func (c *Catalog) PlanForPrice(priceID string) (types.PlanType, bool) {
	p, ok := c.byPrice[priceID]
	return p, ok
}

// PlanForAmount buckets a paid amount: the highest plan whose price point
// does not exceed the amount wins. Amounts below every price point map to
// free.
func (c *Catalog) PlanForAmount(amount int64) types.PlanType {
	plan := types.PlanFree
	for _, s := range c.pricePoints {
		if amount >= s.Amount {
			plan = s.Plan
		}
	}
	return plan
}

// PlanForInvoice prefers the invoice price reference and falls back to the
// amount. The second result names the rule that matched.
func (c *Catalog) PlanForInvoice(priceID string, amountPaid int64) (types.PlanType, string) {
	if p, ok := c.PlanForPrice(priceID); ok {
		return p, "price"
	}
	return c.PlanForAmount(amountPaid), "amount"
}

// Plans lists the catalog in ascending price order, free first.
func (c *Catalog) Plans() []PlanSpec {
	out := make([]PlanSpec, 0, len(c.plans))
	out = append(out, c.plans[types.PlanFree])
	out = append(out, c.pricePoints...)
	for _, s := range c.plans {
		if s.Plan != types.PlanFree && s.PriceID == "" {
			out = append(out, s)
		}
	}
	return out
}

// CheckConsistency compares the catalog with the persisted plan_features
// rows. Every catalog plan must have a row with the same allotment and
// unlimited flag.
func (c *Catalog) CheckConsistency(rows []types.PlanFeatureRow) error {
	byPlan := make(map[types.PlanType]types.PlanFeatureRow, len(rows))
	for _, r := range rows {
		byPlan[r.PlanType] = r
	}

	var problems []string
	for _, s := range c.Plans() {
		r, ok := byPlan[s.Plan]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("%s: missing plan_features row", s.Plan))
		case r.Unlimited != s.Unlimited:
			problems = append(problems, fmt.Sprintf("%s: unlimited=%t in store, %t in catalog", s.Plan, r.Unlimited, s.Unlimited))
		case r.MonthlyCredits != s.Credits:
			problems = append(problems, fmt.Sprintf("%s: monthly_credits=%d in store, %d in catalog", s.Plan, r.MonthlyCredits, s.Credits))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("plan catalog does not match plan_features: %s", strings.Join(problems, "; "))
	}
	return nil
}
