package wallet

import (
	"fmt"
	"strings"
)

// PlanSpec describes one subscription plan: its display tier and the monthly
// credit grant it carries.
type PlanSpec struct {
	Tier           string
	MonthlyCredits int64
}

// PlanCatalog maps plan ids to plan specs. It is built once at startup from
// validated configuration; lookups of unconfigured plans fail instead of
// defaulting to a zero grant.
type PlanCatalog struct {
	plans map[string]PlanSpec
}

// NewPlanCatalog validates the configured plans and builds the catalog.
func NewPlanCatalog(entries map[string]PlanSpec) (PlanCatalog, error) {
	if len(entries) == 0 {
		return PlanCatalog{}, fmt.Errorf("%w: no plans configured", ErrInvalidCatalog)
	}
	plans := make(map[string]PlanSpec, len(entries))
	for rawID, spec := range entries {
		planID, err := NewPlanID(rawID)
		if err != nil {
			return PlanCatalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		if strings.TrimSpace(spec.Tier) == "" {
			return PlanCatalog{}, fmt.Errorf("%w: plan %q has no tier", ErrInvalidCatalog, planID)
		}
		if spec.MonthlyCredits < 0 {
			return PlanCatalog{}, fmt.Errorf("%w: plan %q has negative monthly credits", ErrInvalidCatalog, planID)
		}
		plans[planID.String()] = spec
	}
	return PlanCatalog{plans: plans}, nil
}

// Plan resolves a plan id to its spec.
func (catalog PlanCatalog) Plan(planID PlanID) (PlanSpec, error) {
	spec, ok := catalog.plans[planID.String()]
	if !ok {
		return PlanSpec{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	return spec, nil
}

// Len returns how many plans are configured.
func (catalog PlanCatalog) Len() int {
	return len(catalog.plans)
}

// ProductCatalog maps purchasable product ids to the credit amount a
// completed purchase grants.
type ProductCatalog struct {
	products map[string]int64
}

// NewProductCatalog validates the configured products and builds the catalog.
func NewProductCatalog(entries map[string]int64) (ProductCatalog, error) {
	if len(entries) == 0 {
		return ProductCatalog{}, fmt.Errorf("%w: no products configured", ErrInvalidCatalog)
	}
	products := make(map[string]int64, len(entries))
	for rawID, credits := range entries {
		productID, err := NewProductID(rawID)
		if err != nil {
			return ProductCatalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		if credits <= 0 {
			return ProductCatalog{}, fmt.Errorf("%w: product %q grants no credits", ErrInvalidCatalog, productID)
		}
		products[productID.String()] = credits
	}
	return ProductCatalog{products: products}, nil
}

// CreditAmount resolves a product id to the credits it grants.
func (catalog ProductCatalog) CreditAmount(productID ProductID) (CreditAmount, error) {
	credits, ok := catalog.products[productID.String()]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
	}
	return CreditAmount(credits), nil
}

// Len returns how many products are configured.
func (catalog ProductCatalog) Len() int {
	return len(catalog.products)
}
