// Package billing manages subscription records and talks to the payment provider.
package billing

import (
	"github.com/conveyor-ci/conveyor/internal/config"
)

const (
	PlanPro  = "pro"
	PlanTeam = "team"
)

const (
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
	StatusTrialing = "trialing"
)

// proIncludedMinutes is the metered allowance on the pro plan. The team plan
// has no metered cap.
const proIncludedMinutes = 300

// Catalog maps between plan names and the provider's price IDs.
type Catalog struct {
	proPriceID  string
	teamPriceID string
}

func NewCatalog(cfg config.BillingConfig) *Catalog {
	return &Catalog{
		proPriceID:  cfg.PriceIDPro,
		teamPriceID: cfg.PriceIDTeam,
	}
}

// PriceForPlan returns the provider price ID for a plan name.
func (c *Catalog) PriceForPlan(plan string) (string, bool) {
	switch plan {
	case PlanPro:
		return c.proPriceID, c.proPriceID != ""
	case PlanTeam:
		return c.teamPriceID, c.teamPriceID != ""
	default:
		return "", false
	}
}

// PlanForPrice returns the plan name for a provider price ID, or "" when the
// price is not one of ours. Callers treat "" as "leave the stored plan alone".
func (c *Catalog) PlanForPrice(priceID string) string {
	switch {
	case priceID != "" && priceID == c.proPriceID:
		return PlanPro
	case priceID != "" && priceID == c.teamPriceID:
		return PlanTeam
	default:
		return ""
	}
}

// MinutesIncluded returns the metered minute allowance for a plan. Zero means
// the plan is not metered.
func (c *Catalog) MinutesIncluded(plan string) int {
	if plan == PlanPro {
		return proIncludedMinutes
	}
	return 0
}
