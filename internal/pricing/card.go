// Package pricing turns usage meters into priced bill lines against a
// versioned price card. All money math is decimal; unit prices render with
// nine fractional digits.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aistats/gateway/internal/domain"
)

const (
	DefaultPlan     = "standard"
	DefaultCurrency = "USD"
	DefaultPriority = 100

	// PriceDecimals is the rendered precision of unit prices and amounts.
	PriceDecimals = 9
)

// Op is a match condition operator.
type Op string

const (
	OpEq     Op = "eq"
	OpNeq    Op = "neq"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpIn     Op = "in"
	OpNin    Op = "nin"
	OpExists Op = "exists"
)

// Condition tests one path of the pricing context. Conditions sharing an
// OrGroup are ANDed in AndIndex order; groups are ORed.
type Condition struct {
	Path     string `yaml:"path" json:"path"`
	Op       Op     `yaml:"op" json:"op"`
	Value    any    `yaml:"value" json:"value"`
	OrGroup  int    `yaml:"or_group" json:"or_group"`
	AndIndex int    `yaml:"and_index" json:"and_index"`
}

type Rule struct {
	ID          string `yaml:"id" json:"id"`
	PricingPlan string `yaml:"pricing_plan" json:"pricing_plan"`
	Meter       string `yaml:"meter" json:"meter"`
	Unit        string `yaml:"unit" json:"unit"`
	// UnitSize is how many raw counts make one unit; 0 means 1.
	UnitSize     int64       `yaml:"unit_size" json:"unit_size"`
	PricePerUnit string      `yaml:"price_per_unit" json:"price_per_unit"`
	Match        []Condition `yaml:"match" json:"match"`
	Priority     int         `yaml:"priority" json:"priority"`
}

// Card is the rule set for one (provider, model, endpoint) over a time range.
type Card struct {
	Provider      string          `yaml:"provider" json:"provider"`
	Model         string          `yaml:"model" json:"model"`
	Endpoint      domain.Endpoint `yaml:"endpoint" json:"endpoint"`
	Currency      string          `yaml:"currency" json:"currency"`
	EffectiveFrom time.Time       `yaml:"effective_from" json:"effective_from"`
	EffectiveTo   *time.Time      `yaml:"effective_to" json:"effective_to,omitempty"`
	Rules         []Rule          `yaml:"rules" json:"rules"`
}

// Applies reports whether the card is effective at t.
func (c *Card) Applies(t time.Time) bool {
	if t.Before(c.EffectiveFrom) {
		return false
	}
	return c.EffectiveTo == nil || t.Before(*c.EffectiveTo)
}

func (c *Card) currency() string {
	if c.Currency == "" {
		return DefaultCurrency
	}
	return c.Currency
}

// Select returns the card effective at t with the latest EffectiveFrom.
func Select(cards []Card, provider, model string, endpoint domain.Endpoint, at time.Time) (*Card, error) {
	var best *Card
	for i := range cards {
		c := &cards[i]
		if c.Provider != provider || c.Model != model || c.Endpoint != endpoint || !c.Applies(at) {
			continue
		}
		if best == nil || c.EffectiveFrom.After(best.EffectiveFrom) {
			best = c
		}
	}
	if best == nil {
		return nil, domain.ErrPriceCardNotFound
	}
	return best, nil
}

func (r Rule) plan() string {
	if r.PricingPlan == "" {
		return DefaultPlan
	}
	return r.PricingPlan
}

func (r Rule) unitSize() int64 {
	if r.UnitSize == 0 {
		return 1
	}
	return r.UnitSize
}

func (r Rule) price() (decimal.Decimal, error) {
	if r.PricePerUnit == "" {
		return decimal.Decimal{}, &domain.PricingConfigError{Meter: r.Meter, RuleID: r.ID, Reason: "missing price_per_unit"}
	}
	p, err := decimal.NewFromString(r.PricePerUnit)
	if err != nil {
		return decimal.Decimal{}, &domain.PricingConfigError{Meter: r.Meter, RuleID: r.ID, Reason: "malformed price_per_unit " + r.PricePerUnit}
	}
	if p.IsNegative() {
		return decimal.Decimal{}, &domain.PricingConfigError{Meter: r.Meter, RuleID: r.ID, Reason: "negative price_per_unit " + r.PricePerUnit}
	}
	return p, nil
}

// Validate checks every rule's price, unit size and operators.
func (c *Card) Validate() error {
	for _, r := range c.Rules {
		if r.Meter == "" {
			return &domain.PricingConfigError{RuleID: r.ID, Reason: "missing meter"}
		}
		if _, err := r.price(); err != nil {
			return err
		}
		if r.UnitSize < 0 {
			return &domain.PricingConfigError{Meter: r.Meter, RuleID: r.ID, Reason: "negative unit_size"}
		}
		for _, cond := range r.Match {
			if !cond.Op.valid() {
				return &domain.PricingConfigError{Meter: r.Meter, RuleID: r.ID, Reason: "unknown operator " + string(cond.Op)}
			}
		}
	}
	return nil
}

// CheapestPerUnit maps each meter to its lowest price per raw count across
// the plan's rules, ignoring conditions. Routing uses it to compare cards.
func (c *Card) CheapestPerUnit(plan string) map[string]decimal.Decimal {
	if plan == "" {
		plan = DefaultPlan
	}
	out := make(map[string]decimal.Decimal)
	for _, r := range c.Rules {
		if r.plan() != plan {
			continue
		}
		p, err := r.price()
		if err != nil || r.UnitSize < 0 {
			continue
		}
		per := p.Div(decimal.NewFromInt(r.unitSize()))
		if cur, ok := out[r.Meter]; !ok || per.LessThan(cur) {
			out[r.Meter] = per
		}
	}
	return out
}
