package pricing

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/usage"
)

// Line is one priced meter.
type Line struct {
	Dimension   string
	RuleID      string
	PricingPlan string
	Unit        string
	RawCount    int64
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
}

// AmountNanos is Amount in 1e-9 currency units.
func (l Line) AmountNanos() int64 {
	return l.Amount.Shift(PriceDecimals).IntPart()
}

func (l Line) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Dimension   string `json:"dimension"`
		RuleID      string `json:"rule_id,omitempty"`
		PricingPlan string `json:"pricing_plan"`
		Unit        string `json:"unit,omitempty"`
		RawCount    int64  `json:"raw_count"`
		Quantity    string `json:"quantity"`
		UnitPrice   string `json:"unit_price"`
		Amount      string `json:"amount"`
		AmountNanos int64  `json:"amount_nanos"`
	}{
		Dimension:   l.Dimension,
		RuleID:      l.RuleID,
		PricingPlan: l.PricingPlan,
		Unit:        l.Unit,
		RawCount:    l.RawCount,
		Quantity:    l.Quantity.String(),
		UnitPrice:   l.UnitPrice.StringFixed(PriceDecimals),
		Amount:      l.Amount.StringFixed(PriceDecimals),
		AmountNanos: l.AmountNanos(),
	})
}

// Bill is the priced result for one request. Total is the sum of the
// rounded line amounts, so lines always add up to it.
type Bill struct {
	Currency string
	Lines    []Line
	Total    decimal.Decimal
	// Unpriced lists meters with a count but no matching rule.
	Unpriced []string
}

func (b *Bill) TotalNanos() int64 {
	return b.Total.Shift(PriceDecimals).IntPart()
}

// Line returns the line for a meter.
func (b *Bill) Line(meter string) (Line, bool) {
	for _, l := range b.Lines {
		if l.Dimension == meter {
			return l, true
		}
	}
	return Line{}, false
}

func (b *Bill) MarshalJSON() ([]byte, error) {
	lines := b.Lines
	if lines == nil {
		lines = []Line{}
	}
	return json.Marshal(struct {
		Currency   string   `json:"currency"`
		Lines      []Line   `json:"lines"`
		Total      string   `json:"total"`
		TotalNanos int64    `json:"total_nanos"`
		Unpriced   []string `json:"unpriced,omitempty"`
	}{
		Currency:   b.Currency,
		Lines:      lines,
		Total:      b.Total.StringFixed(PriceDecimals),
		TotalNanos: b.TotalNanos(),
		Unpriced:   b.Unpriced,
	})
}

// Compute prices every non-zero meter against card. For each meter it picks
// the highest-priority matching rule of the plan, falling back to the
// standard plan when the plan has no rules for that meter; equal priorities
// resolve to the rule declared first. reqCtx supplies the paths conditions
// test besides usage.*.
func Compute(meters map[string]int64, card *Card, reqCtx map[string]any, plan string) (*Bill, error) {
	if plan == "" {
		plan = DefaultPlan
	}
	bill := &Bill{Currency: card.currency(), Total: decimal.Zero}

	for m, n := range meters {
		if n < 0 {
			return nil, &domain.PricingConfigError{Meter: m, Reason: "negative usage count"}
		}
	}

	doc, err := contextDoc(meters, reqCtx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(meters))
	for m := range meters {
		names = append(names, m)
	}
	sort.Strings(names)

	for _, meter := range names {
		count := meters[meter]
		if count == 0 {
			continue
		}

		rule, ok, err := selectRule(card.Rules, meter, plan, doc)
		if err != nil {
			return nil, err
		}
		if !ok {
			bill.Unpriced = append(bill.Unpriced, meter)
			continue
		}

		line, err := price(rule, meter, count)
		if err != nil {
			return nil, err
		}
		bill.Lines = append(bill.Lines, line)
		bill.Total = bill.Total.Add(line.Amount)
	}
	return bill, nil
}

func price(r Rule, meter string, count int64) (Line, error) {
	p, err := r.price()
	if err != nil {
		return Line{}, err
	}
	if r.UnitSize < 0 {
		return Line{}, &domain.PricingConfigError{Meter: meter, RuleID: r.ID, Reason: "negative unit_size"}
	}
	size := decimal.NewFromInt(r.unitSize())
	raw := decimal.NewFromInt(count)

	// Multiply before dividing so whole-unit prices stay exact.
	amount := p.Mul(raw).DivRound(size, 18).Round(PriceDecimals)

	return Line{
		Dimension:   meter,
		RuleID:      r.ID,
		PricingPlan: r.plan(),
		Unit:        r.Unit,
		RawCount:    count,
		Quantity:    raw.DivRound(size, 18),
		UnitPrice:   p,
		Amount:      amount,
	}, nil
}

func selectRule(rules []Rule, meter, plan string, doc gjson.Result) (Rule, bool, error) {
	candidates := rulesFor(rules, meter, plan)
	if len(candidates) == 0 && plan != DefaultPlan {
		candidates = rulesFor(rules, meter, DefaultPlan)
	}

	var best Rule
	found := false
	for _, r := range candidates {
		ok, err := matches(r, doc)
		if err != nil {
			return Rule{}, false, err
		}
		if !ok {
			continue
		}
		if !found || r.Priority > best.Priority {
			best, found = r, true
		}
	}
	return best, found, nil
}

func rulesFor(rules []Rule, meter, plan string) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.Meter == meter && r.plan() == plan {
			out = append(out, r)
		}
	}
	return out
}

// matches evaluates the OR of AND-groups. An empty match list always matches.
func matches(r Rule, doc gjson.Result) (bool, error) {
	if len(r.Match) == 0 {
		return true, nil
	}

	groups := make(map[int][]Condition)
	var order []int
	for _, c := range r.Match {
		if _, ok := groups[c.OrGroup]; !ok {
			order = append(order, c.OrGroup)
		}
		groups[c.OrGroup] = append(groups[c.OrGroup], c)
	}
	sort.Ints(order)

	for _, g := range order {
		conds := groups[g]
		sort.SliceStable(conds, func(i, j int) bool { return conds[i].AndIndex < conds[j].AndIndex })

		all := true
		for _, c := range conds {
			ok, err := c.eval(doc)
			if err != nil {
				return false, &domain.PricingConfigError{Meter: r.Meter, RuleID: r.ID, Reason: err.Error()}
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

// contextDoc merges the request context with usage meters and the derived
// usage.input_total_tokens into one document for path lookups.
func contextDoc(meters map[string]int64, reqCtx map[string]any) (gjson.Result, error) {
	doc := make(map[string]any, len(reqCtx)+1)
	for k, v := range reqCtx {
		doc[k] = v
	}

	u := make(map[string]any, len(meters)+1)
	if existing, ok := doc["usage"].(map[string]any); ok {
		for k, v := range existing {
			u[k] = v
		}
	}
	for k, v := range meters {
		u[k] = v
	}
	u[usage.DerivedInputTotal] = meters[usage.MeterInputText] + meters[usage.MeterCachedReadText] + meters[usage.MeterCachedWriteText]
	doc["usage"] = u

	data, err := json.Marshal(doc)
	if err != nil {
		return gjson.Result{}, &domain.PricingConfigError{Reason: "unencodable pricing context: " + err.Error()}
	}
	return gjson.ParseBytes(data), nil
}

type condError string

func (e condError) Error() string { return string(e) }

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpExists:
		return true
	}
	return false
}

func (c Condition) eval(doc gjson.Result) (bool, error) {
	v := doc.Get(c.Path)

	switch c.Op {
	case OpExists:
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return v.Exists() == want, nil
	case OpEq:
		return v.Exists() && equal(v, c.Value), nil
	case OpNeq:
		return !v.Exists() || !equal(v, c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		if !v.Exists() {
			return false, nil
		}
		left, ok1 := toDecimal(v.Value())
		right, ok2 := toDecimal(c.Value)
		if !ok1 || !ok2 {
			return false, nil
		}
		cmp := left.Cmp(right)
		switch c.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn, OpNin:
		list, ok := c.Value.([]any)
		if !ok {
			return false, condError("operator " + string(c.Op) + " needs a list value at " + c.Path)
		}
		hit := false
		if v.Exists() {
			for _, item := range list {
				if equal(v, item) {
					hit = true
					break
				}
			}
		}
		if c.Op == OpIn {
			return hit, nil
		}
		return !hit, nil
	}
	return false, condError("unknown operator " + string(c.Op))
}

// equal compares numerically when both sides are numbers, otherwise as
// case-sensitive strings.
func equal(v gjson.Result, want any) bool {
	if l, ok := toDecimal(v.Value()); ok {
		if r, ok := toDecimal(want); ok {
			return l.Equal(r)
		}
	}
	return v.String() == toString(want)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	}
	data, _ := json.Marshal(v)
	return string(data)
}
