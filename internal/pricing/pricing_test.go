package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/usage"
)

var fixtureTime = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

func loadFixture(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := LoadFile("testdata/cards.yaml")
	require.NoError(t, err)
	return s
}

func sonnet(t *testing.T) *Card {
	t.Helper()
	card, err := Find(context.Background(), loadFixture(t), "anthropic", "claude-sonnet-4", domain.EndpointMessages, fixtureTime)
	require.NoError(t, err)
	return card
}

func unitPrices(b *Bill) map[string]string {
	out := make(map[string]string)
	for _, l := range b.Lines {
		out[l.Dimension] = l.UnitPrice.StringFixed(PriceDecimals)
	}
	return out
}

func TestCompute_LongContextFixture(t *testing.T) {
	meters := map[string]int64{
		usage.MeterInputText:       150000,
		usage.MeterCachedReadText:  30000,
		usage.MeterCachedWriteText: 30000,
		usage.MeterOutputText:      10,
	}

	bill, err := Compute(meters, sonnet(t), map[string]any{"cache_ttl": "5m"}, "")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		usage.MeterInputText:       "0.000002000",
		usage.MeterOutputText:      "0.000004000",
		usage.MeterCachedReadText:  "0.000000200",
		usage.MeterCachedWriteText: "0.000002500",
	}, unitPrices(bill))

	assert.Equal(t, "0.381040000", bill.Total.StringFixed(PriceDecimals))
	assert.Equal(t, int64(381040000), bill.TotalNanos())
	assert.Empty(t, bill.Unpriced)
}

func TestCompute_ShortContext(t *testing.T) {
	tests := []struct {
		name      string
		ctx       map[string]any
		wantWrite string
	}{
		{"5m ttl", map[string]any{"cache_ttl": "5m"}, "0.000001250"},
		{"1h ttl", map[string]any{"cache_ttl": "1h"}, "0.000002000"},
		{"no ttl", nil, "0.000001250"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meters := map[string]int64{
				usage.MeterInputText:       1000,
				usage.MeterCachedWriteText: 500,
				usage.MeterOutputText:      20,
			}
			bill, err := Compute(meters, sonnet(t), tt.ctx, DefaultPlan)
			require.NoError(t, err)

			prices := unitPrices(bill)
			assert.Equal(t, "0.000001000", prices[usage.MeterInputText])
			assert.Equal(t, "0.000002000", prices[usage.MeterOutputText])
			assert.Equal(t, tt.wantWrite, prices[usage.MeterCachedWriteText])
		})
	}
}

func TestCompute_PlanFallsBackToStandard(t *testing.T) {
	meters := map[string]int64{usage.MeterInputText: 100, usage.MeterOutputText: 100}

	bill, err := Compute(meters, sonnet(t), nil, "enterprise")
	require.NoError(t, err)

	in, _ := bill.Line(usage.MeterInputText)
	out, _ := bill.Line(usage.MeterOutputText)
	assert.Equal(t, "enterprise", in.PricingPlan)
	assert.Equal(t, "0.000000900", in.UnitPrice.StringFixed(PriceDecimals))
	assert.Equal(t, DefaultPlan, out.PricingPlan)
}

func TestCompute_UnitSize(t *testing.T) {
	card, err := Find(context.Background(), loadFixture(t), "openai", "gpt-4o", domain.EndpointChatCompletions, fixtureTime)
	require.NoError(t, err)

	bill, err := Compute(map[string]int64{
		usage.MeterInputText:  1500,
		usage.MeterOutputText: 333,
		usage.MeterRequests:   1,
	}, card, nil, "")
	require.NoError(t, err)

	in, ok := bill.Line(usage.MeterInputText)
	require.True(t, ok)
	assert.Equal(t, "0.0015", in.Quantity.String())
	assert.Equal(t, "2.500000000", in.UnitPrice.StringFixed(PriceDecimals))
	assert.Equal(t, "0.003750000", in.Amount.StringFixed(PriceDecimals))

	out, _ := bill.Line(usage.MeterOutputText)
	assert.Equal(t, "0.003330000", out.Amount.StringFixed(PriceDecimals))

	req, _ := bill.Line(usage.MeterRequests)
	assert.Equal(t, int64(100000), req.AmountNanos())

	assert.Equal(t, int64(3750000+3330000+100000), bill.TotalNanos())
}

func TestCompute_NoMatchingRuleIsZero(t *testing.T) {
	bill, err := Compute(map[string]int64{
		usage.MeterInputText: 10,
		"image_tokens":       99,
		usage.MeterReasoning: 0,
	}, sonnet(t), nil, "")
	require.NoError(t, err)

	assert.Len(t, bill.Lines, 1)
	assert.Equal(t, []string{"image_tokens"}, bill.Unpriced)
}

func TestCompute_EqualPriorityPrefersFirstDeclared(t *testing.T) {
	card := &Card{Rules: []Rule{
		{ID: "first", Meter: "m", PricePerUnit: "1", Priority: 5},
		{ID: "second", Meter: "m", PricePerUnit: "2", Priority: 5},
		{ID: "lower", Meter: "m", PricePerUnit: "3", Priority: 1},
	}}
	bill, err := Compute(map[string]int64{"m": 1}, card, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "first", bill.Lines[0].RuleID)
}

func TestCompute_OrGroups(t *testing.T) {
	card := &Card{Rules: []Rule{
		{ID: "default", Meter: "m", PricePerUnit: "1"},
		{ID: "special", Meter: "m", PricePerUnit: "2", Priority: 10, Match: []Condition{
			{Path: "region", Op: OpEq, Value: "eu", OrGroup: 0, AndIndex: 0},
			{Path: "tier", Op: OpEq, Value: "batch", OrGroup: 0, AndIndex: 1},
			{Path: "usage.m", Op: OpGte, Value: 1000, OrGroup: 1},
		}},
	}}

	tests := []struct {
		name  string
		ctx   map[string]any
		count int64
		want  string
	}{
		{"first group", map[string]any{"region": "eu", "tier": "batch"}, 1, "special"},
		{"first group partial", map[string]any{"region": "eu"}, 1, "default"},
		{"second group", nil, 1000, "special"},
		{"neither", map[string]any{"region": "us", "tier": "batch"}, 999, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bill, err := Compute(map[string]int64{"m": tt.count}, card, tt.ctx, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, bill.Lines[0].RuleID)
		})
	}
}

func TestConditionOps(t *testing.T) {
	doc := gjson.Parse(`{"n":10,"s":"5m","flag":true,"usage":{"input_text_tokens":300}}`)
	tests := []struct {
		c    Condition
		want bool
	}{
		{Condition{Path: "n", Op: OpEq, Value: 10}, true},
		{Condition{Path: "n", Op: OpEq, Value: "10"}, true},
		{Condition{Path: "n", Op: OpNeq, Value: 11}, true},
		{Condition{Path: "missing", Op: OpNeq, Value: 1}, true},
		{Condition{Path: "n", Op: OpGt, Value: 9.5}, true},
		{Condition{Path: "n", Op: OpGte, Value: 10}, true},
		{Condition{Path: "n", Op: OpLt, Value: 10}, false},
		{Condition{Path: "n", Op: OpLte, Value: 10}, true},
		{Condition{Path: "missing", Op: OpGt, Value: 0}, false},
		{Condition{Path: "s", Op: OpGt, Value: 1}, false},
		{Condition{Path: "s", Op: OpIn, Value: []any{"1h", "5m"}}, true},
		{Condition{Path: "s", Op: OpNin, Value: []any{"1h", "5m"}}, false},
		{Condition{Path: "missing", Op: OpNin, Value: []any{"x"}}, true},
		{Condition{Path: "flag", Op: OpEq, Value: true}, true},
		{Condition{Path: "usage.input_text_tokens", Op: OpExists}, true},
		{Condition{Path: "usage.cached_read_text_tokens", Op: OpExists, Value: false}, true},
	}
	for _, tt := range tests {
		got, err := tt.c.eval(doc)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %s %v", tt.c.Path, tt.c.Op, tt.c.Value)
	}

	_, err := Condition{Path: "s", Op: OpIn, Value: "5m"}.eval(doc)
	assert.Error(t, err)
}

func TestCompute_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"malformed price", Rule{ID: "r", Meter: "m", PricePerUnit: "0.00x1"}},
		{"missing price", Rule{ID: "r", Meter: "m"}},
		{"negative price", Rule{ID: "r", Meter: "m", PricePerUnit: "-1"}},
		{"negative unit size", Rule{ID: "r", Meter: "m", PricePerUnit: "1", UnitSize: -5}},
		{"unknown operator", Rule{ID: "r", Meter: "m", PricePerUnit: "1", Match: []Condition{{Path: "x", Op: "like"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := &Card{Rules: []Rule{tt.rule}}

			var cfgErr *domain.PricingConfigError
			assert.True(t, errors.As(card.Validate(), &cfgErr), "Validate")

			if tt.rule.Match == nil {
				bill, err := Compute(map[string]int64{"m": 100}, card, nil, "")
				assert.Nil(t, bill)
				assert.True(t, errors.As(err, &cfgErr), "Compute")
			}
		})
	}
}

func TestCompute_UnitSizeZeroMeansOne(t *testing.T) {
	card := &Card{Rules: []Rule{{Meter: "m", PricePerUnit: "0.5"}}}
	bill, err := Compute(map[string]int64{"m": 3}, card, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "1.500000000", bill.Total.StringFixed(PriceDecimals))
}

func TestSelect(t *testing.T) {
	store := loadFixture(t)
	ctx := context.Background()

	early, err := Find(ctx, store, "openai", "gpt-4o", domain.EndpointChatCompletions, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "5.00", early.Rules[0].PricePerUnit)

	boundary, err := Find(ctx, store, "openai", "gpt-4o", domain.EndpointChatCompletions, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2.50", boundary.Rules[0].PricePerUnit)

	_, err = Find(ctx, store, "openai", "gpt-4o", domain.EndpointChatCompletions, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, domain.ErrPriceCardNotFound)

	_, err = Find(ctx, store, "openai", "gpt-4o", domain.EndpointEmbeddings, fixtureTime)
	assert.ErrorIs(t, err, domain.ErrPriceCardNotFound)
}

func TestCheapestPerUnit(t *testing.T) {
	card, err := Find(context.Background(), loadFixture(t), "openai", "gpt-4o", domain.EndpointChatCompletions, fixtureTime)
	require.NoError(t, err)

	per := card.CheapestPerUnit("")
	assert.Equal(t, "0.0000025", per[usage.MeterInputText].String())
	assert.Equal(t, "0.00001", per[usage.MeterOutputText].String())

	sonnetPer := sonnet(t).CheapestPerUnit("")
	assert.Equal(t, "0.000001", sonnetPer[usage.MeterInputText].String())
}

func TestBillJSON(t *testing.T) {
	bill, err := Compute(map[string]int64{usage.MeterInputText: 150000, usage.MeterCachedReadText: 60000}, sonnet(t), nil, "")
	require.NoError(t, err)

	data, err := json.Marshal(bill)
	require.NoError(t, err)

	root := gjson.ParseBytes(data)
	assert.Equal(t, "USD", root.Get("currency").String())
	assert.Equal(t, "0.000002000", root.Get(`lines.#(dimension=="input_text_tokens").unit_price`).String())
	assert.Equal(t, "0.300000000", root.Get(`lines.#(dimension=="input_text_tokens").amount`).String())
	assert.Equal(t, int64(312000000), root.Get("total_nanos").Int())
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("cards:\n  - provider: p\n    model: m\n    endpoint: messages\n    rules:\n      - meter: x\n        price_per_unit: abc\n"))
	var cfgErr *domain.PricingConfigError
	assert.True(t, errors.As(err, &cfgErr))

	_, err = Parse([]byte("cards:\n  - model: m\n"))
	assert.Error(t, err)
}
