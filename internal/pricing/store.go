package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"github.com/aistats/gateway/internal/domain"
)

// Store lists the cards for one (provider, model, endpoint), any time range.
type Store interface {
	Cards(ctx context.Context, provider, model string, endpoint domain.Endpoint) ([]Card, error)
}

// Find returns the validated card effective at at.
func Find(ctx context.Context, s Store, provider, model string, endpoint domain.Endpoint, at time.Time) (*Card, error) {
	cards, err := s.Cards(ctx, provider, model, endpoint)
	if err != nil {
		return nil, err
	}
	card, err := Select(cards, provider, model, endpoint, at)
	if err != nil {
		return nil, err
	}
	if err := card.Validate(); err != nil {
		return nil, err
	}
	return card, nil
}

type MemoryStore struct {
	mu    sync.RWMutex
	cards []Card
}

func NewMemoryStore(cards ...Card) *MemoryStore {
	return &MemoryStore{cards: cards}
}

func (s *MemoryStore) Cards(ctx context.Context, provider, model string, endpoint domain.Endpoint) ([]Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Card
	for _, c := range s.cards {
		if c.Provider == provider && c.Model == model && c.Endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out, nil
}

// Replace swaps the whole card set.
func (s *MemoryStore) Replace(cards []Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = cards
}

type cardFile struct {
	Cards []Card `yaml:"cards"`
}

// Parse decodes and validates a YAML card file.
func Parse(data []byte) ([]Card, error) {
	var f cardFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse price cards: %w", err)
	}
	for i := range f.Cards {
		c := &f.Cards[i]
		if c.Provider == "" || c.Model == "" || c.Endpoint == "" {
			return nil, &domain.PricingConfigError{Reason: fmt.Sprintf("card %d: provider, model and endpoint are required", i)}
		}
		for j := range c.Rules {
			if c.Rules[j].ID == "" {
				c.Rules[j].ID = fmt.Sprintf("%s:%s:%s:%d", c.Provider, c.Model, c.Endpoint, j)
			}
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Cards, nil
}

// LoadFile reads a YAML card file into a MemoryStore.
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price cards: %w", err)
	}
	cards, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(cards...), nil
}

// PostgresStore reads rules from pricing_rules and their conditions from
// pricing_conditions. Rules sharing an effective window form one card.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Cards(ctx context.Context, provider, model string, endpoint domain.Endpoint) ([]Card, error) {
	query := `
		SELECT rule_id, pricing_plan, meter, unit, unit_size, price_per_unit::text,
		       currency, priority, effective_from, effective_to
		FROM pricing_rules
		WHERE provider_id = $1 AND api_model_id = $2 AND endpoint = $3
		ORDER BY effective_from, rule_id
	`

	rows, err := s.db.QueryContext(ctx, query, provider, model, string(endpoint))
	if err != nil {
		return nil, fmt.Errorf("query pricing rules: %w", err)
	}
	defer rows.Close()

	type window struct {
		from time.Time
		to   int64
	}
	var (
		cards   []Card
		byRange = make(map[window]int)
		ruleIDs []int64
		where   = make(map[int64][2]int)
	)

	for rows.Next() {
		var (
			id              int64
			plan, unit      sql.NullString
			meter, priceStr string
			unitSize        sql.NullInt64
			currency        sql.NullString
			priority        sql.NullInt64
			from            time.Time
			to              sql.NullTime
		)
		if err := rows.Scan(&id, &plan, &meter, &unit, &unitSize, &priceStr, &currency, &priority, &from, &to); err != nil {
			return nil, fmt.Errorf("scan pricing rule: %w", err)
		}

		w := window{from: from}
		if to.Valid {
			w.to = to.Time.UnixNano()
		}
		ci, ok := byRange[w]
		if !ok {
			c := Card{Provider: provider, Model: model, Endpoint: endpoint, Currency: currency.String, EffectiveFrom: from}
			if to.Valid {
				t := to.Time
				c.EffectiveTo = &t
			}
			cards = append(cards, c)
			ci = len(cards) - 1
			byRange[w] = ci
		}

		r := Rule{
			ID:           fmt.Sprint(id),
			PricingPlan:  plan.String,
			Meter:        meter,
			Unit:         unit.String,
			UnitSize:     unitSize.Int64,
			PricePerUnit: priceStr,
			Priority:     DefaultPriority,
		}
		if priority.Valid {
			r.Priority = int(priority.Int64)
		}
		cards[ci].Rules = append(cards[ci].Rules, r)
		ruleIDs = append(ruleIDs, id)
		where[id] = [2]int{ci, len(cards[ci].Rules) - 1}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pricing rules: %w", err)
	}

	if len(ruleIDs) == 0 {
		return nil, nil
	}
	if err := s.loadConditions(ctx, ruleIDs, func(id int64, c Condition) {
		pos := where[id]
		r := &cards[pos[0]].Rules[pos[1]]
		r.Match = append(r.Match, c)
	}); err != nil {
		return nil, err
	}
	return cards, nil
}

func (s *PostgresStore) loadConditions(ctx context.Context, ruleIDs []int64, add func(int64, Condition)) error {
	query := `
		SELECT rule_id, path, op, or_group, and_index, value_text, value_number::text, value_list
		FROM pricing_conditions
		WHERE rule_id = ANY($1)
		ORDER BY rule_id, or_group, and_index
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ruleIDs))
	if err != nil {
		return fmt.Errorf("query pricing conditions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id           int64
			c            Condition
			op           string
			text, number sql.NullString
			list         pq.StringArray
		)
		if err := rows.Scan(&id, &c.Path, &op, &c.OrGroup, &c.AndIndex, &text, &number, &list); err != nil {
			return fmt.Errorf("scan pricing condition: %w", err)
		}
		c.Op = Op(op)
		switch {
		case list != nil:
			values := make([]any, len(list))
			for i, v := range list {
				values[i] = v
			}
			c.Value = values
		case number.Valid:
			c.Value = number.String
		case text.Valid:
			c.Value = text.String
		}
		add(id, c)
	}
	return rows.Err()
}
