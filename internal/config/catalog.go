package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/reasoning"
)

// Provider kinds the gateway can build adapters for.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindBedrock   = "bedrock"
)

// Catalog declares upstream providers and the gateway models they serve.
type Catalog struct {
	Providers []ProviderSpec `yaml:"providers"`
	Models    []ModelSpec    `yaml:"models"`

	byModel map[string]*ModelSpec
}

type ProviderSpec struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	// BaseURL defaults per kind when empty.
	BaseURL string `yaml:"base_url"`
	// Secret names the credentials entry; defaults to ID.
	Secret   string        `yaml:"secret"`
	Protocol string        `yaml:"protocol"`
	Quirk    string        `yaml:"quirk"`
	Region   string        `yaml:"region"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ModelSpec struct {
	Model string `yaml:"model"`
	// Endpoints the model serves; empty means the text endpoints.
	Endpoints  []domain.Endpoint `yaml:"endpoints"`
	Candidates []CandidateSpec   `yaml:"candidates"`
}

type CandidateSpec struct {
	Provider        string          `yaml:"provider"`
	UpstreamModel   string          `yaml:"upstream_model"`
	Status          string          `yaml:"status"`
	Weight          float64         `yaml:"weight"`
	MaxOutputTokens int             `yaml:"max_output_tokens"`
	Reasoning       *ReasoningSpec  `yaml:"reasoning"`
	Pricing         *PricingRefSpec `yaml:"pricing"`
}

type ReasoningSpec struct {
	Style     reasoning.Style `yaml:"style"`
	MaxTokens int             `yaml:"max_tokens"`
	Levels    []ir.Effort     `yaml:"levels"`
}

// PricingRefSpec points a candidate at a card keyed differently from its
// provider and upstream model.
type PricingRefSpec struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Capability returns the candidate's reasoning capability; the zero value
// passes reasoning through untouched.
func (c CandidateSpec) Capability() reasoning.Capability {
	if c.Reasoning == nil {
		return reasoning.Capability{}
	}
	return reasoning.Capability{Style: c.Reasoning.Style, MaxReasoningTokens: c.Reasoning.MaxTokens, Levels: c.Reasoning.Levels}
}

// PriceKey is the (provider, model) pair the candidate's card is filed under.
func (c CandidateSpec) PriceKey() (provider, model string) {
	provider, model = c.Provider, c.UpstreamModel
	if c.Pricing != nil {
		if c.Pricing.Provider != "" {
			provider = c.Pricing.Provider
		}
		if c.Pricing.Model != "" {
			model = c.Pricing.Model
		}
	}
	return provider, model
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

var textEndpoints = []domain.Endpoint{domain.EndpointChatCompletions, domain.EndpointResponses, domain.EndpointMessages}

func (c *Catalog) index() error {
	providers := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("catalog: provider %d has no id", i)
		}
		if providers[p.ID] {
			return fmt.Errorf("catalog: duplicate provider %s", p.ID)
		}
		switch p.Kind {
		case KindOpenAI, KindAnthropic, KindBedrock:
		default:
			return fmt.Errorf("catalog: provider %s: unknown kind %q", p.ID, p.Kind)
		}
		if p.Secret == "" {
			p.Secret = p.ID
		}
		providers[p.ID] = true
	}

	c.byModel = make(map[string]*ModelSpec, len(c.Models))
	for i := range c.Models {
		m := &c.Models[i]
		key := strings.ToLower(m.Model)
		if _, dup := c.byModel[key]; dup {
			return fmt.Errorf("catalog: duplicate model %s", m.Model)
		}
		if len(m.Endpoints) == 0 {
			m.Endpoints = textEndpoints
		}
		for j := range m.Candidates {
			cand := &m.Candidates[j]
			if !providers[cand.Provider] {
				return fmt.Errorf("catalog: model %s: unknown provider %s", m.Model, cand.Provider)
			}
			if cand.UpstreamModel == "" {
				cand.UpstreamModel = m.Model
			}
			if cand.Weight < 0 {
				return fmt.Errorf("catalog: model %s: negative weight for %s", m.Model, cand.Provider)
			}
		}
		c.byModel[key] = m
	}
	return nil
}

// Route returns the candidates declared for a base model on an endpoint.
func (c *Catalog) Route(model string, endpoint domain.Endpoint) []CandidateSpec {
	m, ok := c.byModel[strings.ToLower(model)]
	if !ok {
		return nil
	}
	for _, e := range m.Endpoints {
		if e == endpoint {
			return m.Candidates
		}
	}
	return nil
}

func (c *Catalog) Provider(id string) (ProviderSpec, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderSpec{}, false
}
