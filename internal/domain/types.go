package domain

import "time"

// Endpoint names a gateway capability surface.
type Endpoint string

const (
	EndpointChatCompletions Endpoint = "chat.completions"
	EndpointResponses       Endpoint = "responses"
	EndpointMessages        Endpoint = "messages"
	EndpointEmbeddings      Endpoint = "embeddings"
	EndpointModerations     Endpoint = "moderations"
	EndpointVideo           Endpoint = "video.generation"
	EndpointMusic           Endpoint = "music.generate"
)

// IsText reports whether the endpoint carries chat-style generation.
func (e Endpoint) IsText() bool {
	switch e {
	case EndpointChatCompletions, EndpointResponses, EndpointMessages:
		return true
	}
	return false
}

type Team struct {
	ID          string
	Name        string
	BetaChannel bool
	PricingPlan string
	RoutingMode string
	// RateLimitRPM caps requests per minute; 0 uses the gateway default.
	RateLimitRPM int
	CreatedAt    time.Time
}

// APIKey is a gateway key record. Only the bcrypt hash of the secret is stored.
type APIKey struct {
	ID         string
	TeamID     string
	SecretHash string
	Enabled    bool
	CreatedAt  time.Time
}

// ProviderStatus gates a provider's rollout channel.
type ProviderStatus string

const (
	StatusActive   ProviderStatus = "active"
	StatusBeta     ProviderStatus = "beta"
	StatusAlpha    ProviderStatus = "alpha"
	StatusNotReady ProviderStatus = "not_ready"
)

// ParseProviderStatus normalizes loose spellings. Unknown values are active.
func ParseProviderStatus(s string) ProviderStatus {
	switch s {
	case "beta":
		return StatusBeta
	case "alpha":
		return StatusAlpha
	case "not_ready", "notready", "not ready":
		return StatusNotReady
	}
	return StatusActive
}
