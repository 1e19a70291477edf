package usage

import (
	"sync"

	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/ir"
)

// Normalizer extracts usage from a raw upstream response body.
type Normalizer interface {
	Normalize(body []byte) *ir.Usage
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(body []byte) *ir.Usage

func (f NormalizerFunc) Normalize(body []byte) *ir.Usage { return f(body) }

// PathNormalizer reads usage from a fixed JSON path.
type PathNormalizer string

func (p PathNormalizer) Normalize(body []byte) *ir.Usage {
	return Parse(gjson.GetBytes(body, string(p)))
}

var (
	mu          sync.RWMutex
	normalizers = map[string]Normalizer{
		"google": PathNormalizer("usageMetadata"),
		"vertex": PathNormalizer("usageMetadata"),
	}
	defaultNormalizer Normalizer = NormalizerFunc(func(body []byte) *ir.Usage {
		if u := Parse(gjson.GetBytes(body, "usage")); u != nil {
			return u
		}
		// Some compatible servers nest usage under the response object.
		if u := Parse(gjson.GetBytes(body, "response.usage")); u != nil {
			return u
		}
		return Parse(gjson.GetBytes(body, "usageMetadata"))
	})
)

// Register installs the normalizer for a provider id.
func Register(provider string, n Normalizer) {
	mu.Lock()
	defer mu.Unlock()
	normalizers[provider] = n
}

// For returns the provider's normalizer, or the default one.
func For(provider string) Normalizer {
	mu.RLock()
	defer mu.RUnlock()
	if n, ok := normalizers[provider]; ok {
		return n
	}
	return defaultNormalizer
}

// Normalize is shorthand for For(provider).Normalize(body).
func Normalize(provider string, body []byte) *ir.Usage {
	return For(provider).Normalize(body)
}
