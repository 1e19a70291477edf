// Package secrets resolves upstream provider credentials.
//
// Credentials live in AWS Secrets Manager as JSON under
// gateway/providers/{providerId}. EnvStore serves local development from
// variables named {PROVIDER}_API_KEY.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrSecretNotFound = errors.New("secret not found")

// Store returns raw secret strings by name.
type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Credentials is the JSON document stored per provider.
type Credentials struct {
	APIKey          string `json:"api_key"`
	BaseURL         string `json:"base_url,omitempty"`
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

func SecretName(providerID string) string {
	return "gateway/providers/" + providerID
}

// ProviderCredentials loads and decodes the credentials for providerID. A
// secret that is not JSON is taken as a bare API key.
func ProviderCredentials(ctx context.Context, s Store, providerID string) (Credentials, error) {
	raw, err := s.GetSecret(ctx, SecretName(providerID))
	if err != nil {
		return Credentials{}, err
	}
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return Credentials{APIKey: raw}, nil
	}
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials for %s: %w", providerID, err)
	}
	return c, nil
}

type AWSSecretsManager struct {
	client *secretsmanager.Client
	mu     sync.RWMutex
	cache  map[string]cachedSecret
	ttl    time.Duration
	now    func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]cachedSecret),
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && s.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	value := aws.ToString(result.SecretString)

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return value, nil
}

// SetCacheTTL changes how long fetched secrets are reused. Zero disables caching.
func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

// EnvStore maps gateway/providers/{id} to the {ID}_API_KEY variable.
type EnvStore struct {
	lookup func(string) (string, bool)
}

func NewEnvStore() *EnvStore {
	return &EnvStore{lookup: os.LookupEnv}
}

func (s *EnvStore) GetSecret(ctx context.Context, name string) (string, error) {
	id := strings.TrimPrefix(name, SecretName(""))
	env := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(id)) + "_API_KEY"
	if v, ok := s.lookup(env); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// Chain tries each store in order and returns the first hit.
type Chain []Store

func (c Chain) GetSecret(ctx context.Context, name string) (string, error) {
	var errs []error
	for _, s := range c {
		v, err := s.GetSecret(ctx, name)
		if err == nil {
			return v, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return "", errors.Join(errs...)
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{secrets: make(map[string]string)}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}
