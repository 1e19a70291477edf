package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/aistats/gateway/internal/domain"
)

type InMemoryKeyStore struct {
	mu    sync.RWMutex
	keys  map[string]*domain.APIKey
	teams map[string]*domain.Team
}

func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:  make(map[string]*domain.APIKey),
		teams: make(map[string]*domain.Team),
	}
}

func (s *InMemoryKeyStore) GetKey(ctx context.Context, keyID string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, domain.ErrInvalidAPIKey
	}
	cp := *k
	return &cp, nil
}

func (s *InMemoryKeyStore) GetTeam(ctx context.Context, teamID string) (*domain.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[teamID]
	if !ok {
		return nil, domain.ErrTeamNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryKeyStore) PutKey(k *domain.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = k
}

func (s *InMemoryKeyStore) PutTeam(t *domain.Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[t.ID] = t
}

// SetEnabled flips a key on or off.
func (s *InMemoryKeyStore) SetEnabled(ctx context.Context, keyID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return domain.ErrInvalidAPIKey
	}
	k.Enabled = enabled
	return nil
}

// PostgresKeyStore reads the api_keys and teams tables.
type PostgresKeyStore struct {
	db *sql.DB
}

func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) GetKey(ctx context.Context, keyID string) (*domain.APIKey, error) {
	query := `
		SELECT id, team_id, secret_hash, enabled, created_at
		FROM api_keys
		WHERE id = $1
	`

	var k domain.APIKey
	err := s.db.QueryRowContext(ctx, query, keyID).Scan(
		&k.ID,
		&k.TeamID,
		&k.SecretHash,
		&k.Enabled,
		&k.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return &k, nil
}

func (s *PostgresKeyStore) GetTeam(ctx context.Context, teamID string) (*domain.Team, error) {
	query := `
		SELECT id, name, beta_channel, pricing_plan, routing_mode, rate_limit_rpm, created_at
		FROM teams
		WHERE id = $1
	`

	var t domain.Team
	var plan, mode sql.NullString
	var rpm sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, teamID).Scan(
		&t.ID,
		&t.Name,
		&t.BetaChannel,
		&plan,
		&mode,
		&rpm,
		&t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTeamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query team: %w", err)
	}
	t.PricingPlan = plan.String
	t.RoutingMode = mode.String
	t.RateLimitRPM = int(rpm.Int64)
	return &t, nil
}

// SetEnabled flips a key on or off.
func (s *PostgresKeyStore) SetEnabled(ctx context.Context, keyID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET enabled = $2 WHERE id = $1`, keyID, enabled)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if n == 0 {
		return domain.ErrInvalidAPIKey
	}
	return nil
}
