//go:build integration

package auth_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/aistats/gateway/internal/auth"
	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/kv"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func TestPostgresKeyStore_VerifyAndRevoke(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()
	ctx := context.Background()

	teamID := "team-" + uuid.NewString()
	keyID := "k" + uuid.NewString()[:8]
	secret := "s3cr3t"
	hash, err := auth.HashSecret(secret)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		db.Exec(`DELETE FROM api_keys WHERE team_id = $1`, teamID)
		db.Exec(`DELETE FROM teams WHERE id = $1`, teamID)
	})
	if _, err := db.Exec(`INSERT INTO teams (id, name, pricing_plan, rate_limit_rpm) VALUES ($1, 'Test', 'enterprise', 60)`, teamID); err != nil {
		t.Fatalf("insert team: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO api_keys (id, team_id, secret_hash) VALUES ($1, $2, $3)`, keyID, teamID, hash); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	keys := auth.NewPostgresKeyStore(db)
	store := kv.NewInMemoryStore()
	defer store.Close()
	v := auth.NewVerifier(keys, store)

	p, err := v.Verify(ctx, auth.FormatKey(keyID, secret))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Team.ID != teamID || p.Team.PricingPlan != "enterprise" || p.Team.RateLimitRPM != 60 {
		t.Errorf("unexpected team %+v", p.Team)
	}

	if err := keys.SetEnabled(ctx, keyID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if err := v.Revoke(ctx, keyID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := v.Verify(ctx, auth.FormatKey(keyID, secret)); !errors.Is(err, domain.ErrKeyRevoked) {
		t.Errorf("Verify after revoke: err = %v", err)
	}
}
