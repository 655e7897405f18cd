package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/onboarding-workflow/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "onboarding_test"),
		User:           envOr("POSTGRES_USER", "onboarding"),
		Password:       envOr("POSTGRES_PASSWORD", "onboarding_dev_password"),
		MaxConnections: 5,
	}
}

// testPostgres connects to a migrated test database or skips the test
func testPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := NewMigrator(cfg.URL(), "../../migrations/postgres").Up(); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}
	return db
}
