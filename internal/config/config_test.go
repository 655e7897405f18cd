package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("GOSH_ENDPOINTS", "https://a.network, https://b.network,,")
	t.Setenv("GOSH_SYSTEM_CONTRACT_ADDR", "0:abc")
	t.Setenv("QUEUE_BACKOFF_DELAY", "3s")
	t.Setenv("UPLOAD_COUNT_OBJECTS", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.network", "https://b.network"}, cfg.Gosh.Endpoints)
	assert.Equal(t, "0:abc", cfg.Gosh.SystemContractAddr)
	assert.Equal(t, 3*time.Second, cfg.Queue.BackoffDelay)
	assert.False(t, cfg.Upload.CountObjects)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Queue.BackoffDelay)
	assert.Equal(t, 1500, cfg.Upload.SmallThreshold)
	assert.Equal(t, 15000, cfg.Upload.MediumThreshold)
	assert.Equal(t, "tonos-cli", cfg.Gosh.CLIPath)
	assert.Empty(t, cfg.Database.ClickHouse.Host)
}

func TestLoadConfigRejectsBadThresholds(t *testing.T) {
	t.Setenv("UPLOAD_SMALL_THRESHOLD", "2000")
	t.Setenv("UPLOAD_MEDIUM_THRESHOLD", "1000")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid bucket thresholds")
}

func TestGetEnvHelpers(t *testing.T) {
	tests := []struct {
		name string
		env  string
		run  func() interface{}
		want interface{}
	}{
		{
			name: "int falls back on garbage",
			env:  "nope",
			run:  func() interface{} { return getEnvAsInt("TEST_VALUE", 7) },
			want: 7,
		},
		{
			name: "duration parses",
			env:  "250ms",
			run:  func() interface{} { return getEnvAsDuration("TEST_VALUE", time.Second) },
			want: 250 * time.Millisecond,
		},
		{
			name: "bool parses",
			env:  "true",
			run:  func() interface{} { return getEnvAsBool("TEST_VALUE", false) },
			want: true,
		},
		{
			name: "list trims items",
			env:  " x ,y",
			run:  func() interface{} { return getEnvAsList("TEST_VALUE", nil) },
			want: []string{"x", "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_VALUE", tt.env)
			assert.Equal(t, tt.want, tt.run())
		})
	}
}

func TestPostgresURL(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", Database: "onb", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@db:5432/onb?sslmode=disable", cfg.URL())
}
