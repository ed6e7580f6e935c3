package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LEASE_CHECKING_TTL", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, cfg.Lease.CheckingTTL)
	require.Equal(t, 6*time.Hour, cfg.Lease.ReviewTTL)
	require.Equal(t, 5.0, cfg.Ledger.DefaultRating)
	require.Equal(t, "/api/v1", cfg.APIPrefix)
	require.False(t, cfg.Transactional())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", EnvProduction)
	t.Setenv("LEASE_REVIEW_TTL", "90m")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, cfg.Lease.ReviewTTL)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	require.True(t, cfg.Transactional())
}

func TestParseDurationFallback(t *testing.T) {
	require.Equal(t, time.Minute, parseDuration("not-a-duration", time.Minute))
	require.Equal(t, 2*time.Second, parseDuration("2s", time.Minute))
}
