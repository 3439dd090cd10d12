package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"":                                       "<empty>",
		"postgres://user:secret@db:5432/climate": "postgres://user:xxxxx@db:5432/climate",
		"postgres://db:5432/climate":             "postgres://db:5432/climate",
		"host=db user=app password=secret":       "<redacted>",
	}

	for in, want := range tests {
		assert.Equal(t, want, RedactURL(in), "RedactURL(%q)", in)
	}
}

func TestParsePoolConfig(t *testing.T) {
	cfg, err := parsePoolConfig(PoolConfig{
		URL:             "postgres://app:secret@db:5432/climate",
		MaxConns:        3,
		MinConns:        1,
		MaxConnIdleTime: time.Minute,
		ApplicationName: "climate-stream-worker",
	})
	require.NoError(t, err)

	assert.Equal(t, int32(3), cfg.MaxConns)
	assert.Equal(t, int32(1), cfg.MinConns)
	assert.Equal(t, time.Minute, cfg.MaxConnIdleTime)
	assert.Equal(t, "climate-stream-worker", cfg.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, "climate", cfg.ConnConfig.Database)
}

func TestParsePoolConfig_InvalidURL(t *testing.T) {
	_, err := parsePoolConfig(PoolConfig{URL: "postgres://app:secret@db:notaport/climate"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}
