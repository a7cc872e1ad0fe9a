// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("QUEUE_CLAIMS_CONCURRENCY")
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Queue.ClaimsConcurrency)
	require.NotEmpty(t, cfg.Redis.Addr)
	require.NotEmpty(t, cfg.Postgres.DSN)
	require.Len(t, cfg.Payers, 3)
	require.Contains(t, cfg.Payers, "medicare")
}

func TestValidateFailsOnBadConcurrency(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queue.ClaimsConcurrency = 0
	require.Error(t, Validate(cfg))
}

func TestValidateFailsOnUnknownFallbackPayer(t *testing.T) {
	cfg := defaultConfig()
	cfg.Ingestion.FallbackPayerID = "does-not-exist"
	require.Error(t, Validate(cfg))
}

func TestValidateFailsOnInvertedDelayRange(t *testing.T) {
	cfg := defaultConfig()
	p := cfg.Payers["medicare"]
	p.ProcessingDelayMs.Min = 500
	p.ProcessingDelayMs.Max = 100
	cfg.Payers["medicare"] = p
	require.Error(t, Validate(cfg))
}

func TestValidateFailsOnDenialRateOutOfRange(t *testing.T) {
	cfg := defaultConfig()
	p := cfg.Payers["anthem"]
	p.Denial.DenialRate = 1.5
	cfg.Payers["anthem"] = p
	require.Error(t, Validate(cfg))
}

func TestValidateOKOnDefaults(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, Validate(cfg))
}
