package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Category != "both" {
		t.Errorf("Expected Category 'both', got %q", cfg.Category)
	}
	if cfg.Limit != 100 {
		t.Errorf("Expected Limit 100, got %d", cfg.Limit)
	}
	if cfg.VolatilityTTLSec != 120 {
		t.Errorf("Expected VolatilityTTLSec 120, got %d", cfg.VolatilityTTLSec)
	}
	if cfg.RescanIntervalSec != 60 {
		t.Errorf("Expected RescanIntervalSec 60, got %d", cfg.RescanIntervalSec)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("FUNDINGWATCH_CATEGORY", "linear")
	os.Setenv("FUNDINGWATCH_LIMIT", "50")
	defer os.Unsetenv("FUNDINGWATCH_CATEGORY")
	defer os.Unsetenv("FUNDINGWATCH_LIMIT")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Category != "linear" {
		t.Errorf("Expected env override Category 'linear', got %q", cfg.Category)
	}
	if cfg.Limit != 50 {
		t.Errorf("Expected env override Limit 50, got %d", cfg.Limit)
	}
}

func TestValidateRejectsInvalidCategory(t *testing.T) {
	os.Setenv("FUNDINGWATCH_CATEGORY", "both_and_more")
	defer os.Unsetenv("FUNDINGWATCH_CATEGORY")

	if _, err := Load(""); err == nil {
		t.Errorf("Expected error for invalid category, got nil")
	}
}

func TestValidateRejectsInvertedFundingTimeWindow(t *testing.T) {
	os.Setenv("FUNDINGWATCH_FUNDING_TIME_MIN_MINUTES", "100")
	os.Setenv("FUNDINGWATCH_FUNDING_TIME_MAX_MINUTES", "10")
	defer os.Unsetenv("FUNDINGWATCH_FUNDING_TIME_MIN_MINUTES")
	defer os.Unsetenv("FUNDINGWATCH_FUNDING_TIME_MAX_MINUTES")

	if _, err := Load(""); err == nil {
		t.Errorf("Expected error for funding_time_min_minutes > funding_time_max_minutes, got nil")
	}
}

func TestVolatilityRefreshInterval(t *testing.T) {
	cfg := &Config{VolatilityTTLSec: 60}
	if got := cfg.VolatilityRefreshInterval(); got.Seconds() != 50 {
		t.Errorf("VolatilityRefreshInterval() = %v, want 50s (T_vol=60 -> T_vol-10=50, min(60,50)=50, max(30,50)=50)", got)
	}

	cfg = &Config{VolatilityTTLSec: 30}
	if got := cfg.VolatilityRefreshInterval(); got.Seconds() != 30 {
		t.Errorf("VolatilityRefreshInterval() = %v, want 30s floor", got)
	}

	cfg = &Config{VolatilityTTLSec: 200}
	if got := cfg.VolatilityRefreshInterval(); got.Seconds() != 60 {
		t.Errorf("VolatilityRefreshInterval() = %v, want 60s ceiling", got)
	}
}
