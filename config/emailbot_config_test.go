package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		PollingInterval:   5 * time.Minute,
		BatchSize:         10,
		RetryAttempts:     3,
		ConfidenceAuto:    85,
		ConfidenceSuggest: 60,
		ConfidenceReview:  40,
	}
}

func TestValidateDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("default thresholds should validate: %v", err)
	}
}

func TestValidateThresholdOrdering(t *testing.T) {
	tests := []struct {
		name                  string
		auto, suggest, review float64
		wantErr               bool
	}{
		{"ordered", 85, 60, 40, false},
		{"equal boundaries", 85, 85, 85, false},
		{"suggest above auto", 80, 90, 40, true},
		{"review above suggest", 85, 50, 60, true},
		{"auto above 100", 120, 60, 40, true},
		{"review negative", 85, 60, -1, true},
		{"auto too low", 65, 60, 40, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.ConfidenceAuto = tt.auto
			cfg.ConfidenceSuggest = tt.suggest
			cfg.ConfidenceReview = tt.review

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePollingBounds(t *testing.T) {
	cfg := validConfig()
	cfg.PollingInterval = 30 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("sub-minute polling interval should fail validation")
	}

	cfg = validConfig()
	cfg.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero batch size should fail validation")
	}
}

func TestLoadUsesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with empty env: %v", err)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("batch size default = %d, want 10", cfg.BatchSize)
	}
	if cfg.ConfidenceAuto != 85 || cfg.ConfidenceSuggest != 60 || cfg.ConfidenceReview != 40 {
		t.Errorf("threshold defaults = %v/%v/%v", cfg.ConfidenceAuto, cfg.ConfidenceSuggest, cfg.ConfidenceReview)
	}
	if cfg.PollingInterval != 5*time.Minute {
		t.Errorf("polling interval default = %v", cfg.PollingInterval)
	}
	if cfg.LLMMaxTokens != 300 {
		t.Errorf("llm max tokens default = %d", cfg.LLMMaxTokens)
	}
}

func TestExpertiseMapParsing(t *testing.T) {
	t.Setenv("EXPERTISE_MAP", "security=alice@corp.example, bob@corp.example;helpdesk=carol@corp.example")

	m := getEnvExpertiseMap()
	if got := m["security"]; len(got) != 2 || got[0] != "alice@corp.example" {
		t.Errorf("security members = %v", got)
	}
	if got := m["helpdesk"]; len(got) != 1 || got[0] != "carol@corp.example" {
		t.Errorf("helpdesk members = %v", got)
	}
	// Roles not mentioned keep their empty default.
	if _, ok := m["manager"]; !ok {
		t.Error("built-in roles should always be present")
	}
}
