package config

import (
	"testing"
)

func TestParseRepoConfig(t *testing.T) {
	content := []byte(`
review:
  enabled: true
  style: false
  severity_threshold: high
  ignore_patterns:
    - "*.gen.go"
    - "migrations/*"
  language_rules:
    go: true
    css: false
  custom_guidelines: |
    Prefer table-driven tests.
`)
	cfg := ParseRepoConfig(content)

	if !cfg.Enabled() {
		t.Error("Enabled() = false, want true")
	}
	if cfg.StyleEnabled() {
		t.Error("StyleEnabled() = true, want false")
	}
	if cfg.Review.SeverityThreshold != "high" {
		t.Errorf("SeverityThreshold = %q, want high", cfg.Review.SeverityThreshold)
	}
	if len(cfg.Review.IgnorePatterns) != 2 {
		t.Errorf("IgnorePatterns = %v", cfg.Review.IgnorePatterns)
	}
	if cfg.LanguageEnabled("css") {
		t.Error("LanguageEnabled(css) = true, want false")
	}
	if !cfg.LanguageEnabled("go") || !cfg.LanguageEnabled("rust") || !cfg.LanguageEnabled("") {
		t.Error("languages without a rule must stay enabled")
	}
	if cfg.Review.CustomGuidelines == "" {
		t.Error("CustomGuidelines is empty")
	}
}

func TestParseRepoConfigDefaults(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"empty", nil},
		{"malformed yaml", []byte("review: [not: valid")},
		{"wrong types", []byte("review: 42")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ParseRepoConfig(tt.content)
			if !cfg.Enabled() || !cfg.StyleEnabled() {
				t.Error("defaults must enable review and style")
			}
			if cfg.Review.SeverityThreshold != "low" {
				t.Errorf("default threshold = %q, want low", cfg.Review.SeverityThreshold)
			}
		})
	}
}

func TestParseRepoConfigInvalidThreshold(t *testing.T) {
	cfg := ParseRepoConfig([]byte("review:\n  severity_threshold: catastrophic\n"))
	if cfg.Review.SeverityThreshold != "low" {
		t.Errorf("threshold = %q, want low fallback", cfg.Review.SeverityThreshold)
	}
}

func TestParseRepoConfigDisabled(t *testing.T) {
	cfg := ParseRepoConfig([]byte("review:\n  enabled: false\n"))
	if cfg.Enabled() {
		t.Error("Enabled() = true, want false")
	}
}

func TestSeverityRank(t *testing.T) {
	if SeverityRank("critical") >= SeverityRank("high") {
		t.Error("critical must rank before high")
	}
	if SeverityRank("info") >= SeverityRank("unknown-value") {
		t.Error("unknown severities rank below info")
	}
}
