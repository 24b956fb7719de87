package config

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

// RepoConfigPath is where a repository opts into per-repo review settings.
const RepoConfigPath = ".pullsentry.yml"

// Severity levels, ordered from most to least severe. Used both by findings
// and by the per-repo threshold.
var SeverityOrder = []string{"critical", "high", "medium", "low", "info"}

// SeverityRank returns the ordering rank of a severity (0 = critical).
// Unknown severities rank below info.
func SeverityRank(severity string) int {
	for i, s := range SeverityOrder {
		if s == severity {
			return i
		}
	}
	return len(SeverityOrder)
}

// ReviewOptions is the recognized per-repository option set. Anything else
// in the document is ignored.
type ReviewOptions struct {
	Enabled           *bool           `yaml:"enabled"`
	Style             *bool           `yaml:"style"`
	SeverityThreshold string          `yaml:"severity_threshold"`
	IgnorePatterns    []string        `yaml:"ignore_patterns"`
	LanguageRules     map[string]bool `yaml:"language_rules"`
	CustomGuidelines  string          `yaml:"custom_guidelines"`
}

// RepoConfig is the parsed per-repository configuration document.
type RepoConfig struct {
	Review ReviewOptions `yaml:"review"`
}

// DefaultRepoConfig returns the configuration used when the document is
// missing or malformed.
func DefaultRepoConfig() *RepoConfig {
	return &RepoConfig{
		Review: ReviewOptions{SeverityThreshold: "low"},
	}
}

// ParseRepoConfig parses the YAML document, falling back silently to
// defaults on malformed content.
func ParseRepoConfig(content []byte) *RepoConfig {
	cfg := DefaultRepoConfig()
	if len(content) == 0 {
		return cfg
	}
	var parsed RepoConfig
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return DefaultRepoConfig()
	}
	if parsed.Review.SeverityThreshold == "" {
		parsed.Review.SeverityThreshold = "low"
	} else if SeverityRank(parsed.Review.SeverityThreshold) >= len(SeverityOrder) {
		parsed.Review.SeverityThreshold = "low"
	}
	return &parsed
}

// Enabled reports whether reviews run for this repository (default true).
func (c *RepoConfig) Enabled() bool {
	return c.Review.Enabled == nil || *c.Review.Enabled
}

// StyleEnabled reports whether the style stage runs (default true).
func (c *RepoConfig) StyleEnabled() bool {
	return c.Review.Style == nil || *c.Review.Style
}

// LanguageEnabled reports whether a detected language is reviewed. Languages
// absent from the rule map are reviewed.
func (c *RepoConfig) LanguageEnabled(language string) bool {
	if language == "" || c.Review.LanguageRules == nil {
		return true
	}
	enabled, ok := c.Review.LanguageRules[language]
	return !ok || enabled
}

// FileFetcher fetches a file's content at a ref; satisfied by the GitHub
// client.
type FileFetcher interface {
	FetchFileContent(ctx context.Context, installationID int64, owner, repo, path, ref string) (string, error)
}

// LoadRepoConfig fetches and parses the repository's configuration document
// at the given ref. Fetch failures and malformed documents fall back to
// defaults; this path must never abort a review.
func LoadRepoConfig(ctx context.Context, fetcher FileFetcher, installationID int64, owner, repo, ref string) *RepoConfig {
	content, err := fetcher.FetchFileContent(ctx, installationID, owner, repo, RepoConfigPath, ref)
	if err != nil || content == "" {
		return DefaultRepoConfig()
	}
	return ParseRepoConfig([]byte(content))
}

// String implements fmt.Stringer for log fields.
func (c *RepoConfig) String() string {
	return fmt.Sprintf("enabled=%t style=%t threshold=%s ignores=%d",
		c.Enabled(), c.StyleEnabled(), c.Review.SeverityThreshold, len(c.Review.IgnorePatterns))
}
