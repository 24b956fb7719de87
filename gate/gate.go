// Package gate implements the pre-enqueue gatekeeper: a pure, deterministic,
// rule-ordered filter deciding whether a pull-request event is reviewed and
// which lane carries it. It performs no I/O and no state mutation; a large
// share of inbound events is discarded here before anything is queued.
package gate

import (
	"fmt"
	"path"
	"strings"
)

// Lane identifies a queue partition.
type Lane string

const (
	LaneFast Lane = "fast"
	LaneSlow Lane = "slow"
	LaneSkip Lane = "skip"
)

// Decision is the gatekeeper's output: whether to admit, why, and where.
type Decision struct {
	Admit  bool
	Reason string
	Lane   Lane
}

// Input is the slice of an inbound event the gatekeeper needs. Changed file
// paths come from the event's file listing; fetching the diff body is not
// required.
type Input struct {
	AuthorLogin string
	Labels      []string
	Draft       bool
	// ChangedFiles is the changed-path listing when one is available without
	// fetching the diff body; nil otherwise (the path rules are then skipped).
	ChangedFiles []string
	// ChangedFileCount is the event payload's file count, used for lane
	// selection when ChangedFiles is nil.
	ChangedFileCount int
}

// botLogins are well-known automation accounts whose PRs are never reviewed.
var botLogins = map[string]bool{
	"dependabot[bot]":                   true,
	"dependabot-preview[bot]":           true,
	"renovate[bot]":                     true,
	"snyk-bot":                          true,
	"github-actions[bot]":               true,
	"imgbot[bot]":                       true,
	"whitesource-bolt-for-github[bot]":  true,
	"semantic-release-bot":              true,
	"allcontributors[bot]":              true,
}

// noReviewPatterns match file basenames that carry no reviewable content:
// documentation, media, lockfiles, build artifacts, editor config.
var noReviewPatterns = []string{
	"*.md", "*.rst", "*.txt", "*.adoc", "*.wiki",
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.svg", "*.ico", "*.webp",
	"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "*.lock", "*.sum",
	"Cargo.lock", "poetry.lock", "Gemfile.lock", "composer.lock", "packages.lock.json",
	"*.min.js", "*.min.css", "*.map",
	".gitignore", ".gitattributes", ".editorconfig", "*.iml",
}

// vendorDirs are path segments whose contents are generated or third-party.
var vendorDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
}

// Gatekeeper evaluates inbound pull-request events against the ordered rule
// set. Extra ignore patterns come from per-repository configuration.
type Gatekeeper struct {
	SkipLabel        string
	LargePRThreshold int
	ExtraIgnore      []string
}

// New returns a gatekeeper with the default skip label and large-PR
// threshold.
func New() *Gatekeeper {
	return &Gatekeeper{SkipLabel: "skip-ai-review", LargePRThreshold: 50}
}

// Evaluate applies the rules in fixed order; the first rule that fires
// returns. Rules:
//
//  1. bot author → skip
//  2. skip label → skip
//  3. draft → skip
//  4. every changed path non-reviewable → skip
//  5. changed-file count above threshold → slow lane
//  6. otherwise → fast lane
func (g *Gatekeeper) Evaluate(in Input) Decision {
	if botLogins[in.AuthorLogin] || strings.HasSuffix(in.AuthorLogin, "[bot]") {
		return Decision{false, fmt.Sprintf("bot PR from %s", in.AuthorLogin), LaneSkip}
	}

	for _, l := range in.Labels {
		if l == g.SkipLabel {
			return Decision{false, g.SkipLabel + " label present", LaneSkip}
		}
	}

	if in.Draft {
		return Decision{false, "draft PR", LaneSkip}
	}

	count := in.ChangedFileCount
	if in.ChangedFiles != nil {
		count = len(in.ChangedFiles)
		reviewable := g.ReviewableFiles(in.ChangedFiles)
		if len(reviewable) == 0 {
			return Decision{false, fmt.Sprintf("all %d files match no-review patterns", count), LaneSkip}
		}
	}
	if count > g.LargePRThreshold {
		return Decision{true, fmt.Sprintf("large PR: %d files", count), LaneSlow}
	}
	return Decision{true, fmt.Sprintf("reviewable PR: %d files", count), LaneFast}
}

// ReviewableFiles filters out paths that should not be reviewed.
func (g *Gatekeeper) ReviewableFiles(paths []string) []string {
	var out []string
	for _, p := range paths {
		if !g.excluded(p) {
			out = append(out, p)
		}
	}
	return out
}

func (g *Gatekeeper) excluded(filePath string) bool {
	base := path.Base(filePath)
	for _, pattern := range noReviewPatterns {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	for _, pattern := range g.ExtraIgnore {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(pattern, filePath); ok {
			return true
		}
	}
	for _, part := range strings.Split(filePath, "/") {
		if vendorDirs[part] {
			return true
		}
	}
	return false
}
