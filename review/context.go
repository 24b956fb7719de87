// Package review implements the staged pipeline that turns one pull request
// into a posted set of inline findings: static analysis, summary, defect
// detection, cross-file impact, style, synthesis, and posting.
package review

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pullsentry/pullsentry/config"
	"github.com/pullsentry/pullsentry/diff"
	"github.com/pullsentry/pullsentry/queue"
)

// Finding is one inline-comment candidate flowing through the pipeline.
// Positions are resolved against the diff-position map before posting;
// a finding that cannot be resolved never reaches GitHub.
type Finding struct {
	FilePath   string
	LineStart  int
	LineEnd    int
	Severity   string  // critical|high|medium|low|info
	Category   string  // defect|security|style|performance|docs|breaking-change
	Title      string
	Body       string
	Suggestion string
	Confidence float64
	Stage      string // producing stage label, used by the dedup pass

	Position      int // diff position of LineEnd
	StartPosition int // diff position of LineStart (multi-line only)
	CommentID     int64
}

// Summary is the stage-1 output attached to the context for later stages
// and emitted as the top-level review comment body.
type Summary struct {
	Prose     string
	RiskLevel string // low|medium|high
}

// Context is the flat record assembled once per review and passed through
// every stage. Stages mutate only their own output slot plus the
// accumulated cost counter, which is atomic because stages fan out.
type Context struct {
	Task   *queue.Task
	Config *config.RepoConfig

	Title string // PR title, fetched at start
	Body  string // PR description

	Files     []diff.FileDiff
	Positions map[string]map[int]int // path → new line → diff position
	Contents  map[string]string      // path → content at head

	Summary Summary

	budgetMicro int64
	costMicro   atomic.Int64

	mu       sync.Mutex
	findings []Finding
	notes    []string
}

// NewContext creates a review context with the given cost budget in
// currency units.
func NewContext(task *queue.Task, cfg *config.RepoConfig, budget float64) *Context {
	return &Context{
		Task:        task,
		Config:      cfg,
		Positions:   make(map[string]map[int]int),
		Contents:    make(map[string]string),
		budgetMicro: toMicro(budget),
	}
}

func toMicro(v float64) int64 { return int64(v * 1e6) }

// Allow reports whether another model call fits the budget. The accumulated
// cost may exceed the ceiling by at most one call, because the check happens
// before each call and the charge after it.
func (c *Context) Allow() bool {
	return c.costMicro.Load() < c.budgetMicro
}

// AddCost accumulates spend. The counter is monotonic; negative amounts are
// ignored.
func (c *Context) AddCost(amount float64) {
	if amount > 0 {
		c.costMicro.Add(toMicro(amount))
	}
}

// Cost returns the accumulated spend in currency units.
func (c *Context) Cost() float64 {
	return float64(c.costMicro.Load()) / 1e6
}

// AddFindings appends stage output.
func (c *Context) AddFindings(fs ...Finding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findings = append(c.findings, fs...)
}

// Findings returns a snapshot of the accumulated findings.
func (c *Context) Findings() []Finding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Finding, len(c.findings))
	copy(out, c.findings)
	return out
}

// SetFindings replaces the accumulated set (used by the synthesis stage).
func (c *Context) SetFindings(fs []Finding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findings = fs
}

// AddNote appends a diagnostic line surfaced in the summary comment
// (truncation, dropped findings).
func (c *Context) AddNote(note string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, note)
}

// Notes returns the diagnostic lines in append order.
func (c *Context) Notes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.notes))
	copy(out, c.notes)
	return out
}

// Cancelled reports whether the soft deadline or an external cancellation
// fired. Stages consult this before starting; in-flight calls are allowed
// to finish.
func Cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
