package review

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pullsentry/pullsentry/diff"
)

const (
	// maxConcurrentCalls bounds outbound model calls per review.
	maxConcurrentCalls = 5

	// fileLevelHunkThreshold routes files with many hunks to file-level
	// review with the capable model.
	fileLevelHunkThreshold = 4

	// summaryDiffLimit truncates the diff submitted to the summary model.
	summaryDiffLimit = 60000
)

// ErrBudgetExhausted marks a model call refused by the cost ceiling. Not an
// error condition: the stage truncates and the pipeline proceeds.
var ErrBudgetExhausted = errors.New("review cost budget exhausted")

// call performs one budgeted model call. The cost counter is charged with a
// nominal estimate before the call and topped up to the actual cost after,
// so the accumulated cost never exceeds the ceiling by more than one call.
func (o *Orchestrator) call(ctx context.Context, c *Context, model, system, prompt string) (string, error) {
	if !c.Allow() {
		return "", ErrBudgetExhausted
	}
	estimate := o.estimateCost(model)
	c.AddCost(estimate)

	res, err := o.llm.Complete(ctx, model, system, prompt)
	if err != nil {
		return "", err
	}
	if res.Cost > estimate {
		c.AddCost(res.Cost - estimate)
	}
	return res.Text, nil
}

func (o *Orchestrator) estimateCost(model string) float64 {
	if model == o.strongModel {
		return 0.02
	}
	return 0.002
}

// noteBudget records the truncation note exactly once.
func (o *Orchestrator) noteBudget(c *Context, stage string) {
	for _, n := range c.Notes() {
		if strings.HasPrefix(n, "Review truncated") {
			return
		}
	}
	c.AddNote(fmt.Sprintf("Review truncated at stage %s: cost ceiling reached.", stage))
}

// SummaryStage (S1) submits the truncated diff to the cheap model and
// attaches the structured summary to the context.
func (o *Orchestrator) SummaryStage(ctx context.Context, c *Context) {
	var b strings.Builder
	for _, f := range c.Files {
		b.WriteString(diff.Render(f))
	}
	text, err := o.call(ctx, c, o.cheapModel, summarySystemPrompt,
		summaryPrompt(c.Title, c.Body, clip(b.String(), summaryDiffLimit)))
	if err != nil {
		if errors.Is(err, ErrBudgetExhausted) {
			o.noteBudget(c, "summary")
		} else {
			o.logger.Warn("summary stage failed", "error", err)
		}
		c.Summary = Summary{Prose: "Automated review of this change.", RiskLevel: "low"}
		return
	}
	c.Summary = ParseSummary(text)
}

// reviewUnit is one S2/S4 work item: a whole file or a single hunk.
type reviewUnit struct {
	file      diff.FileDiff
	hunk      *diff.Hunk
	fileLevel bool
}

// DefectStage (S2) fans out over reviewable files: security-sensitive or
// hunk-heavy files get file-level review with the capable model, everything
// else gets hunk-level review with the cheap model. A failure on one unit
// does not impair the others.
func (o *Orchestrator) DefectStage(ctx context.Context, c *Context) {
	var units []reviewUnit
	for _, f := range c.Files {
		if f.Binary || f.Status == diff.StatusRemoved || len(f.Hunks) == 0 {
			continue
		}
		if securitySensitive(f.Path) || len(f.Hunks) > fileLevelHunkThreshold {
			units = append(units, reviewUnit{file: f, fileLevel: true})
			continue
		}
		for i := range f.Hunks {
			units = append(units, reviewUnit{file: f, hunk: &f.Hunks[i]})
		}
	}
	o.runUnits(ctx, c, units, "s2", defectSystemPrompt, "")
}

// StyleStage (S4) runs the cheap model per hunk, then drops findings that
// overlap an S2 finding on the same file within three lines.
func (o *Orchestrator) StyleStage(ctx context.Context, c *Context) {
	if !c.Config.StyleEnabled() {
		return
	}
	var units []reviewUnit
	for _, f := range c.Files {
		if f.Binary || f.Status == diff.StatusRemoved || len(f.Hunks) == 0 {
			continue
		}
		for i := range f.Hunks {
			units = append(units, reviewUnit{file: f, hunk: &f.Hunks[i]})
		}
	}
	o.runUnits(ctx, c, units, "s4", styleSystemPrompt, c.Config.Review.CustomGuidelines)

	c.SetFindings(dropOverlappingStyle(c.Findings()))
}

// runUnits executes review units with bounded concurrency, parsing each
// response into findings. Budget exhaustion stops scheduling new units but
// keeps completed findings.
func (o *Orchestrator) runUnits(ctx context.Context, c *Context, units []reviewUnit, stage, system, guidelines string) {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(maxConcurrentCalls)

	for _, u := range units {
		u := u
		if Cancelled(gctx) {
			break
		}
		if !c.Allow() {
			o.noteBudget(c, stage)
			break
		}
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			model := o.cheapModel
			var prompt string
			if u.fileLevel {
				model = o.strongModel
				prompt = fileReviewPrompt(c, u.file, guidelines)
			} else {
				prompt = hunkReviewPrompt(c, u.file, *u.hunk, guidelines)
			}

			text, err := o.call(gctx, c, model, system, prompt)
			if err != nil {
				if errors.Is(err, ErrBudgetExhausted) {
					o.noteBudget(c, stage)
				} else {
					o.logger.Warn("review unit failed", "stage", stage, "path", u.file.Path, "error", err)
				}
				return nil
			}
			findings, err := ParseFindings(text, stage)
			if err != nil {
				o.logger.Warn("unparseable unit response", "stage", stage, "path", u.file.Path, "error", err)
				return nil
			}
			// The model may attribute findings to the wrong path when given
			// a single file; pin them.
			for i := range findings {
				findings[i].FilePath = u.file.Path
			}
			c.AddFindings(findings...)
			return nil
		})
	}
	_ = g.Wait()
}

// CallSite is one location that invokes a changed symbol, supplied by the
// symbol-graph or vector collaborator.
type CallSite struct {
	FilePath string
	Line     int
	Snippet  string
}

// CallSiteFinder locates call sites of changed symbols. The symbol graph is
// preferred; the vector index is the fallback.
type CallSiteFinder interface {
	FindCallSites(ctx context.Context, repoID int64, symbol string) ([]CallSite, error)
}

// symbolChange records a signature change detected in the diff.
type symbolChange struct {
	Symbol string
	File   diff.FileDiff
	Line   int // first added line of the changed definition
}

var signatureRes = map[string]*regexp.Regexp{
	"go":         regexp.MustCompile(`^func\s+(?:\([^)]+\)\s+)?([A-Za-z_]\w*)\(`),
	"python":     regexp.MustCompile(`^\s*def\s+([A-Za-z_]\w*)\(`),
	"javascript": regexp.MustCompile(`^\s*(?:export\s+)?function\s+([A-Za-z_$][\w$]*)\(`),
	"typescript": regexp.MustCompile(`^\s*(?:export\s+)?function\s+([A-Za-z_$][\w$]*)\(`),
}

// detectSignatureChanges flags symbols whose definition line was both
// removed and re-added with different text in one hunk.
func detectSignatureChanges(files []diff.FileDiff) []symbolChange {
	var out []symbolChange
	for _, f := range files {
		re, ok := signatureRes[f.Language]
		if !ok {
			continue
		}
		for _, h := range f.Hunks {
			removed := make(map[string]string) // symbol → line text
			for _, l := range h.Lines {
				if l.Kind == diff.LineRemoved {
					if m := re.FindStringSubmatch(l.Content); m != nil {
						removed[m[1]] = l.Content
					}
				}
			}
			for _, l := range h.Lines {
				if l.Kind != diff.LineAdded {
					continue
				}
				m := re.FindStringSubmatch(l.Content)
				if m == nil {
					continue
				}
				if old, ok := removed[m[1]]; ok && old != l.Content {
					out = append(out, symbolChange{Symbol: m[1], File: f, Line: l.NewLine})
				}
			}
		}
	}
	return out
}

// CrossFileStage (S3) runs only when stage-1 risk is elevated or a
// signature change was detected. Each call site found by the collaborator
// gets one capable-model assessment; a breaking verdict becomes a finding
// anchored at the changed definition.
func (o *Orchestrator) CrossFileStage(ctx context.Context, c *Context) {
	changes := detectSignatureChanges(c.Files)
	if c.Summary.RiskLevel == "low" && len(changes) == 0 {
		return
	}

	finder := o.symbolGraph
	if finder == nil {
		finder = o.vectorSearch
	}
	if finder == nil {
		return
	}

	for _, change := range changes {
		if Cancelled(ctx) || !c.Allow() {
			return
		}
		sites, err := finder.FindCallSites(ctx, c.Task.RepoID, change.Symbol)
		if err != nil {
			o.logger.Warn("call-site lookup failed", "symbol", change.Symbol, "error", err)
			continue
		}
		for _, site := range sites {
			if Cancelled(ctx) || !c.Allow() {
				return
			}
			text, err := o.call(ctx, c, o.strongModel, defectSystemPrompt, callSitePrompt(change.Symbol, site, change.File))
			if err != nil {
				if errors.Is(err, ErrBudgetExhausted) {
					o.noteBudget(c, "s3")
					return
				}
				o.logger.Warn("call-site assessment failed", "symbol", change.Symbol, "error", err)
				continue
			}
			verdict, err := ParseBreakage(text)
			if err != nil || !verdict.Breaks {
				continue
			}
			body := verdict.Body
			if site.FilePath != "" {
				body = fmt.Sprintf("%s\n\nAffected call site: `%s` line %d.", verdict.Body, site.FilePath, site.Line)
			}
			c.AddFindings(Finding{
				FilePath:   change.File.Path,
				LineStart:  change.Line,
				LineEnd:    change.Line,
				Severity:   "high",
				Category:   "breaking-change",
				Title:      verdict.Title,
				Body:       body,
				Confidence: verdict.Confidence,
				Stage:      "s3",
			})
		}
	}
}

// securitySensitivePathMarkers route files to file-level review with the
// capable model.
var securitySensitivePathMarkers = []string{
	"auth", "security", "crypto", "secret", "token", "password", "session", "payment",
}

func securitySensitive(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range securitySensitivePathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// dropOverlappingStyle removes S4 findings overlapping an S2 finding on the
// same file within three lines; the defect finding wins.
func dropOverlappingStyle(findings []Finding) []Finding {
	var defects []Finding
	for _, f := range findings {
		if f.Stage == "s2" {
			defects = append(defects, f)
		}
	}
	out := findings[:0]
	for _, f := range findings {
		if f.Stage == "s4" && overlapsAny(f, defects, 3) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func overlapsAny(f Finding, others []Finding, slack int) bool {
	for _, o := range others {
		if o.FilePath != f.FilePath {
			continue
		}
		if f.LineStart <= o.LineEnd+slack && o.LineStart <= f.LineEnd+slack {
			return true
		}
	}
	return false
}

