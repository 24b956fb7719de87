package review

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pullsentry/pullsentry/config"
)

const (
	// maxFindings caps the posted set, by severity order.
	maxFindings = 25

	// pareTrigger invokes the cheap-model pare pass when more findings
	// survive the rule-based phase.
	pareTrigger = 15
)

// SynthesisStage (S5) runs the two dedup phases: a rule-based pass (group by
// file and overlapping range, keep the best, apply threshold and cap), then
// an optional cheap-model pare when the survivor count is still high. The
// result replaces the accumulated findings, sorted by severity, file, line.
func (o *Orchestrator) SynthesisStage(ctx context.Context, c *Context) {
	findings := Dedupe(c.Findings(), c.Positions, c.Config.Review.SeverityThreshold)

	if len(findings) > pareTrigger && c.Allow() && !Cancelled(ctx) {
		text, err := o.call(ctx, c, o.cheapModel, "", parePrompt(findings, pareTrigger))
		if err != nil {
			if errors.Is(err, ErrBudgetExhausted) {
				o.noteBudget(c, "s5")
			} else {
				o.logger.Warn("pare pass failed, keeping rule-based set", "error", err)
			}
		} else if keep, err := ParseKeepIndexes(text, len(findings)); err == nil && len(keep) > 0 {
			var pared []Finding
			for i, f := range findings {
				if keep[i] {
					pared = append(pared, f)
				}
			}
			findings = pared
		}
	}

	sortFindings(findings)
	c.SetFindings(findings)
}

// Dedupe is the rule-based phase: resolve diff positions, drop findings with
// no position or below the severity threshold, collapse overlapping groups
// keeping the highest (severity, confidence), and cap the set.
func Dedupe(findings []Finding, positions map[string]map[int]int, threshold string) []Finding {
	thresholdRank := config.SeverityRank(threshold)

	var eligible []Finding
	for _, f := range findings {
		posMap, ok := positions[f.FilePath]
		if !ok {
			continue
		}
		endPos, okEnd := posMap[f.LineEnd]
		if !okEnd {
			continue
		}
		if config.SeverityRank(f.Severity) > thresholdRank {
			continue
		}
		f.Position = endPos
		if f.LineStart != f.LineEnd {
			if startPos, okStart := posMap[f.LineStart]; okStart {
				f.StartPosition = startPos
			} else {
				// Collapse to a single-line comment rather than guessing.
				f.LineStart = f.LineEnd
			}
		}
		eligible = append(eligible, f)
	}

	// Collapse overlapping findings on the same file; the best survivor
	// keeps its group.
	sortFindings(eligible)
	var out []Finding
	for _, f := range eligible {
		if overlapsAny(f, out, 0) {
			continue
		}
		out = append(out, f)
	}

	if len(out) > maxFindings {
		out = out[:maxFindings]
	}
	return out
}

// sortFindings orders by severity rank, then confidence (descending), then
// file and line.
func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		ri, rj := config.SeverityRank(findings[i].Severity), config.SeverityRank(findings[j].Severity)
		if ri != rj {
			return ri < rj
		}
		if findings[i].Confidence != findings[j].Confidence {
			return findings[i].Confidence > findings[j].Confidence
		}
		if findings[i].FilePath != findings[j].FilePath {
			return findings[i].FilePath < findings[j].FilePath
		}
		return findings[i].LineStart < findings[j].LineStart
	})
}

// FormatFindingBody renders the posted comment body for a finding.
func FormatFindingBody(f Finding) string {
	body := f.Body
	if f.Title != "" {
		body = fmt.Sprintf("**%s**\n\n%s", f.Title, f.Body)
	}
	switch f.Severity {
	case "critical", "high":
		body = fmt.Sprintf("[%s] %s", f.Severity, body)
	}
	if f.Suggestion != "" {
		body += fmt.Sprintf("\n\n```suggestion\n%s\n```", f.Suggestion)
	}
	return body
}
