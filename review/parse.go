package review

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rawFinding is the wire shape the model is asked to produce.
type rawFinding struct {
	File       string  `json:"file"`
	LineStart  int     `json:"line_start"`
	LineEnd    int     `json:"line_end"`
	Severity   string  `json:"severity"`
	Category   string  `json:"category"`
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	Suggestion string  `json:"suggestion,omitempty"`
	Confidence float64 `json:"confidence"`
}

var validSeverities = map[string]bool{
	"critical": true, "high": true, "medium": true, "low": true, "info": true,
}

var validCategories = map[string]bool{
	"defect": true, "security": true, "style": true,
	"performance": true, "docs": true, "breaking-change": true,
}

// cleanResponse strips markdown code fences the model sometimes wraps JSON
// in.
func cleanResponse(response string) string {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "```json") {
		response = strings.TrimPrefix(response, "```json")
	} else if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
	}
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}

// ParseFindings parses a model response into findings, normalizing severity
// and category and dropping entries that fail basic validation. The stage
// label is attached for the dedup pass.
func ParseFindings(response, stage string) ([]Finding, error) {
	cleaned := cleanResponse(response)
	if cleaned == "" {
		return nil, nil
	}

	var raw []rawFinding
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse findings response: %w", err)
	}

	var out []Finding
	for _, r := range raw {
		if r.File == "" || r.LineStart <= 0 {
			continue
		}
		if r.LineEnd < r.LineStart {
			r.LineEnd = r.LineStart
		}
		if !validSeverities[r.Severity] {
			r.Severity = "medium"
		}
		if !validCategories[r.Category] {
			r.Category = "defect"
		}
		if r.Confidence <= 0 || r.Confidence > 1 {
			r.Confidence = 0.5
		}
		if r.Body == "" {
			continue
		}
		out = append(out, Finding{
			FilePath:   r.File,
			LineStart:  r.LineStart,
			LineEnd:    r.LineEnd,
			Severity:   r.Severity,
			Category:   r.Category,
			Title:      r.Title,
			Body:       r.Body,
			Suggestion: r.Suggestion,
			Confidence: r.Confidence,
			Stage:      stage,
		})
	}
	return out, nil
}

// parsedSummary is the wire shape of the stage-1 response.
type parsedSummary struct {
	Summary string `json:"summary"`
	Risk    string `json:"risk"`
}

// ParseSummary parses the stage-1 response. Malformed responses degrade to
// the raw text with low risk rather than failing the stage.
func ParseSummary(response string) Summary {
	cleaned := cleanResponse(response)
	var p parsedSummary
	if err := json.Unmarshal([]byte(cleaned), &p); err != nil || p.Summary == "" {
		return Summary{Prose: cleaned, RiskLevel: "low"}
	}
	switch p.Risk {
	case "low", "medium", "high":
	default:
		p.Risk = "low"
	}
	return Summary{Prose: p.Summary, RiskLevel: p.Risk}
}

// Breakage is one call-site assessment from the cross-file stage.
type Breakage struct {
	Breaks     bool    `json:"breaks"`
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	Confidence float64 `json:"confidence"`
}

// ParseBreakage parses a cross-file assessment response.
func ParseBreakage(response string) (Breakage, error) {
	var p Breakage
	if err := json.Unmarshal([]byte(cleanResponse(response)), &p); err != nil {
		return p, fmt.Errorf("failed to parse breakage response: %w", err)
	}
	return p, nil
}

// ParseKeepIndexes parses the S5 pare response into a kept-index set.
func ParseKeepIndexes(response string, n int) (map[int]bool, error) {
	var idx []int
	if err := json.Unmarshal([]byte(cleanResponse(response)), &idx); err != nil {
		return nil, fmt.Errorf("failed to parse pare response: %w", err)
	}
	keep := make(map[int]bool, len(idx))
	for _, i := range idx {
		if i >= 0 && i < n {
			keep[i] = true
		}
	}
	return keep, nil
}

// ParseIntent normalizes an intent-classification response.
func ParseIntent(response string) string {
	word := strings.ToLower(strings.TrimSpace(cleanResponse(response)))
	switch word {
	case "fix", "explain", "dismiss", "converse":
		return word
	default:
		return "converse"
	}
}
