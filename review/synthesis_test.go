package review

import (
	"strings"
	"testing"
)

func positionsFor(path string, lines ...int) map[string]map[int]int {
	m := map[string]map[int]int{path: {}}
	for i, l := range lines {
		m[path][l] = i + 2 // arbitrary but distinct positions
	}
	return m
}

func TestDedupeDropsUnanchoredAndBelowThreshold(t *testing.T) {
	positions := positionsFor("a.go", 10, 11, 12)
	findings := []Finding{
		{FilePath: "a.go", LineStart: 10, LineEnd: 10, Severity: "high", Confidence: 0.9, Body: "kept"},
		{FilePath: "a.go", LineStart: 99, LineEnd: 99, Severity: "critical", Confidence: 0.9, Body: "no position"},
		{FilePath: "missing.go", LineStart: 10, LineEnd: 10, Severity: "critical", Confidence: 0.9, Body: "unknown file"},
		{FilePath: "a.go", LineStart: 12, LineEnd: 12, Severity: "info", Confidence: 0.9, Body: "below threshold"},
	}

	out := Dedupe(findings, positions, "medium")
	if len(out) != 1 {
		t.Fatalf("got %d findings, want 1: %+v", len(out), out)
	}
	if out[0].Body != "kept" {
		t.Errorf("survivor = %+v", out[0])
	}
	if out[0].Position == 0 {
		t.Error("survivor has no resolved position")
	}
}

func TestDedupeKeepsHighestOnOverlap(t *testing.T) {
	positions := positionsFor("a.go", 10, 11, 12)
	findings := []Finding{
		{FilePath: "a.go", LineStart: 10, LineEnd: 11, Severity: "low", Confidence: 0.9, Body: "style nit"},
		{FilePath: "a.go", LineStart: 11, LineEnd: 12, Severity: "critical", Confidence: 0.8, Body: "real bug"},
	}

	out := Dedupe(findings, positions, "info")
	if len(out) != 1 {
		t.Fatalf("got %d findings, want 1", len(out))
	}
	if out[0].Severity != "critical" {
		t.Errorf("survivor severity = %q, want critical", out[0].Severity)
	}
}

func TestDedupeCapsBySeverityOrder(t *testing.T) {
	positions := map[string]map[int]int{"a.go": {}}
	var findings []Finding
	for i := 0; i < 40; i++ {
		line := i*10 + 1 // far apart, no overlap
		positions["a.go"][line] = i + 2
		sev := "info"
		if i < 5 {
			sev = "critical"
		}
		findings = append(findings, Finding{
			FilePath: "a.go", LineStart: line, LineEnd: line,
			Severity: sev, Confidence: 0.5, Body: "f",
		})
	}

	out := Dedupe(findings, positions, "info")
	if len(out) != maxFindings {
		t.Fatalf("got %d findings, want cap %d", len(out), maxFindings)
	}
	for i := 0; i < 5; i++ {
		if out[i].Severity != "critical" {
			t.Errorf("finding %d severity = %q, want critical first", i, out[i].Severity)
		}
	}
}

func TestDedupeMultiLineStartPosition(t *testing.T) {
	positions := map[string]map[int]int{"a.go": {10: 4, 11: 5, 12: 6}}
	findings := []Finding{
		{FilePath: "a.go", LineStart: 10, LineEnd: 12, Severity: "high", Confidence: 0.9, Body: "range"},
	}

	out := Dedupe(findings, positions, "info")
	if len(out) != 1 {
		t.Fatalf("got %d", len(out))
	}
	if out[0].StartPosition != 4 || out[0].Position != 6 {
		t.Errorf("positions = %d..%d, want 4..6", out[0].StartPosition, out[0].Position)
	}

	// An unanchorable start collapses to a single-line comment.
	findings[0].LineStart = 9
	out = Dedupe(findings, positions, "info")
	if len(out) != 1 || out[0].LineStart != out[0].LineEnd || out[0].StartPosition != 0 {
		t.Errorf("collapse = %+v", out)
	}
}

func TestSortFindingsOrdering(t *testing.T) {
	findings := []Finding{
		{FilePath: "b.go", LineStart: 5, Severity: "low", Confidence: 0.5},
		{FilePath: "a.go", LineStart: 9, Severity: "critical", Confidence: 0.5},
		{FilePath: "a.go", LineStart: 3, Severity: "critical", Confidence: 0.5},
	}
	sortFindings(findings)
	if findings[0].FilePath != "a.go" || findings[0].LineStart != 3 {
		t.Errorf("order = %+v", findings)
	}
	if findings[2].Severity != "low" {
		t.Errorf("least severe last, got %+v", findings[2])
	}
}

func TestFormatFindingBody(t *testing.T) {
	body := FormatFindingBody(Finding{
		Title:      "Leak",
		Body:       "response body never closed",
		Severity:   "high",
		Suggestion: "defer resp.Body.Close()",
	})
	for _, want := range []string{"[high]", "**Leak**", "```suggestion", "defer resp.Body.Close()"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}

	plain := FormatFindingBody(Finding{Body: "note", Severity: "info"})
	if strings.Contains(plain, "[info]") {
		t.Error("info findings carry no severity tag")
	}
}
