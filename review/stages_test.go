package review

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/pullsentry/pullsentry/config"
	"github.com/pullsentry/pullsentry/diff"
	"github.com/pullsentry/pullsentry/llm"
	"github.com/pullsentry/pullsentry/queue"
)

// fakeCompleter returns canned responses and counts calls.
type fakeCompleter struct {
	response string
	cost     float64
	calls    atomic.Int64
}

func (f *fakeCompleter) Complete(_ context.Context, model, system, prompt string) (*llm.Result, error) {
	f.calls.Add(1)
	return &llm.Result{Text: f.response, Cost: f.cost}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOrchestrator(completer llm.Completer, ceiling float64) *Orchestrator {
	return NewOrchestrator(nil, completer, nil, nil, "cheap-model", "strong-model", ceiling, quietLogger())
}

func testReviewContext(ceiling float64) *Context {
	task := &queue.Task{RepoID: 42, PRNumber: 7, Owner: "org", Repo: "repo", HeadSHA: "abc"}
	c := NewContext(task, config.DefaultRepoConfig(), ceiling)
	files := diff.Parse(`diff --git a/src/a.py b/src/a.py
--- a/src/a.py
+++ b/src/a.py
@@ -8,3 +8,4 @@
 line8
+line9
 line10
 line11
`)
	c.Files = files
	for _, f := range files {
		c.Positions[f.Path] = diff.LineToPosition(f)
	}
	return c
}

func TestCostCeilingTruncatesStages(t *testing.T) {
	fake := &fakeCompleter{response: "[]", cost: 0.02}
	o := testOrchestrator(fake, 0.01)
	c := testReviewContext(0.01)

	o.SummaryStage(context.Background(), c)
	o.DefectStage(context.Background(), c)
	o.StyleStage(context.Background(), c)

	// The first call exhausts the 0.01 budget; later stages refuse to call.
	if got := fake.calls.Load(); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
	if c.Cost() > 0.01+0.02 {
		t.Errorf("cost %v exceeds ceiling plus one call", c.Cost())
	}

	found := false
	for _, n := range c.Notes() {
		if len(n) > 0 {
			found = true
		}
	}
	if !found {
		t.Error("expected a truncation note")
	}
}

func TestCostIsMonotonic(t *testing.T) {
	c := testReviewContext(1.0)
	c.AddCost(0.1)
	c.AddCost(-5)
	c.AddCost(0.2)
	if got := c.Cost(); got < 0.29 || got > 0.31 {
		t.Errorf("Cost() = %v, want ~0.3 (negative ignored)", got)
	}
}

func TestSummaryStageAttachesSummary(t *testing.T) {
	fake := &fakeCompleter{response: `{"summary": "Adds a line.", "risk": "high"}`, cost: 0.001}
	o := testOrchestrator(fake, 1.0)
	c := testReviewContext(1.0)

	o.SummaryStage(context.Background(), c)
	if c.Summary.Prose != "Adds a line." || c.Summary.RiskLevel != "high" {
		t.Errorf("Summary = %+v", c.Summary)
	}
}

func TestDefectStagePinsFilePath(t *testing.T) {
	fake := &fakeCompleter{
		response: `[{"file": "totally/wrong.py", "line_start": 9, "line_end": 9, "severity": "high", "category": "defect", "title": "t", "body": "b", "confidence": 0.9}]`,
		cost:     0.001,
	}
	o := testOrchestrator(fake, 1.0)
	c := testReviewContext(1.0)

	o.DefectStage(context.Background(), c)
	findings := c.Findings()
	if len(findings) != 1 {
		t.Fatalf("got %d findings", len(findings))
	}
	if findings[0].FilePath != "src/a.py" {
		t.Errorf("FilePath = %q, want pinned to reviewed file", findings[0].FilePath)
	}
}

func TestSecuritySensitiveRouting(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"internal/auth/middleware.go", true},
		{"pkg/crypto/sign.go", true},
		{"src/tokens.py", true},
		{"web/components/button.tsx", false},
		{"docs/architecture.go", false},
	}
	for _, tt := range tests {
		if got := securitySensitive(tt.path); got != tt.want {
			t.Errorf("securitySensitive(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestDetectSignatureChanges(t *testing.T) {
	files := diff.Parse(`diff --git a/svc.go b/svc.go
--- a/svc.go
+++ b/svc.go
@@ -10,3 +10,3 @@
 // Fetch loads a record.
-func Fetch(id int) (*Record, error) {
+func Fetch(ctx context.Context, id int) (*Record, error) {
 	return nil, nil
`)
	changes := detectSignatureChanges(files)
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if changes[0].Symbol != "Fetch" {
		t.Errorf("symbol = %q, want Fetch", changes[0].Symbol)
	}

	// An unchanged re-added line is not a signature change.
	same := diff.Parse(`diff --git a/svc.go b/svc.go
--- a/svc.go
+++ b/svc.go
@@ -10,2 +10,2 @@
-func Fetch(id int) error {
+func Fetch(id int) error {
 	return nil
`)
	if got := detectSignatureChanges(same); len(got) != 0 {
		t.Errorf("identical definition flagged: %+v", got)
	}
}

func TestDropOverlappingStyle(t *testing.T) {
	findings := []Finding{
		{FilePath: "a.go", LineStart: 10, LineEnd: 10, Stage: "s2", Body: "defect"},
		{FilePath: "a.go", LineStart: 12, LineEnd: 12, Stage: "s4", Body: "style within 3"},
		{FilePath: "a.go", LineStart: 30, LineEnd: 30, Stage: "s4", Body: "style far away"},
		{FilePath: "b.go", LineStart: 10, LineEnd: 10, Stage: "s4", Body: "other file"},
	}
	out := dropOverlappingStyle(findings)
	if len(out) != 3 {
		t.Fatalf("got %d findings, want 3", len(out))
	}
	for _, f := range out {
		if f.Body == "style within 3" {
			t.Error("overlapping style finding survived")
		}
	}
}

// stubFinder returns fixed call sites.
type stubFinder struct{ sites []CallSite }

func (s *stubFinder) FindCallSites(_ context.Context, _ int64, _ string) ([]CallSite, error) {
	return s.sites, nil
}

func TestCrossFileStageSkipsWhenLowRiskAndNoChanges(t *testing.T) {
	fake := &fakeCompleter{response: `{"breaks": false}`, cost: 0.001}
	o := testOrchestrator(fake, 1.0)
	o.SetSymbolGraph(&stubFinder{sites: []CallSite{{FilePath: "x.go", Line: 3}}})

	c := testReviewContext(1.0)
	c.Summary.RiskLevel = "low"
	o.CrossFileStage(context.Background(), c)
	if fake.calls.Load() != 0 {
		t.Errorf("cross-file ran despite low risk and no signature changes")
	}
}

func TestCrossFileStageProducesBreakingFinding(t *testing.T) {
	fake := &fakeCompleter{
		response: `{"breaks": true, "title": "caller not updated", "body": "arity changed", "confidence": 0.9}`,
		cost:     0.001,
	}
	o := testOrchestrator(fake, 1.0)
	o.SetSymbolGraph(&stubFinder{sites: []CallSite{{FilePath: "caller.go", Line: 20, Snippet: "Fetch(7)"}}})

	c := testReviewContext(1.0)
	c.Files = diff.Parse(`diff --git a/svc.go b/svc.go
--- a/svc.go
+++ b/svc.go
@@ -10,2 +10,2 @@
-func Fetch(id int) error {
+func Fetch(ctx context.Context, id int) error {
 	return nil
`)
	o.CrossFileStage(context.Background(), c)

	findings := c.Findings()
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	if findings[0].Category != "breaking-change" || findings[0].Stage != "s3" {
		t.Errorf("finding = %+v", findings[0])
	}
}
