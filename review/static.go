package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pullsentry/pullsentry/diff"
)

// analyzerTimeout bounds one external analyzer subprocess.
const analyzerTimeout = 30 * time.Second

// Analyzer describes one external static-analysis tool. Args receive the
// target file path appended. Output is read from stdout and stderr combined.
type Analyzer struct {
	Language string
	Command  string
	Args     []string
	// Parse converts the tool's output into findings for the given path.
	Parse func(path string, output []byte) []Finding
}

// defaultAnalyzers maps languages to the analyzers S0 runs. The set is
// intentionally small; a missing binary just skips the file.
var defaultAnalyzers = []Analyzer{
	{
		Language: "go",
		Command:  "go",
		Args:     []string{"vet", "-json"},
		Parse:    parseGoVet,
	},
	{
		Language: "python",
		Command:  "ruff",
		Args:     []string{"check", "--output-format", "json", "--exit-zero"},
		Parse:    parseRuff,
	},
}

// StaticStage runs the stage-0 analyzers: each reviewable file's head
// content is written to an isolated per-review directory, the
// language-appropriate tool runs under a strict time limit, and findings
// outside the changed hunks are discarded. A failing analyzer is logged and
// skipped; the stage never aborts the pipeline.
func StaticStage(ctx context.Context, c *Context, logger *slog.Logger) {
	dir, err := os.MkdirTemp("", "psreview-*")
	if err != nil {
		logger.Warn("static analysis skipped, temp dir failed", "error", err)
		return
	}
	defer os.RemoveAll(dir)

	byLanguage := make(map[string][]diff.FileDiff)
	for _, f := range c.Files {
		if f.Language != "" && c.Contents[f.Path] != "" {
			byLanguage[f.Language] = append(byLanguage[f.Language], f)
		}
	}

	for _, analyzer := range defaultAnalyzers {
		files := byLanguage[analyzer.Language]
		if len(files) == 0 {
			continue
		}
		for _, f := range files {
			if Cancelled(ctx) {
				return
			}
			findings := runAnalyzer(ctx, analyzer, dir, f.Path, c.Contents[f.Path], logger)
			findings = keepInsideHunks(findings, f)
			if len(findings) > 0 {
				c.AddFindings(findings...)
			}
		}
	}
}

// runAnalyzer writes content under the isolation dir and executes one tool
// against it.
func runAnalyzer(ctx context.Context, a Analyzer, dir, path, content string, logger *slog.Logger) []Finding {
	target := filepath.Join(dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		logger.Warn("analyzer skipped", "path", path, "error", err)
		return nil
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		logger.Warn("analyzer skipped", "path", path, "error", err)
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, analyzerTimeout)
	defer cancel()

	args := append(append([]string{}, a.Args...), target)
	cmd := exec.CommandContext(runCtx, a.Command, args...)
	cmd.Dir = dir
	// Some tools (go vet among them) emit diagnostics on stderr.
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		// Non-zero exit is normal for linters with findings; only log when
		// there is no output to parse.
		if out.Len() == 0 {
			logger.Warn("analyzer failed", "tool", a.Command, "path", path, "error", err)
			return nil
		}
	}

	return a.Parse(path, out.Bytes())
}

// keepInsideHunks drops analyzer findings whose line falls outside the
// changed hunks: pre-existing issues are not this PR's problem.
func keepInsideHunks(findings []Finding, f diff.FileDiff) []Finding {
	positions := diff.LineToPosition(f)
	var out []Finding
	for _, finding := range findings {
		if _, ok := positions[finding.LineStart]; ok {
			out = append(out, finding)
		}
	}
	return out
}

// parseGoVet parses `go vet -json` output.
func parseGoVet(path string, output []byte) []Finding {
	// vet emits one JSON object per package keyed by analyzer name.
	var payload map[string]map[string][]struct {
		Posn    string `json:"posn"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(output, &payload); err != nil {
		return nil
	}
	var out []Finding
	for _, analyzers := range payload {
		for name, diags := range analyzers {
			for _, d := range diags {
				line := lineFromPosn(d.Posn)
				if line == 0 {
					continue
				}
				out = append(out, Finding{
					FilePath:   path,
					LineStart:  line,
					LineEnd:    line,
					Severity:   "medium",
					Category:   "defect",
					Title:      "go vet: " + name,
					Body:       d.Message,
					Confidence: 0.9,
					Stage:      "s0",
				})
			}
		}
	}
	return out
}

// lineFromPosn extracts the line from a "file.go:12:3" position string.
func lineFromPosn(posn string) int {
	parts := strings.Split(posn, ":")
	if len(parts) < 2 {
		return 0
	}
	var line int
	fmt.Sscanf(parts[len(parts)-2], "%d", &line)
	return line
}

// parseRuff parses ruff's JSON diagnostics.
func parseRuff(path string, output []byte) []Finding {
	var diags []struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		Location struct {
			Row int `json:"row"`
		} `json:"location"`
		EndLocation struct {
			Row int `json:"row"`
		} `json:"end_location"`
	}
	if err := json.Unmarshal(output, &diags); err != nil {
		return nil
	}
	var out []Finding
	for _, d := range diags {
		if d.Location.Row == 0 {
			continue
		}
		end := d.EndLocation.Row
		if end < d.Location.Row {
			end = d.Location.Row
		}
		out = append(out, Finding{
			FilePath:   path,
			LineStart:  d.Location.Row,
			LineEnd:    end,
			Severity:   "low",
			Category:   "defect",
			Title:      "ruff: " + d.Code,
			Body:       d.Message,
			Confidence: 0.9,
			Stage:      "s0",
		})
	}
	return out
}
