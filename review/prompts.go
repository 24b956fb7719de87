package review

import (
	"fmt"
	"strings"

	"github.com/pullsentry/pullsentry/diff"
)

const findingsFormat = `For each issue found, respond with a JSON array in this exact format, and nothing else:

[
  {
    "file": "path/to/file.go",
    "line_start": 42,
    "line_end": 42,
    "severity": "high",
    "category": "defect",
    "title": "short issue title",
    "body": "explanation of the issue and how to fix it",
    "suggestion": "optional replacement code for the flagged lines",
    "confidence": 0.9
  }
]

severity is one of: critical, high, medium, low, info.
category is one of: defect, security, style, performance, docs, breaking-change.
line_start and line_end are new-file line numbers and must lie inside the changed hunks shown.
Return [] when there is nothing worth raising.`

const defectSystemPrompt = `You are an expert code reviewer examining a pull request for defects.

Focus on:
- Bugs and logic errors
- Security vulnerabilities
- Data races and concurrency mistakes
- Resource leaks and error-handling gaps
- Performance problems with real impact

Do NOT comment on style, formatting, or naming. Only flag lines that appear
in the diff. Be concise and specific.`

const styleSystemPrompt = `You are a code reviewer examining a pull request for style and convention
issues only: naming, idiom, dead code, missing documentation on exported
surfaces, inconsistency with the surrounding file. Skip anything a formatter
would fix. Only flag lines that appear in the diff.`

const summarySystemPrompt = `You are a code reviewer summarizing a pull request before detailed review.`

// summaryPrompt asks the cheap model for a structured summary plus a risk
// level.
func summaryPrompt(title, body, diffText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize this pull request.\n\n**Title:** %s\n\n", title)
	if body != "" {
		fmt.Fprintf(&b, "**Description:**\n%s\n\n", body)
	}
	b.WriteString(`Respond with JSON in this exact format and nothing else:

{
  "summary": "2-4 sentences: what the change does and anything reviewers should know",
  "risk": "low"
}

risk is one of: low, medium, high. Elevate risk for changes to public
interfaces, authentication, data handling, or concurrency.

`)
	fmt.Fprintf(&b, "```diff\n%s\n```\n", diffText)
	return b.String()
}

// fileReviewPrompt builds the S2 file-level prompt: the whole file's hunks
// plus its full content when available.
func fileReviewPrompt(c *Context, f diff.FileDiff, guidelines string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the changes to `%s`", f.Path)
	if f.Language != "" {
		fmt.Fprintf(&b, " (%s)", f.Language)
	}
	b.WriteString(".\n\n")
	if c.Summary.Prose != "" {
		fmt.Fprintf(&b, "PR summary: %s\n\n", c.Summary.Prose)
	}
	if guidelines != "" {
		fmt.Fprintf(&b, "Repository guidelines:\n%s\n\n", guidelines)
	}
	fmt.Fprintf(&b, "```diff\n%s```\n\n", diff.Render(f))
	if content, ok := c.Contents[f.Path]; ok && content != "" {
		fmt.Fprintf(&b, "Full file content at the PR head:\n```\n%s\n```\n\n", clip(content, 30000))
	}
	b.WriteString(findingsFormat)
	return b.String()
}

// hunkReviewPrompt builds the S2/S4 hunk-level prompt.
func hunkReviewPrompt(c *Context, f diff.FileDiff, h diff.Hunk, guidelines string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review this change to `%s`", f.Path)
	if h.Section != "" {
		fmt.Fprintf(&b, " (in %s)", h.Section)
	}
	b.WriteString(".\n\n")
	if guidelines != "" {
		fmt.Fprintf(&b, "Repository guidelines:\n%s\n\n", guidelines)
	}
	b.WriteString("```diff\n")
	b.WriteString(h.Header + "\n")
	for _, l := range h.Lines {
		switch l.Kind {
		case diff.LineAdded:
			b.WriteString("+" + l.Content + "\n")
		case diff.LineRemoved:
			b.WriteString("-" + l.Content + "\n")
		default:
			b.WriteString(" " + l.Content + "\n")
		}
	}
	b.WriteString("```\n\n")
	b.WriteString(findingsFormat)
	return b.String()
}

// callSitePrompt asks whether a changed symbol breaks one call site.
func callSitePrompt(symbol string, site CallSite, f diff.FileDiff) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The signature of `%s` changed in `%s`:\n\n```diff\n%s```\n\n", symbol, f.Path, diff.Render(f))
	fmt.Fprintf(&b, "This call site may be affected:\n\nFile: `%s`, line %d\n```\n%s\n```\n\n", site.FilePath, site.Line, site.Snippet)
	b.WriteString(`Does the change break this call site? Respond with JSON and nothing else:

{"breaks": true, "title": "short title", "body": "what breaks and why", "confidence": 0.8}

Respond {"breaks": false} when the call site is unaffected.`)
	return b.String()
}

// parePrompt asks the cheap model to cut a finding list down to the ones
// worth a human's attention.
func parePrompt(findings []Finding, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "These %d code review findings survived rule-based deduplication. Keep at most %d: the ones a maintainer would genuinely act on. Drop near-duplicates and speculative nitpicks.\n\n", len(findings), max)
	b.WriteString("Findings (index, file, lines, severity, title):\n")
	for i, f := range findings {
		fmt.Fprintf(&b, "%d. %s:%d-%d [%s/%s] %s\n", i, f.FilePath, f.LineStart, f.LineEnd, f.Severity, f.Category, f.Title)
	}
	b.WriteString("\nRespond with a JSON array of the indexes to KEEP, e.g. [0,2,5], and nothing else.")
	return b.String()
}

// replySystemPrompt frames conversation-thread answers.
const replySystemPrompt = `You are a code review assistant replying inside a pull request comment
thread. Be direct and helpful. When asked for a fix, produce a concrete
replacement using GitHub suggestion syntax. When asked to explain, explain
the original finding in plain terms. Keep replies short.`

// replyPrompt builds the conversation prompt from the thread state.
func replyPrompt(threadFinding, filePath string, line int, pinnedContent, currentContent string, history []string, userMessage string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original review finding on `%s` line %d:\n%s\n\n", filePath, line, threadFinding)
	if pinnedContent != "" {
		fmt.Fprintf(&b, "File content when the finding was posted:\n```\n%s\n```\n\n", clip(pinnedContent, 8000))
	}
	if currentContent != "" && currentContent != pinnedContent {
		fmt.Fprintf(&b, "Current file content at the PR head (use THIS for any suggested edits):\n```\n%s\n```\n\n", clip(currentContent, 8000))
	}
	if len(history) > 0 {
		b.WriteString("Thread so far:\n")
		for _, h := range history {
			b.WriteString(h + "\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "User's message:\n%s\n", userMessage)
	return b.String()
}

// intentPrompt classifies an ambiguous reply.
func intentPrompt(message string) string {
	return fmt.Sprintf(`Classify the intent of this reply to a code review comment into exactly one
of: fix, explain, dismiss, converse.

Reply text:
%s

Respond with the single word only.`, message)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
