// Package diff parses unified diffs into structured file/hunk/line records
// and computes, for every commentable line, the diff-position coordinate the
// GitHub review API requires. The position counter is the load-bearing part:
// a comment posted at a wrong position is rejected with an unrecoverable 422.
package diff

import (
	"regexp"
	"strconv"
	"strings"
)

// LineKind classifies a line within a hunk.
type LineKind string

const (
	LineAdded   LineKind = "added"
	LineRemoved LineKind = "removed"
	LineContext LineKind = "context"
)

// FileStatus describes what happened to a file in the diff.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusRemoved  FileStatus = "removed"
	StatusRenamed  FileStatus = "renamed"
)

// Line is a single line within a diff hunk.
//
// Position is GitHub's 1-indexed counter within one file's slice of the diff:
// the @@ header of the first hunk is position 1, and every subsequent line
// (context, added, removed) increments it by one. Positions are cumulative
// across hunks of the same file and reset at each file header.
type Line struct {
	Content  string   `json:"content"`
	Kind     LineKind `json:"kind"`
	OldLine  int      `json:"old_line,omitempty"` // 0 for added lines
	NewLine  int      `json:"new_line,omitempty"` // 0 for removed lines
	Position int      `json:"position"`
}

// Hunk is one @@-block of a file diff.
type Hunk struct {
	OldStart int    `json:"old_start"`
	OldCount int    `json:"old_count"`
	NewStart int    `json:"new_start"`
	NewCount int    `json:"new_count"`
	Header   string `json:"header"`
	// Section is the optional enclosing-symbol label from the hunk header's
	// trailing text, e.g. "func (c *Client) Do" — empty if absent.
	Section string `json:"section,omitempty"`
	Lines   []Line `json:"lines"`
}

// FileDiff is a complete per-file diff with all hunks parsed.
type FileDiff struct {
	Path      string     `json:"path"`               // new path (after rename)
	OldPath   string     `json:"old_path,omitempty"` // set only when renamed
	Status    FileStatus `json:"status"`
	Language  string     `json:"language,omitempty"` // empty when unknown
	Binary    bool       `json:"binary,omitempty"`
	Hunks     []Hunk     `json:"hunks,omitempty"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
}

// hunkHeaderRe matches "@@ -10,5 +10,7 @@ optional section text".
var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)

var fileHeaderRe = regexp.MustCompile(`^diff --git a/(.*) b/(.*)$`)

var newPathRe = regexp.MustCompile(`^\+\+\+ b/(.*)$`)

// Parse converts a unified diff covering one or more files into an ordered
// FileDiff sequence. Empty or whitespace-only input yields an empty slice.
// A file whose hunk headers are malformed is omitted; other files proceed.
func Parse(text string) []FileDiff {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var files []FileDiff
	var cur *FileDiff
	var hunk *Hunk
	var position, oldLine, newLine int
	var broken bool

	flush := func() {
		if cur != nil && !broken {
			files = append(files, *cur)
		}
		cur, hunk, broken = nil, nil, false
	}

	for _, line := range strings.Split(text, "\n") {
		if m := fileHeaderRe.FindStringSubmatch(line); m != nil {
			flush()
			f := FileDiff{Path: m[2], Status: StatusModified, Language: DetectLanguage(m[2])}
			if m[1] != m[2] {
				f.OldPath = m[1]
				f.Status = StatusRenamed
			}
			cur = &f
			position = 0
			continue
		}
		if cur == nil {
			continue
		}

		// Metadata lines appear between the file header and the first hunk.
		if hunk == nil {
			switch {
			case strings.HasPrefix(line, "new file mode"):
				cur.Status = StatusAdded
				continue
			case strings.HasPrefix(line, "deleted file mode"):
				cur.Status = StatusRemoved
				continue
			case strings.HasPrefix(line, "similarity index"), strings.HasPrefix(line, "rename from"):
				cur.Status = StatusRenamed
				continue
			case strings.HasPrefix(line, "rename to"),
				strings.HasPrefix(line, "index "),
				strings.HasPrefix(line, "old mode"),
				strings.HasPrefix(line, "new mode"):
				continue
			case strings.HasPrefix(line, "Binary files"):
				cur.Binary = true
				continue
			case strings.HasPrefix(line, "--- "):
				if line == "--- /dev/null" {
					cur.Status = StatusAdded
				}
				continue
			case strings.HasPrefix(line, "+++ "):
				if line == "+++ /dev/null" {
					cur.Status = StatusRemoved
				} else if m := newPathRe.FindStringSubmatch(line); m != nil && cur.Status != StatusAdded {
					if cur.OldPath == "" && m[1] != cur.Path {
						cur.OldPath = cur.Path
					}
					cur.Path = m[1]
					cur.Language = DetectLanguage(cur.Path)
				}
				continue
			}
		}

		if strings.HasPrefix(line, "@@") {
			m := hunkHeaderRe.FindStringSubmatch(line)
			if m == nil {
				// Malformed range: drop this file, keep parsing the rest.
				broken = true
				hunk = nil
				continue
			}
			oldStart, _ := strconv.Atoi(m[1])
			oldCount := 1
			if m[2] != "" {
				oldCount, _ = strconv.Atoi(m[2])
			}
			newStart, _ := strconv.Atoi(m[3])
			newCount := 1
			if m[4] != "" {
				newCount, _ = strconv.Atoi(m[4])
			}

			// The header itself occupies a position.
			position++
			cur.Hunks = append(cur.Hunks, Hunk{
				OldStart: oldStart,
				OldCount: oldCount,
				NewStart: newStart,
				NewCount: newCount,
				Header:   line,
				Section:  strings.TrimSpace(m[5]),
			})
			hunk = &cur.Hunks[len(cur.Hunks)-1]
			oldLine = oldStart - 1
			newLine = newStart - 1
			continue
		}

		if hunk == nil || broken {
			continue
		}
		if strings.HasPrefix(line, `\ No newline at end of file`) {
			continue
		}
		// A trailing empty split fragment is not a diff line; real context
		// lines always carry a leading space.
		if line == "" {
			continue
		}

		position++
		switch line[0] {
		case '+':
			newLine++
			hunk.Lines = append(hunk.Lines, Line{
				Content:  line[1:],
				Kind:     LineAdded,
				NewLine:  newLine,
				Position: position,
			})
			cur.Additions++
		case '-':
			oldLine++
			hunk.Lines = append(hunk.Lines, Line{
				Content:  line[1:],
				Kind:     LineRemoved,
				OldLine:  oldLine,
				Position: position,
			})
			cur.Deletions++
		default:
			oldLine++
			newLine++
			content := line
			if content[0] == ' ' {
				content = content[1:]
			}
			hunk.Lines = append(hunk.Lines, Line{
				Content:  content,
				Kind:     LineContext,
				OldLine:  oldLine,
				NewLine:  newLine,
				Position: position,
			})
		}
	}
	flush()

	return files
}

// LineToPosition returns the map from new-file line number to diff-position
// for all commentable lines of f. Removed lines have no new-file coordinate
// and never appear.
func LineToPosition(f FileDiff) map[int]int {
	m := make(map[int]int)
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			if l.Kind == LineRemoved {
				continue
			}
			m[l.NewLine] = l.Position
		}
	}
	return m
}

// HunkFor returns the index of the hunk whose new-file range contains line,
// or -1. The new-file range of a hunk spans [NewStart, NewStart+NewCount).
func HunkFor(f FileDiff, line int) int {
	for i, h := range f.Hunks {
		end := h.NewStart + h.NewCount
		if h.NewCount == 0 {
			end = h.NewStart + 1
		}
		if line >= h.NewStart && line < end {
			return i
		}
	}
	return -1
}

// SameHunk reports whether both new-file lines fall inside one hunk of f.
// The review poster drops any finding for which this is false.
func SameHunk(f FileDiff, start, end int) bool {
	i := HunkFor(f, start)
	return i >= 0 && i == HunkFor(f, end)
}

// Render reconstructs f's slice of the unified diff. Parsing the result
// yields a FileDiff equal to f (modulo the raw metadata lines the parser
// ignores).
func Render(f FileDiff) string {
	var b strings.Builder
	oldPath := f.Path
	if f.OldPath != "" {
		oldPath = f.OldPath
	}
	b.WriteString("diff --git a/" + oldPath + " b/" + f.Path + "\n")
	switch f.Status {
	case StatusAdded:
		b.WriteString("new file mode 100644\n")
	case StatusRemoved:
		b.WriteString("deleted file mode 100644\n")
	case StatusRenamed:
		b.WriteString("rename from " + oldPath + "\n")
		b.WriteString("rename to " + f.Path + "\n")
	}
	if f.Binary {
		b.WriteString("Binary files differ\n")
		return b.String()
	}
	if f.Status == StatusAdded {
		b.WriteString("--- /dev/null\n")
	} else {
		b.WriteString("--- a/" + oldPath + "\n")
	}
	if f.Status == StatusRemoved {
		b.WriteString("+++ /dev/null\n")
	} else {
		b.WriteString("+++ b/" + f.Path + "\n")
	}
	for _, h := range f.Hunks {
		b.WriteString(h.Header + "\n")
		for _, l := range h.Lines {
			switch l.Kind {
			case LineAdded:
				b.WriteString("+" + l.Content + "\n")
			case LineRemoved:
				b.WriteString("-" + l.Content + "\n")
			default:
				b.WriteString(" " + l.Content + "\n")
			}
		}
	}
	return b.String()
}

// Paths returns the new-file paths of all files in order.
func Paths(files []FileDiff) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}
