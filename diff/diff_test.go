package diff

import (
	"strings"
	"testing"
)

const simpleDiff = `diff --git a/src/a.py b/src/a.py
index 1111111..2222222 100644
--- a/src/a.py
+++ b/src/a.py
@@ -8,6 +8,9 @@ def handler():
 line8
 line9
+line10
+line11
+line12
 line13
 line14
 line15
`

func TestParseSingleHunk(t *testing.T) {
	files := Parse(simpleDiff)
	if len(files) != 1 {
		t.Fatalf("Parse() returned %d files, want 1", len(files))
	}
	f := files[0]

	if f.Path != "src/a.py" {
		t.Errorf("Path = %q, want src/a.py", f.Path)
	}
	if f.Status != StatusModified {
		t.Errorf("Status = %q, want modified", f.Status)
	}
	if f.Language != "python" {
		t.Errorf("Language = %q, want python", f.Language)
	}
	if f.Additions != 3 || f.Deletions != 0 {
		t.Errorf("Additions/Deletions = %d/%d, want 3/0", f.Additions, f.Deletions)
	}
	if len(f.Hunks) != 1 {
		t.Fatalf("got %d hunks, want 1", len(f.Hunks))
	}

	h := f.Hunks[0]
	if h.OldStart != 8 || h.OldCount != 6 || h.NewStart != 8 || h.NewCount != 9 {
		t.Errorf("hunk ranges = -%d,%d +%d,%d, want -8,6 +8,9", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
	}
	if h.Section != "def handler():" {
		t.Errorf("Section = %q, want def handler():", h.Section)
	}
	if len(h.Lines) != 8 {
		t.Fatalf("got %d lines, want 8", len(h.Lines))
	}

	// Header is position 1; every body line increments by one.
	wantPositions := []int{2, 3, 4, 5, 6, 7, 8, 9}
	for i, l := range h.Lines {
		if l.Position != wantPositions[i] {
			t.Errorf("line %d position = %d, want %d", i, l.Position, wantPositions[i])
		}
	}

	// Added lines land on new-file lines 10-12.
	added := 0
	for _, l := range h.Lines {
		if l.Kind == LineAdded {
			if l.NewLine != 10+added {
				t.Errorf("added line NewLine = %d, want %d", l.NewLine, 10+added)
			}
			if l.OldLine != 0 {
				t.Errorf("added line has OldLine = %d, want 0", l.OldLine)
			}
			added++
		}
	}
	if added != 3 {
		t.Errorf("added lines = %d, want 3", added)
	}
}

// Positions are cumulative across hunks of one file: the second hunk's
// header continues the counter rather than resetting it.
func TestParseMultiHunkCumulativePositions(t *testing.T) {
	d := `diff --git a/f.go b/f.go
--- a/f.go
+++ b/f.go
@@ -5,3 +5,3 @@
 line5
 line6
 line7
@@ -40,2 +40,3 @@
 line40
+line41
 line42
`
	files := Parse(d)
	if len(files) != 1 {
		t.Fatalf("Parse() returned %d files, want 1", len(files))
	}
	f := files[0]
	if len(f.Hunks) != 2 {
		t.Fatalf("got %d hunks, want 2", len(f.Hunks))
	}

	// First hunk: header=1, lines 2-4. Second hunk: header=5, lines 6-8.
	positions := LineToPosition(f)
	if got := positions[41]; got != 7 {
		t.Errorf("position of new line 41 = %d, want 7", got)
	}
	if got := positions[5]; got != 2 {
		t.Errorf("position of new line 5 = %d, want 2", got)
	}
	if got := positions[42]; got != 8 {
		t.Errorf("position of new line 42 = %d, want 8", got)
	}
}

// The commentable positions within one file are strictly increasing and
// match the textual line index of the file's slice of the diff.
func TestPositionsStrictlyIncreasing(t *testing.T) {
	d := `diff --git a/x.go b/x.go
--- a/x.go
+++ b/x.go
@@ -1,4 +1,5 @@
 a
-b
+b2
+b3
 c
 d
@@ -20,2 +21,3 @@
 y
+z
 w
`
	files := Parse(d)
	if len(files) != 1 {
		t.Fatalf("got %d files", len(files))
	}

	prev := 0
	for _, h := range files[0].Hunks {
		for _, l := range h.Lines {
			if l.Position <= prev {
				t.Fatalf("position %d not increasing after %d", l.Position, prev)
			}
			prev = l.Position
		}
	}

	// Every line (including removed) increments; commentable map excludes
	// removed lines only.
	positions := LineToPosition(files[0])
	for newLine, pos := range positions {
		if newLine <= 0 || pos <= 0 {
			t.Errorf("invalid map entry %d -> %d", newLine, pos)
		}
	}
	if len(positions) != 8 {
		t.Errorf("commentable entries = %d, want 8", len(positions))
	}
}

func TestParsePositionsResetBetweenFiles(t *testing.T) {
	d := `diff --git a/a.go b/a.go
--- a/a.go
+++ b/a.go
@@ -1,2 +1,3 @@
 a
+b
 c
diff --git a/b.go b/b.go
--- a/b.go
+++ b/b.go
@@ -1,1 +1,2 @@
 x
+y
`
	files := Parse(d)
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if got := files[1].Hunks[0].Lines[0].Position; got != 2 {
		t.Errorf("second file first line position = %d, want 2 (counter resets)", got)
	}
}

func TestParseFileStatuses(t *testing.T) {
	tests := []struct {
		name       string
		diff       string
		wantStatus FileStatus
		wantPath   string
		wantOld    string
	}{
		{
			name: "added file",
			diff: `diff --git a/new.go b/new.go
new file mode 100644
--- /dev/null
+++ b/new.go
@@ -0,0 +1,2 @@
+package main
+func main() {}
`,
			wantStatus: StatusAdded,
			wantPath:   "new.go",
		},
		{
			name: "removed file",
			diff: `diff --git a/old.go b/old.go
deleted file mode 100644
--- a/old.go
+++ /dev/null
@@ -1,2 +0,0 @@
-package main
-func main() {}
`,
			wantStatus: StatusRemoved,
			wantPath:   "old.go",
		},
		{
			name: "renamed file",
			diff: `diff --git a/before.go b/after.go
similarity index 95%
rename from before.go
rename to after.go
--- a/before.go
+++ b/after.go
@@ -1,2 +1,2 @@
 package main
-var x = 1
+var x = 2
`,
			wantStatus: StatusRenamed,
			wantPath:   "after.go",
			wantOld:    "before.go",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := Parse(tt.diff)
			if len(files) != 1 {
				t.Fatalf("got %d files, want 1", len(files))
			}
			f := files[0]
			if f.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", f.Status, tt.wantStatus)
			}
			if f.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", f.Path, tt.wantPath)
			}
			if f.OldPath != tt.wantOld {
				t.Errorf("OldPath = %q, want %q", f.OldPath, tt.wantOld)
			}
		})
	}
}

func TestParseRemovedFileHasNoCommentableLines(t *testing.T) {
	d := `diff --git a/gone.go b/gone.go
deleted file mode 100644
--- a/gone.go
+++ /dev/null
@@ -1,3 +0,0 @@
-a
-b
-c
`
	files := Parse(d)
	if len(files) != 1 {
		t.Fatalf("got %d files", len(files))
	}
	if got := len(LineToPosition(files[0])); got != 0 {
		t.Errorf("removed file has %d commentable lines, want 0", got)
	}
	// Removed lines still advance the counter.
	if got := files[0].Hunks[0].Lines[2].Position; got != 4 {
		t.Errorf("last removed line position = %d, want 4", got)
	}
}

func TestParseBinaryFile(t *testing.T) {
	d := `diff --git a/logo.png b/logo.png
index 1111111..2222222 100644
Binary files a/logo.png and b/logo.png differ
`
	files := Parse(d)
	if len(files) != 1 {
		t.Fatalf("got %d files", len(files))
	}
	if !files[0].Binary {
		t.Error("Binary = false, want true")
	}
	if len(files[0].Hunks) != 0 {
		t.Errorf("binary file has %d hunks, want 0", len(files[0].Hunks))
	}
}

func TestParseNoNewlineMarker(t *testing.T) {
	d := `diff --git a/f.txt b/f.txt
--- a/f.txt
+++ b/f.txt
@@ -1,2 +1,2 @@
 a
-b
\ No newline at end of file
+b2
\ No newline at end of file
`
	files := Parse(d)
	if len(files) != 1 {
		t.Fatalf("got %d files", len(files))
	}
	lines := files[0].Hunks[0].Lines
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3 (markers consumed)", len(lines))
	}
	// Marker does not advance the counter: +b2 directly follows -b.
	if lines[2].Position != 4 {
		t.Errorf("added line position = %d, want 4", lines[2].Position)
	}
}

func TestParseEmptyAndMalformed(t *testing.T) {
	if got := Parse(""); len(got) != 0 {
		t.Errorf("Parse(empty) = %d files, want 0", len(got))
	}
	if got := Parse("   \n\n  "); len(got) != 0 {
		t.Errorf("Parse(whitespace) = %d files, want 0", len(got))
	}

	// Malformed hunk header (missing + range) drops that file only.
	d := `diff --git a/bad.go b/bad.go
--- a/bad.go
+++ b/bad.go
@@ -1,2 @@
 a
diff --git a/good.go b/good.go
--- a/good.go
+++ b/good.go
@@ -1,1 +1,2 @@
 x
+y
`
	files := Parse(d)
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1 (malformed file omitted)", len(files))
	}
	if files[0].Path != "good.go" {
		t.Errorf("surviving file = %q, want good.go", files[0].Path)
	}
}

func TestSameHunk(t *testing.T) {
	d := `diff --git a/f.go b/f.go
--- a/f.go
+++ b/f.go
@@ -5,3 +5,4 @@
 line5
+line6
 line7
 line8
@@ -40,2 +41,3 @@
 line41
+line42
 line43
`
	files := Parse(d)
	f := files[0]

	tests := []struct {
		name       string
		start, end int
		want       bool
	}{
		{"single line first hunk", 6, 6, true},
		{"range within first hunk", 5, 8, true},
		{"range within second hunk", 41, 43, true},
		{"spans hunks", 7, 42, false},
		{"outside any hunk", 20, 20, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameHunk(f, tt.start, tt.end); got != tt.want {
				t.Errorf("SameHunk(%d, %d) = %v, want %v", tt.start, tt.end, got, tt.want)
			}
		})
	}
}

// Rendering a parsed FileDiff and re-parsing it yields the same structure.
func TestRenderRoundTrip(t *testing.T) {
	for _, d := range []string{simpleDiff} {
		orig := Parse(d)
		if len(orig) != 1 {
			t.Fatalf("got %d files", len(orig))
		}
		again := Parse(Render(orig[0]))
		if len(again) != 1 {
			t.Fatalf("re-parse yielded %d files", len(again))
		}
		a, b := orig[0], again[0]
		if a.Path != b.Path || a.Status != b.Status || a.Additions != b.Additions || a.Deletions != b.Deletions {
			t.Errorf("round-trip metadata mismatch: %+v vs %+v", a, b)
		}
		if len(a.Hunks) != len(b.Hunks) {
			t.Fatalf("hunks %d vs %d", len(a.Hunks), len(b.Hunks))
		}
		for i := range a.Hunks {
			ha, hb := a.Hunks[i], b.Hunks[i]
			if ha.Header != hb.Header || len(ha.Lines) != len(hb.Lines) {
				t.Fatalf("hunk %d mismatch", i)
			}
			for j := range ha.Lines {
				if ha.Lines[j] != hb.Lines[j] {
					t.Errorf("hunk %d line %d: %+v vs %+v", i, j, ha.Lines[j], hb.Lines[j])
				}
			}
		}
	}
}

func TestParseCRLFNormalization(t *testing.T) {
	d := strings.ReplaceAll(simpleDiff, "\n", "\r\n")
	files := Parse(d)
	if len(files) != 1 {
		t.Fatalf("got %d files", len(files))
	}
	if files[0].Additions != 3 {
		t.Errorf("Additions = %d, want 3", files[0].Additions)
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"main.go", "go"},
		{"app/views.PY", "python"},
		{"app/views.py", "python"},
		{"component.tsx", "typescript"},
		{"Makefile", ""},
		{"lib.unknownext", ""},
		{"nested/dir/schema.sql", "sql"},
	}
	for _, tt := range tests {
		if got := DetectLanguage(tt.path); got != tt.want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
