package patch

import (
	"testing"
)

func TestNewFile(t *testing.T) {
	tests := []struct {
		name string
		diff string
		want string
	}{
		{
			name: "two added lines",
			diff: "--- /dev/null\n+++ b/x.txt\n@@ -0,0 +1,2 @@\n+line1\n+line2",
			want: "line1\nline2",
		},
		{
			name: "shell script",
			diff: "--- /dev/null\n+++ b/scripts/fix.sh\n@@ -0,0 +1,2 @@\n+#!/bin/sh\n+echo fixed",
			want: "#!/bin/sh\necho fixed",
		},
		{
			name: "keeps blank added lines",
			diff: "+++ b/a\n+a\n+\n+b",
			want: "a\n\nb",
		},
		{
			name: "no added lines",
			diff: "--- /dev/null\n+++ b/empty.txt",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewFile(tt.diff); got != tt.want {
				t.Errorf("NewFile() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExisting(t *testing.T) {
	t.Run("concatenates added lines and ignores original", func(t *testing.T) {
		d := "--- a/ci.yml\n+++ b/ci.yml\n@@ -1,1 +1,2 @@\n-old: true\n+new: true\n+added: true"
		got, ok := Existing("old: true\nother: 1\n", d)
		if !ok {
			t.Fatal("Existing() returned no content")
		}
		if got != "new: true\nadded: true" {
			t.Errorf("Existing() = %q", got)
		}
	})

	t.Run("multi hunk", func(t *testing.T) {
		d := "--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+A\n@@ -9 +9 @@\n ctx\n-z\n+Z"
		got, ok := Existing("a\nb\nz", d)
		if !ok || got != "A\nZ" {
			t.Errorf("Existing() = (%q, %v)", got, ok)
		}
	})

	t.Run("no added lines", func(t *testing.T) {
		if got, ok := Existing("a", "--- a/x\n+++ b/x\n@@ -1 +0,0 @@\n-a"); ok || got != "" {
			t.Errorf("Existing() = (%q, %v), want no content", got, ok)
		}
	})
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name     string
		original string
		updated  string
		want     Summary
	}{
		{"one line changed", "a\nb\nc", "a\nx\nc", Summary{Added: 1, Removed: 1, Unchanged: 2}},
		{"identical", "a\nb\n", "a\nb", Summary{Unchanged: 2}},
		{"new file", "", "a\nb", Summary{Added: 2}},
		{"full replace", "old: true\nkeep: 1", "new: true\nadded: true", Summary{Added: 2, Removed: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.original, tt.updated); got != tt.want {
				t.Errorf("Summarize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
