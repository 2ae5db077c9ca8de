// Package patch rebuilds file content from a normalized diff.
//
// This is not hunk-aware patch application. The reconstructed file is the
// ordered concatenation of the diff's added lines; context lines, removed
// lines and the original file are ignored. Any existing content that the
// diff does not re-add is lost, so multi-hunk or partial-file patches will
// produce a truncated file. Summarize reports how much of the original
// was replaced so reviewers can catch that in the merge request.
package patch

import (
	"strings"
	"unicode/utf8"

	"github.com/saint0x/incident-copilot/pkg/diff"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// NewFile returns the content of a file created by d.
// Empty when d has no added lines.
func NewFile(d string) string {
	return strings.Join(diff.AddedLines(d), "\n")
}

// Existing returns the new content of a modified file.
// original is accepted for the call contract but not merged.
func Existing(original, d string) (string, bool) {
	added := diff.AddedLines(d)
	if len(added) == 0 {
		return "", false
	}
	return strings.Join(added, "\n"), true
}

// Summary counts line-level differences between two versions of a file
type Summary struct {
	Added     int
	Removed   int
	Unchanged int
}

// Summarize compares original and updated line by line
func Summarize(original, updated string) Summary {
	dmp := diffmatchpatch.New()
	a, b, _ := dmp.DiffLinesToRunes(terminate(original), terminate(updated))
	diffs := dmp.DiffMainRunes(a, b, false)

	var s Summary
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			s.Added += n
		case diffmatchpatch.DiffDelete:
			s.Removed += n
		case diffmatchpatch.DiffEqual:
			s.Unchanged += n
		}
	}
	return s
}

func terminate(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
