// Package diff normalizes loosely formatted unified diffs returned by language models.
package diff

import (
	"errors"
	"regexp"
	"strings"
)

// MinLength is the shortest cleaned diff worth acting on
const MinLength = 10

const newFileMarker = "--- /dev/null"

var (
	ErrEmpty    = errors.New("diff is empty")
	ErrTooShort = errors.New("diff is too short")
	ErrNoPath   = errors.New("diff has no +++ file header")
)

var (
	targetPathRe = regexp.MustCompile(`(?m)\+\+\+[ \t]+b/(.+?)\s*$`)
	loosePathRe  = regexp.MustCompile(`(?m)\+\+\+[ \t]+(.+?)\s*$`)
)

// Diff is a cleaned diff with its target file resolved
type Diff struct {
	Text    string
	Path    string
	NewFile bool
}

// Clean strips surrounding markdown fences and whitespace.
// Clean(Clean(s)) == Clean(s) for every s.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	for {
		next := stripFences(s)
		if next == s {
			return s
		}
		s = next
	}
}

func stripFences(s string) string {
	if len(s) >= 7 && strings.EqualFold(s[:7], "```diff") {
		s = s[7:]
	} else if strings.HasPrefix(s, "```") {
		s = s[3:]
	}
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// IsNewFile reports whether the diff creates its target file
func IsNewFile(d string) bool {
	return strings.Contains(Clean(d), newFileMarker)
}

// ExtractFilePath returns the path named by the first +++ header.
// "+++ b/<path>" wins over the looser "+++ <path>" anywhere in the text.
func ExtractFilePath(d string) (string, bool) {
	if m := targetPathRe.FindStringSubmatch(d); m != nil {
		if p := strings.TrimSpace(m[1]); p != "" {
			return p, true
		}
	}
	if m := loosePathRe.FindStringSubmatch(d); m != nil {
		if p := strings.TrimSpace(m[1]); p != "" {
			return p, true
		}
	}
	return "", false
}

// AddedLines returns the body of every "+" line except "+++" headers, in order
func AddedLines(d string) []string {
	var added []string
	for _, line := range strings.Split(d, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		added = append(added, line[1:])
	}
	return added
}

// Normalize cleans raw and rejects anything the patch pipeline cannot act on
func Normalize(raw string) (*Diff, error) {
	text := Clean(raw)
	if text == "" {
		return nil, ErrEmpty
	}
	if len(text) < MinLength {
		return nil, ErrTooShort
	}

	path, ok := ExtractFilePath(text)
	if !ok {
		return nil, ErrNoPath
	}

	return &Diff{
		Text:    text,
		Path:    path,
		NewFile: strings.Contains(text, newFileMarker),
	}, nil
}
