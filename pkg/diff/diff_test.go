package diff

import (
	"errors"
	"reflect"
	"testing"
)

const modifyDiff = "--- a/ci.yml\n+++ b/ci.yml\n@@ -1,1 +1,2 @@\n-old: true\n+new: true\n+added: true"

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", modifyDiff, modifyDiff},
		{"diff fence", "```diff\n" + modifyDiff + "\n```", modifyDiff},
		{"upper fence", "```DIFF\n" + modifyDiff + "\n```\n", modifyDiff},
		{"bare fence", "```\n" + modifyDiff + "\n```", modifyDiff},
		{"nested fences", "```diff\n```\n" + modifyDiff + "\n```\n```", modifyDiff},
		{"whitespace", "\n\n  " + modifyDiff + "  \n", modifyDiff},
		{"only fences", "```diff\n```", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Errorf("Clean() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCleanIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"```",
		"``````",
		"```diff```diff",
		"  ```diff\n```\n```  ",
		"```diff\n--- /dev/null\n+++ b/x\n+a\n```",
		"text ``` in the middle ``` stays",
		modifyDiff,
	}
	for _, in := range inputs {
		once := Clean(in)
		if twice := Clean(once); twice != once {
			t.Errorf("Clean not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestIsNewFile(t *testing.T) {
	if !IsNewFile("```diff\n--- /dev/null\n+++ b/scripts/fix.sh\n+echo\n```") {
		t.Error("expected new file for /dev/null source")
	}
	if IsNewFile(modifyDiff) {
		t.Error("expected existing file for a/ source")
	}
}

func TestExtractFilePath(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"b prefix", "--- a/src/foo.sh\n+++ b/src/foo.sh\n@@ -1 +1 @@\n+x", "src/foo.sh", true},
		{"trailing whitespace", "+++ b/src/foo.sh   \t\n+x", "src/foo.sh", true},
		{"crlf", "--- a/a.go\r\n+++ b/a.go\r\n+x\r\n", "a.go", true},
		{"not on first line", "Here is your fix:\n\n--- a/Makefile\n+++ b/Makefile\n+all:", "Makefile", true},
		{"loose header", "--- old.txt\n+++ new.txt\n+x", "new.txt", true},
		{"no header", "--- a/x\n@@ -1 +1 @@\n-a\n+b", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractFilePath(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ExtractFilePath() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestAddedLines(t *testing.T) {
	got := AddedLines("--- a/x\n+++ b/x\n@@ -1 +1,2 @@\n context\n-gone\n+one\n+\n+two")
	want := []string{"one", "", "two"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AddedLines() = %q, want %q", got, want)
	}
	if got := AddedLines("--- a/x\n+++ b/x\n-gone"); got != nil {
		t.Errorf("AddedLines() = %q, want nil", got)
	}
}

func TestNormalize(t *testing.T) {
	t.Run("fenced equals unfenced", func(t *testing.T) {
		plain, err := Normalize(modifyDiff)
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		fenced, err := Normalize("```diff\n" + modifyDiff + "\n```")
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		if !reflect.DeepEqual(plain, fenced) {
			t.Errorf("fenced = %+v, plain = %+v", fenced, plain)
		}
		if plain.Path != "ci.yml" || plain.NewFile {
			t.Errorf("unexpected result %+v", plain)
		}
	})

	t.Run("new file", func(t *testing.T) {
		d, err := Normalize("--- /dev/null\n+++ b/scripts/fix.sh\n@@ -0,0 +1,2 @@\n+#!/bin/sh\n+echo fixed")
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		if !d.NewFile || d.Path != "scripts/fix.sh" {
			t.Errorf("unexpected result %+v", d)
		}
	})

	errTests := []struct {
		name string
		in   string
		want error
	}{
		{"empty", "  ```diff\n```  ", ErrEmpty},
		{"too short", "+++ b/x", ErrTooShort},
		{"no path", "just some explanation without a header", ErrNoPath},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("Normalize() error = %v, want %v", err, tt.want)
			}
		})
	}
}
