package incident

import (
	"testing"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
	}{
		{"config", CategoryConfig},
		{" Dependency ", CategoryDependency},
		{"TEST", CategoryTest},
		{"infra", CategoryInfra},
		{"timeout", CategoryTimeout},
		{"dependency | test", CategoryOther},
		{"", CategoryOther},
	}

	for _, tt := range tests {
		if got := ParseCategory(tt.in); got != tt.want {
			t.Errorf("ParseCategory(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRiskLevel(t *testing.T) {
	if got := ParseRiskLevel("HIGH"); got != RiskHigh {
		t.Errorf("ParseRiskLevel(HIGH) = %q", got)
	}
	if got := ParseRiskLevel("unknown"); got != RiskMedium {
		t.Errorf("ParseRiskLevel(unknown) = %q, want medium", got)
	}
}

func TestBaseBranch(t *testing.T) {
	p := &Project{}
	if got := p.BaseBranch(); got != "main" {
		t.Errorf("BaseBranch() = %q, want main", got)
	}
	p.DefaultBranch = "develop"
	if got := p.BaseBranch(); got != "develop" {
		t.Errorf("BaseBranch() = %q, want develop", got)
	}
}

func TestRemoteError(t *testing.T) {
	err := &RemoteError{Op: "create branch", Status: 403, Message: "forbidden"}
	if got := err.Error(); got != "create branch: status 403: forbidden" {
		t.Errorf("Error() = %q", got)
	}
	err = &RemoteError{Op: "commit", Message: "timeout"}
	if got := err.Error(); got != "commit: timeout" {
		t.Errorf("Error() = %q", got)
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusOpen, StatusResolved, StatusIgnored} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if Status("closed").Valid() {
		t.Error("closed should not be valid")
	}
}
