package cli

import (
	"strings"
	"testing"

	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/tool"
)

func testConfig() *config.Config {
	cfg := config.Default()
	disabled := false
	cfg.AddServer(config.ServerConfig{
		Name:      "sh",
		RiskLevel: tool.RiskHigh,
		Transport: config.TransportConfig{Type: config.TransportBuiltin, Backend: "shell"},
	})
	cfg.AddServer(config.ServerConfig{
		Name:      "build",
		RiskLevel: tool.RiskMedium,
		Transport: config.TransportConfig{Type: config.TransportStdio, Command: "build-tools"},
	})
	cfg.AddServer(config.ServerConfig{
		Name:      "build-copy",
		RiskLevel: tool.RiskMedium,
		Transport: config.TransportConfig{Type: config.TransportStdio, Command: "build-tools"},
	})
	cfg.AddServer(config.ServerConfig{
		Name:      "old",
		RiskLevel: tool.RiskLow,
		Enabled:   &disabled,
		Transport: config.TransportConfig{Type: config.TransportStdio, Command: "legacy-tools"},
	})
	return cfg
}

func TestPrerequisites(t *testing.T) {
	prereqs := Prerequisites(testConfig())

	byName := make(map[string]Prerequisite)
	for _, p := range prereqs {
		if _, dup := byName[p.Name]; dup {
			t.Errorf("%s listed twice", p.Name)
		}
		byName[p.Name] = p
	}

	tests := []struct {
		name     string
		present  bool
		required bool
	}{
		{"/bin/sh", true, true},
		{"build-tools", true, true},
		{"legacy-tools", false, false},
		{"pgrep", true, false},
		{"ps", true, false},
	}
	for _, tt := range tests {
		p, ok := byName[tt.name]
		if ok != tt.present {
			t.Errorf("%s present = %v, want %v", tt.name, ok, tt.present)
			continue
		}
		if ok && p.Required != tt.required {
			t.Errorf("%s required = %v, want %v", tt.name, p.Required, tt.required)
		}
	}
	if got := byName["build-tools"].UsedBy; got != "server build" {
		t.Errorf("UsedBy = %q", got)
	}
}

func TestPrerequisites_ShellOptionalWithoutShellServer(t *testing.T) {
	cfg := config.Default()
	cfg.Shell.Shell = "/bin/bash"
	prereqs := Prerequisites(cfg)
	if prereqs[0].Name != "/bin/bash" || prereqs[0].Required {
		t.Errorf("first prerequisite = %+v", prereqs[0])
	}
}

func TestCheck(t *testing.T) {
	found := Check(Prerequisite{Name: "sh", Required: true})
	if !found.Found {
		t.Skip("sh not in PATH")
	}
	if found.Path == "" || found.Error != nil {
		t.Errorf("found result = %+v", found)
	}

	missing := Check(Prerequisite{Name: "definitely-not-a-real-command-xyz", Required: true})
	if missing.Found || missing.Error == nil {
		t.Errorf("missing result = %+v", missing)
	}
}

func TestValidateRequired(t *testing.T) {
	results := []CheckResult{
		{Prerequisite: Prerequisite{Name: "sh", Required: true}, Found: true},
		{Prerequisite: Prerequisite{Name: "pgrep"}, Found: false},
	}
	if err := ValidateRequired(results); err != nil {
		t.Errorf("optional tools must not fail validation: %v", err)
	}

	results = append(results, CheckResult{Prerequisite: Prerequisite{Name: "build-tools", Required: true, UsedBy: "server build"}})
	err := ValidateRequired(results)
	if err == nil {
		t.Fatal("expected error for missing required tool")
	}
	if !strings.Contains(err.Error(), "build-tools (needed by server build)") {
		t.Errorf("error = %v", err)
	}
}

func TestFormatCheckResults(t *testing.T) {
	out := FormatCheckResults([]CheckResult{
		{Prerequisite: Prerequisite{Name: "sh", Required: true, UsedBy: "shell backend"}, Found: true, Path: "/bin/sh"},
		{Prerequisite: Prerequisite{Name: "build-tools", Required: true, UsedBy: "server build"}},
		{Prerequisite: Prerequisite{Name: "pgrep", UsedBy: "orphan cleanup"}},
	})

	for _, want := range []string{
		"✓ sh (/bin/sh) - shell backend",
		"✗ build-tools [REQUIRED] - server build",
		"○ pgrep [optional] - orphan cleanup",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
