// Package cli checks that the executables the gateway will launch are
// installed.
package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/zhubert/toolgate/config"
)

// Prerequisite is an executable the configuration depends on.
type Prerequisite struct {
	Name     string // command name or path
	Required bool   // false for tools only some operations need
	UsedBy   string // what needs it, e.g. "server build-tools"
}

// Prerequisites lists the executables cfg needs: the shell used by the shell
// backend, the command of every enabled stdio server, and the process tools
// used for orphan cleanup.
func Prerequisites(cfg *config.Config) []Prerequisite {
	shell := cfg.Shell.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	prereqs := []Prerequisite{{Name: shell, Required: usesBuiltin(cfg, "shell"), UsedBy: "shell backend"}}

	seen := map[string]bool{shell: true}
	for _, s := range cfg.GetServers() {
		if s.Transport.Type != config.TransportStdio || !s.IsEnabled() || seen[s.Transport.Command] {
			continue
		}
		seen[s.Transport.Command] = true
		prereqs = append(prereqs, Prerequisite{Name: s.Transport.Command, Required: true, UsedBy: "server " + s.Name})
	}

	for _, name := range []string{"pgrep", "ps"} {
		prereqs = append(prereqs, Prerequisite{Name: name, UsedBy: "orphan cleanup"})
	}
	return prereqs
}

func usesBuiltin(cfg *config.Config, backend string) bool {
	for _, s := range cfg.GetServers() {
		if s.IsEnabled() && s.Transport.Type == config.TransportBuiltin && s.Transport.Backend == backend {
			return true
		}
	}
	return false
}

// CheckResult is the outcome of looking up one prerequisite.
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string
	Error        error
}

// Check looks the prerequisite up in PATH.
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}
	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}
	result.Found = true
	result.Path = path
	return result
}

func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired returns an error naming every missing required
// executable.
func ValidateRequired(results []CheckResult) error {
	var missing []string
	for _, r := range results {
		if r.Prerequisite.Required && !r.Found {
			missing = append(missing, fmt.Sprintf("  - %s (needed by %s)", r.Prerequisite.Name, r.Prerequisite.UsedBy))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required executables:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// FormatCheckResults renders results one per line.
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Executables:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		switch {
		case r.Found:
			sb.WriteString(fmt.Sprintf(" (%s)", r.Path))
		case r.Prerequisite.Required:
			sb.WriteString(" [REQUIRED]")
		default:
			sb.WriteString(" [optional]")
		}
		sb.WriteString(" - " + r.Prerequisite.UsedBy + "\n")
	}
	return sb.String()
}
