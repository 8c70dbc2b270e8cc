// Package process provides process-group signalling and orphan cleanup for
// the child processes the gateway spawns: shell commands and backend servers.
package process

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/zhubert/toolgate/logger"
)

// Process is a running process found on the system.
type Process struct {
	PID     int    // Process ID
	PPID    int    // Parent process ID
	Command string // Full command line
}

// Detached reports whether the process has lost the parent that spawned it:
// it was reparented to init or its parent is gone.
func (p Process) Detached() bool {
	return detached(p, IsAlive)
}

func detached(p Process, alive func(int) bool) bool {
	return p.PPID <= 1 || !alive(p.PPID)
}

// BackendPattern matches backends the gateway launches as child processes.
const BackendPattern = "toolgate serve-backend"

// FindProcesses returns processes whose full command line matches the
// pgrep-style pattern. Unsupported platforms return an empty list.
func FindProcesses(pattern string) ([]Process, error) {
	var processes []Process
	log := logger.WithComponent("process")

	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		return processes, nil
	}

	output, err := exec.Command("pgrep", "-f", pattern).Output()
	if err != nil {
		// pgrep exits 1 when nothing matched
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return processes, nil
		}
		return nil, err
	}

	for _, field := range strings.Fields(string(output)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		psOutput, err := exec.Command("ps", "-p", field, "-o", "ppid=,args=").Output()
		if err != nil {
			continue
		}
		ppid, command, ok := parsePS(string(psOutput))
		if !ok {
			continue
		}
		processes = append(processes, Process{PID: pid, PPID: ppid, Command: command})
	}

	log.Debug("found processes", "pattern", pattern, "count", len(processes))
	return processes, nil
}

// parsePS splits a "ppid args" line from ps.
func parsePS(line string) (int, string, bool) {
	line = strings.TrimSpace(line)
	ppidField, command, _ := strings.Cut(line, " ")
	ppid, err := strconv.Atoi(ppidField)
	if err != nil {
		return 0, "", false
	}
	return ppid, strings.TrimSpace(command), true
}

// FindOrphans returns processes matching pattern that are detached from the
// process that spawned them and whose PID is not in known. Children of a
// live parent are never orphans.
func FindOrphans(pattern string, known map[int]bool) ([]Process, error) {
	all, err := FindProcesses(pattern)
	if err != nil {
		return nil, err
	}
	return orphansOf(all, known, IsAlive), nil
}

func orphansOf(all []Process, known map[int]bool, alive func(int) bool) []Process {
	var orphans []Process
	for _, p := range all {
		if !known[p.PID] && detached(p, alive) {
			orphans = append(orphans, p)
		}
	}
	return orphans
}

// CleanupOrphans kills every orphan process matching pattern and returns the
// number killed.
func CleanupOrphans(pattern string, known map[int]bool) (int, error) {
	orphans, err := FindOrphans(pattern, known)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, p := range orphans {
		log.Info("killing orphaned process", "pid", p.PID, "command", p.Command)
		if err := KillProcess(p.PID); err != nil {
			log.Error("failed to kill process", "pid", p.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}
