//go:build windows

package process

import (
	"os"
	"os/exec"
	"strconv"
)

// SetProcessGroup is a no-op on Windows; group signalling falls back to the
// single process.
func SetProcessGroup(cmd *exec.Cmd) {}

func TerminateGroup(pid int) error {
	return KillProcess(pid)
}

func KillGroup(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

func KillProcess(pid int) error {
	return exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
}

func IsAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

func GroupAlive(pid int) bool {
	return IsAlive(pid)
}
