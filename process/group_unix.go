//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// SetProcessGroup makes cmd the leader of a new process group so that the
// whole tree it spawns can be signalled at once.
func SetProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// SignalGroup sends sig to every process in the group led by pid. A group
// that no longer exists is not an error.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// TerminateGroup asks the group to exit.
func TerminateGroup(pid int) error {
	return SignalGroup(pid, syscall.SIGTERM)
}

// KillGroup force-kills the group.
func KillGroup(pid int) error {
	return SignalGroup(pid, syscall.SIGKILL)
}

// KillProcess force-kills a single process.
func KillProcess(pid int) error {
	err := syscall.Kill(pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// IsAlive reports whether a process with pid exists. Zombies count as alive
// until reaped.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// GroupAlive reports whether any process remains in the group led by pid.
func GroupAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(-pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
