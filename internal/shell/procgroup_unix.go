//go:build !windows

package shell

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func defaultShell() string { return "/bin/sh" }

// setProcessGroup starts the command as the leader of a new process group
// so forked descendants can be signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
