//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the shell in its own process group so a
// timeout or cancel kills everything it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
