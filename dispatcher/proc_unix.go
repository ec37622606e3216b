//go:build unix

package dispatcher

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the job in its own process group and makes
// cancellation signal the whole group, so helpers spawned by a training
// script stop with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}
