//go:build unix

package llm

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// killProcessGroup puts cmd in its own process group and makes context
// cancellation kill the whole group, so tools the agent spawned die with it
// and release the output pipes.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
