//go:build !windows

package supervise

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child into its own process group so a group signal
// reaches the sub-tools a CLI wrapper spawns.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interrupt asks the whole process group to terminate cooperatively.
func interrupt(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}
