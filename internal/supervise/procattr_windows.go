//go:build windows

package supervise

import (
	"os/exec"
	"syscall"
)

// setProcAttr suppresses console window creation for spawned CLIs.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// interrupt has no cooperative signal on Windows; the grace window still
// lets WaitDelay and the tree kill do their work.
func interrupt(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
