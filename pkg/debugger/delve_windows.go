//go:build windows

package debugger

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setupProcAttr keeps dlv from opening a console window
func setupProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}

// killProcess kills dlv; the target is a child dlv tears down itself
func killProcess(cmd *exec.Cmd) error {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
