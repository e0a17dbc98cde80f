//go:build !windows

package engine

import (
	"errors"
	"os/exec"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(pgid int) error {
	return signalGroup(pgid, syscall.SIGTERM)
}

func killTree(pgid int) error {
	return signalGroup(pgid, syscall.SIGKILL)
}

func signalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	err := syscall.Kill(-pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func reapGroup(pgid int) {
	_ = signalGroup(pgid, syscall.SIGKILL)
}
