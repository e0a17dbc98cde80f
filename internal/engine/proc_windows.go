//go:build windows

package engine

import (
	"os/exec"
	"strconv"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: createNewProcessGroup,
	}
}

// Windows 没有进程组信号，用 taskkill /T 结束整棵进程树。
func terminate(pid int) error {
	return taskkill(pid, false)
}

func killTree(pid int) error {
	return taskkill(pid, true)
}

func taskkill(pid int, force bool) error {
	if pid <= 0 {
		return nil
	}
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append([]string{"/F"}, args...)
	}
	cmd := exec.Command("taskkill", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	// 进程已退出时 taskkill 返回非零，忽略即可
	_ = cmd.Run()
	return nil
}

// pid 可能已被复用，退出后不再按 pid 清理进程树。
func reapGroup(int) {}
