//go:build windows

package tools

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

// Windows has no graceful group signal; both stages kill the process.
func terminateProcess(cmd *exec.Cmd) {
	killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
