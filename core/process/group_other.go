//go:build !unix

package process

import "os/exec"

// 进程组只在 unix 上可用，其他平台只向直接子进程发信号
func setProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
