//go:build !unix

package localbackend

import "os/exec"

func configureProcGroup(*exec.Cmd) {}

func killProcGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
