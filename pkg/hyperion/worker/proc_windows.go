//go:build windows

package worker

import "os/exec"

// setProcessGroup falls back to killing the direct child on Windows.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}
