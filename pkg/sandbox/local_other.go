//go:build !linux

package sandbox

import (
	"os"
	"os/exec"
)

func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}

func limitAddressSpace(int, int) error {
	return nil
}

func peakMemoryKB(*os.ProcessState) int64 {
	return 0
}
