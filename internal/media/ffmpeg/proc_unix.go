//go:build !windows

package ffmpeg

import (
	"os/exec"
	"syscall"
)

// detach moves ffmpeg into its own process group so a terminal interrupt
// reaches gmedia only, which then stops ffmpeg itself.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
