//go:build !windows

package procrunner

import (
	"os/exec"

	"github.com/creack/pty"
)

// startPTY starts cmd attached to a Unix PTY master.
func startPTY(cmd *exec.Cmd) (ptyHandle, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 200, Rows: 50})
	if err != nil {
		return nil, err
	}
	return f, nil
}
