//go:build windows

package procrunner

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/UserExistsError/conpty"
)

type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

// startPTY starts cmd attached to a Windows ConPTY pseudo-console.
func startPTY(cmd *exec.Cmd) (ptyHandle, error) {
	cmdLine := strings.Join(cmd.Args, " ")

	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(200, 50)}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	proc, err := os.FindProcess(int(cpty.Pid()))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("failed to find ConPTY process: %w", err)
	}
	cmd.Process = proc

	return &windowsPTY{cpty: cpty}, nil
}
