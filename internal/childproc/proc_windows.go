//go:build windows

package childproc

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// signalTerminate kills outright; Windows has no SIGTERM for console children.
func signalTerminate(p *os.Process) error { return p.Kill() }

func signalKill(p *os.Process) error { return p.Kill() }
