//go:build !windows

package childproc

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the child as the leader of a new process group so
// helpers it forks can be signalled along with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalTerminate(p *os.Process) error { return signalGroup(p, syscall.SIGTERM) }

func signalKill(p *os.Process) error { return signalGroup(p, syscall.SIGKILL) }

// signalGroup signals the whole group and falls back to the leader alone
// when the group is already gone.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-p.Pid, sig); err == nil {
		return nil
	}
	return p.Signal(sig)
}
