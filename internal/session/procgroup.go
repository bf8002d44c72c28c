package session

import (
	"errors"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const groupPollInterval = 50 * time.Millisecond

// Signal sends sig to the child's whole process group.
func (p *Process) Signal(sig syscall.Signal) error {
	err := unix.Kill(-p.PID(), sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Terminate sends SIGTERM to the process group and escalates to SIGKILL if
// the group is still alive after grace. The child is reaped as part of
// termination; Wait returns immediately afterwards.
func (p *Process) Terminate(grace time.Duration) {
	_ = p.Signal(unix.SIGTERM)

	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	select {
	case <-p.Done():
	case <-deadline.C:
		_ = p.Signal(unix.SIGKILL)
		<-p.Done()
		return
	}

	// The leader is gone; grandchildren started by the shell may remain.
	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()
	for {
		if err := unix.Kill(-p.PID(), 0); err != nil {
			return
		}
		select {
		case <-deadline.C:
			_ = p.Signal(unix.SIGKILL)
			return
		case <-ticker.C:
		}
	}
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ws.ExitStatus()
	}
	return ps.ExitCode()
}
