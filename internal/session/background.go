package session

import (
	"fmt"
	"io"
	"syscall"
	"time"

	"cmdmanager/internal/protocol"
)

// RunBackground supervises the startup of a background job. It waits up to
// grace for the first output on the PTY, announces the job's pid and log
// path to client followed by that output, and detaches from the child
// without waiting for it. The announcement and captured output are also
// appended to out.
func RunBackground(client io.Writer, proc *Process, out *OutputBuffer, started time.Time, timeout, grace time.Duration) Result {
	done := make(chan struct{})
	fromChild := pump(proc, done)

	var initial []byte
	timer := time.NewTimer(grace)
	select {
	case c := <-fromChild:
		initial = c.data
	case <-timer.C:
	}
	timer.Stop()
	close(done)

	res := Result{State: StateDetached}
	if time.Since(started) >= timeout {
		_ = proc.Signal(syscall.SIGTERM)
		res.State = StateTimedOut
		res.TimedOut = true
		res.Err = ErrTimeoutExceeded
	}

	notice := protocol.BackgroundNotice(proc.PID(), proc.LogPath())
	// The log records what the client sees, in the same order.
	out.WriteString(notice)
	out.Write(initial)
	if _, err := io.WriteString(client, notice); err != nil {
		res.Err = fmt.Errorf("%w: client: %v", ErrWrite, err)
	} else if len(initial) > 0 {
		if _, err := client.Write(initial); err != nil {
			res.Err = fmt.Errorf("%w: client: %v", ErrWrite, err)
		}
	}

	proc.Detach()
	return res
}
