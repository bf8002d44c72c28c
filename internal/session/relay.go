package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"
)

const readChunkSize = 4096

// RelayOptions tune the relay loop of one session.
type RelayOptions struct {
	// Timeout is the session's execution timeout, measured from its start.
	Timeout time.Duration
	// PollInterval bounds how long the loop waits without checking the
	// timeout.
	PollInterval time.Duration
	// KillGrace is how long a terminated group gets before SIGKILL.
	KillGrace time.Duration
}

// Result is the outcome of a relay.
type Result struct {
	State    State
	TimedOut bool
	// Err is the first error that ended the relay, if any.
	Err error
}

type chunk struct {
	data []byte
	err  error
}

// pump copies reads from r onto a channel until r fails or done closes.
func pump(r io.Reader, done <-chan struct{}) <-chan chunk {
	ch := make(chan chunk)
	go func() {
		for {
			buf := make([]byte, readChunkSize)
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case ch <- chunk{data: buf[:n]}:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case ch <- chunk{err: err}:
				case <-done:
				}
				return
			}
		}
	}()
	return ch
}

// isPTYEOF reports whether err is how a PTY master signals that the slave
// side is gone. Linux reports EIO rather than EOF.
func isPTYEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

// clientWriter delivers child output to the client on its own goroutine so
// that a client which stops reading cannot stall the relay loop.
type clientWriter struct {
	data chan []byte
	errc chan error
	done chan struct{}
}

func startClientWriter(w io.Writer) *clientWriter {
	cw := &clientWriter{
		data: make(chan []byte),
		errc: make(chan error, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(cw.done)
		for b := range cw.data {
			if _, err := w.Write(b); err != nil {
				cw.errc <- err
				return
			}
		}
	}()
	return cw
}

// stop hands over the last pending chunk, closes the queue and waits up to
// grace for the writes to finish. A writer still blocked after grace is
// abandoned; its Write returns once the caller closes the connection or
// its write deadline passes.
func (cw *clientWriter) stop(pending []byte, grace time.Duration) {
	expired := make(chan struct{})
	t := time.AfterFunc(grace, func() { close(expired) })
	defer t.Stop()
	if pending != nil {
		select {
		case cw.data <- pending:
		case <-cw.done:
		case <-expired:
		}
	}
	close(cw.data)
	select {
	case <-cw.done:
	case <-expired:
	}
}

// Relay pumps bytes between client and proc until the child exits, the
// client goes away, ctx is cancelled or the execution timeout elapses.
// Child output is appended to out and written to client in emission
// order. A nil client runs the command to completion without input.
//
// The child is not read while a chunk waits for the client, so a slow
// client throttles the child instead of growing memory. The timeout is
// enforced even when the client stops reading altogether.
//
// On return the child has been reaped and the PTY master is closed.
func Relay(ctx context.Context, client io.ReadWriter, proc *Process, out *OutputBuffer, started time.Time, opts RelayOptions) Result {
	done := make(chan struct{})
	var (
		fromClient <-chan chunk
		writer     *clientWriter
		writeErrs  <-chan error
	)
	if client != nil {
		fromClient = pump(client, done)
		writer = startClientWriter(client)
		writeErrs = writer.errc
	}
	fromChild := pump(proc, done)

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	var pending []byte
	res := Result{State: StateRunning}
	for res.State == StateRunning {
		childCh := fromChild
		var toClient chan<- []byte
		if pending != nil {
			childCh = nil
			toClient = writer.data
		}

		select {
		case c := <-fromClient:
			if c.err != nil {
				res.State = StateClientClosed
				if !errors.Is(c.err, io.EOF) {
					res.Err = fmt.Errorf("%w: client: %v", ErrRead, c.err)
				}
				break
			}
			if _, err := proc.Write(c.data); err != nil {
				res.State = StateChildExited
				res.Err = fmt.Errorf("%w: pty: %v", ErrWrite, err)
			}

		case c := <-childCh:
			if c.err != nil {
				res.State = StateChildExited
				if !isPTYEOF(c.err) {
					res.Err = fmt.Errorf("%w: pty: %v", ErrRead, c.err)
				}
				break
			}
			if writer != nil {
				pending = c.data
			}
			if _, err := out.Write(c.data); err != nil {
				res.State = StateAborted
				res.Err = err
			}

		case toClient <- pending:
			pending = nil

		case err := <-writeErrs:
			res.State = StateClientClosed
			res.Err = fmt.Errorf("%w: client: %v", ErrWrite, err)

		case <-ticker.C:

		case <-ctx.Done():
			res.State = StateCancelled
		}

		if res.State == StateRunning && time.Since(started) >= opts.Timeout {
			res.State = StateTimedOut
		}
	}
	close(done)

	finish(proc, &res, started, opts)
	if writer != nil {
		writer.stop(pending, opts.KillGrace)
	}
	return res
}

// finish terminates the child as the final state requires and reaps it.
func finish(proc *Process, res *Result, started time.Time, opts RelayOptions) {
	switch res.State {
	case StateChildExited:
		// EOF on the master only means every slave descriptor is closed;
		// the child may still be running. It gets the rest of its timeout.
		timer := time.NewTimer(max(opts.Timeout-time.Since(started), 0))
		defer timer.Stop()
		select {
		case <-proc.Done():
		case <-timer.C:
			res.State = StateTimedOut
			proc.Terminate(opts.KillGrace)
		}

	case StateTimedOut:
		proc.Terminate(opts.KillGrace)

	default:
		// Dropping the terminal hangs up the foreground job; the group
		// signal reaches anything that ignores SIGHUP.
		proc.Close()
		proc.Terminate(opts.KillGrace)
	}

	if res.State == StateTimedOut {
		res.TimedOut = true
		if res.Err == nil {
			res.Err = ErrTimeoutExceeded
		}
	}

	proc.Wait()
	proc.Close()
}
