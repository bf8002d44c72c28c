package session

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Mode selects how a command is attached to its PTY.
type Mode int

const (
	// Foreground runs the command as the PTY's controlling session.
	Foreground Mode = iota
	// Background runs the command detached, with output redirected to a
	// per-pid log file.
	Background
)

func (m Mode) String() string {
	if m == Background {
		return "background"
	}
	return "foreground"
}

const defaultShell = "/bin/sh"

var defaultWinsize = &pty.Winsize{Rows: 24, Cols: 80}

// Runner spawns shell commands attached to pseudo-terminals.
type Runner struct {
	// Shell is invoked as "Shell -c <command>".
	Shell string
	// BackgroundLogDir receives bg_<pid>.log files for background jobs.
	BackgroundLogDir string
}

// Spawn starts command on a new PTY. The child leads its own session and
// process group, so the whole group can be signalled through its pid.
func (r *Runner) Spawn(command string, mode Mode) (*Process, error) {
	shell := r.Shell
	if shell == "" {
		shell = defaultShell
	}

	cmd := exec.Command(shell, "-c", r.wrap(command, mode))
	cmd.Env = append(os.Environ(), "TERM=xterm")

	attrs := &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if mode == Background {
		// No controlling terminal: closing the master must not hang up the job.
		attrs = &syscall.SysProcAttr{Setsid: true}
	}

	ptmx, err := pty.StartWithAttrs(cmd, defaultWinsize, attrs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, shell, err)
	}

	p := &Process{
		cmd:  cmd,
		pty:  ptmx,
		mode: mode,
		done: make(chan struct{}),
	}
	if mode == Background {
		p.logPath = r.BackgroundLogPath(p.PID())
	}
	return p, nil
}

// BackgroundLogPath is where a background job with the given pid writes.
func (r *Runner) BackgroundLogPath(pid int) string {
	return filepath.Join(r.logDir(), fmt.Sprintf("bg_%d.log", pid))
}

func (r *Runner) logDir() string {
	if r.BackgroundLogDir == "" {
		return os.TempDir()
	}
	return r.BackgroundLogDir
}

// wrap builds the shell script for mode. Background jobs are sent to the
// background inside the shell; unless the user already redirected output,
// stdout and stderr go to bg_$$.log, where $$ is the shell's own pid.
func (r *Runner) wrap(command string, mode Mode) string {
	if mode != Background {
		return command
	}
	if strings.Contains(command, ">") {
		return command + " &"
	}
	return fmt.Sprintf("%s > %s 2>&1 &", command, filepath.Join(r.logDir(), "bg_$$.log"))
}

// Process is a spawned child and the master side of its PTY.
type Process struct {
	cmd     *exec.Cmd
	pty     *os.File
	mode    Mode
	logPath string

	reapOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
	waitErr   error
}

// PID returns the child's pid, which is also its process group id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Mode returns the mode the process was spawned in.
func (p *Process) Mode() Mode {
	return p.mode
}

// LogPath returns the background output file, or "" for foreground jobs.
func (p *Process) LogPath() string {
	return p.logPath
}

// Read reads output from the PTY master.
func (p *Process) Read(b []byte) (int, error) {
	return p.pty.Read(b)
}

// Write sends input to the PTY master.
func (p *Process) Write(b []byte) (int, error) {
	return p.pty.Write(b)
}

// Close closes the PTY master. Safe to call more than once.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pty.Close()
	})
	return err
}

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} {
	p.startReaper()
	return p.done
}

// Wait reaps the child and returns its exit error.
func (p *Process) Wait() error {
	<-p.Done()
	return p.waitErr
}

// Detach closes the PTY master and leaves the child running. The child is
// still reaped in the background so it does not linger as a zombie.
func (p *Process) Detach() {
	p.Close()
	p.startReaper()
}

func (p *Process) startReaper() {
	p.reapOnce.Do(func() {
		go func() {
			p.waitErr = p.cmd.Wait()
			close(p.done)
		}()
	})
}

// ExitCode returns the child's exit status after Wait, or -1.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	return exitCode(p.cmd.ProcessState)
}
