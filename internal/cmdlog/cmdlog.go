// Package cmdlog appends command outcomes to a shared log file. Writers in
// different goroutines or processes are serialized with an exclusive flock
// held for the duration of one record.
package cmdlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLogWriteFailed wraps any failure to open, lock or write the log file.
var ErrLogWriteFailed = errors.New("command log write failed")

// TimestampLayout is the record timestamp format (ctime style).
const TimestampLayout = time.ANSIC

// Entry is one command outcome.
type Entry struct {
	Time     time.Time
	Command  string
	Output   []byte
	Timeout  time.Duration
	TimedOut bool
}

// Writer appends entries to a log file.
type Writer struct {
	path string
	now  func() time.Time
}

// NewWriter creates a writer for path. The file is created on first use.
func NewWriter(path string) *Writer {
	return &Writer{path: path, now: time.Now}
}

// Path returns the log file path.
func (w *Writer) Path() string {
	return w.path
}

// Log appends one record. The record is written with a single write call
// while holding an exclusive lock, so concurrent records never interleave.
func (w *Writer) Log(e Entry) error {
	if e.Time.IsZero() {
		e.Time = w.now()
	}

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrLogWriteFailed, w.path, err)
	}
	// Closing the descriptor releases the lock.
	defer f.Close()

	if err := flock(f, unix.LOCK_EX); err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrLogWriteFailed, w.path, err)
	}

	if _, err := f.Write(Format(e)); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrLogWriteFailed, w.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrLogWriteFailed, w.path, err)
	}
	return nil
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Format renders e as a log record.
func Format(e Entry) []byte {
	occurred := "No"
	if e.TimedOut {
		occurred = "Yes"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "\n[%s] Command: %s\nExecution Timeout: %s\nTimeout Occurred: %s\nOutput:\n",
		e.Time.Format(TimestampLayout), e.Command, e.Timeout, occurred)
	b.Write(e.Output)
	b.WriteByte('\n')
	return b.Bytes()
}

var headerRe = regexp.MustCompile(`(?m)^\[([^\]\n]+)\] Command: (.*)\nExecution Timeout: (.*)\nTimeout Occurred: (Yes|No)\nOutput:\n`)

// Parse reads back records written by Writer. Output that itself contains
// a complete record header cannot be told apart from a new record.
func Parse(r io.Reader) ([]Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	matches := headerRe.FindAllSubmatchIndex(data, -1)
	entries := make([]Entry, 0, len(matches))
	for i, m := range matches {
		if m[0] == 0 || data[m[0]-1] != '\n' {
			return nil, fmt.Errorf("record at offset %d is not preceded by a blank line", m[0])
		}

		ts, err := time.ParseInLocation(TimestampLayout, string(data[m[2]:m[3]]), time.Local)
		if err != nil {
			return nil, fmt.Errorf("record at offset %d: %w", m[0], err)
		}
		timeout, err := time.ParseDuration(string(data[m[6]:m[7]]))
		if err != nil {
			return nil, fmt.Errorf("record at offset %d: %w", m[0], err)
		}

		end := len(data)
		if i+1 < len(matches) {
			// The next record starts with its own newline.
			end = matches[i+1][0] - 1
		}
		output := data[m[1]:end]
		if !bytes.HasSuffix(output, []byte("\n")) {
			return nil, fmt.Errorf("record at offset %d is truncated", m[0])
		}
		output = output[:len(output)-1]

		entries = append(entries, Entry{
			Time:     ts,
			Command:  string(data[m[4]:m[5]]),
			Output:   append([]byte(nil), output...),
			Timeout:  timeout,
			TimedOut: string(data[m[8]:m[9]]) == "Yes",
		})
	}
	return entries, nil
}
