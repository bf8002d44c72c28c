package cmdlog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		t.Fatalf("parse log: %v", err)
	}
	return entries
}

func TestFormat(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 14, 7, 9, 0, time.Local)
	got := string(Format(Entry{
		Time:    ts,
		Command: "echo hello",
		Output:  []byte("hello\r\n"),
		Timeout: 10 * time.Second,
	}))
	want := "\n[Tue Mar  5 14:07:09 2024] Command: echo hello\nExecution Timeout: 10s\nTimeout Occurred: No\nOutput:\nhello\r\n\n"
	if got != want {
		t.Errorf("Format mismatch\n got: %q\nwant: %q", got, want)
	}

	got = string(Format(Entry{Time: ts, Command: "sleep 9999", Timeout: 10 * time.Second, TimedOut: true}))
	if !strings.Contains(got, "Timeout Occurred: Yes\n") {
		t.Errorf("expected timeout flag Yes, got %q", got)
	}
}

func TestWriter_LogAndParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.log")
	w := NewWriter(path)

	if err := w.Log(Entry{Command: "echo hello", Output: []byte("hello\r\n"), Timeout: 10 * time.Second}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := w.Log(Entry{Command: "sleep 9999", Timeout: 10 * time.Second, TimedOut: true}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Command != "echo hello" || string(entries[0].Output) != "hello\r\n" || entries[0].TimedOut {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Command != "sleep 9999" || !entries[1].TimedOut || len(entries[1].Output) != 0 {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
	if entries[1].Timeout != 10*time.Second {
		t.Errorf("expected timeout 10s, got %s", entries[1].Timeout)
	}
	if entries[0].Time.IsZero() {
		t.Error("expected timestamp to be filled in")
	}
}

func TestWriter_SameEntryTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.log")
	w := NewWriter(path)
	e := Entry{Command: "uptime", Output: []byte("up 3 days\n"), Timeout: 10 * time.Second}

	w.Log(e)
	w.Log(e)

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for i, got := range entries {
		if got.Command != e.Command || !bytes.Equal(got.Output, e.Output) {
			t.Errorf("entry %d differs: %+v", i, got)
		}
	}
}

func TestWriter_ConcurrentWriters(t *testing.T) {
	const (
		sessions = 8
		perSess  = 50
	)
	path := filepath.Join(t.TempDir(), "commands.log")

	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			// Separate writers mirror separate session workers.
			w := NewWriter(path)
			for i := 0; i < perSess; i++ {
				out := strings.Repeat(fmt.Sprintf("session-%d line-%d\n", s, i), 40)
				err := w.Log(Entry{
					Command: fmt.Sprintf("cmd-%d-%d", s, i),
					Output:  []byte(out),
					Timeout: 10 * time.Second,
				})
				if err != nil {
					t.Errorf("Log failed: %v", err)
					return
				}
			}
		}(s)
	}
	wg.Wait()

	entries := readEntries(t, path)
	if len(entries) != sessions*perSess {
		t.Fatalf("expected %d entries, got %d", sessions*perSess, len(entries))
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		var s, i int
		if _, err := fmt.Sscanf(e.Command, "cmd-%d-%d", &s, &i); err != nil {
			t.Fatalf("corrupt command %q", e.Command)
		}
		want := strings.Repeat(fmt.Sprintf("session-%d line-%d\n", s, i), 40)
		if string(e.Output) != want {
			t.Fatalf("corrupt output for %s", e.Command)
		}
		if seen[e.Command] {
			t.Fatalf("duplicate entry %s", e.Command)
		}
		seen[e.Command] = true
	}
}

func TestWriter_OpenFailure(t *testing.T) {
	// A directory cannot be opened for writing.
	w := NewWriter(t.TempDir())
	err := w.Log(Entry{Command: "ls"})
	if err == nil {
		t.Fatal("expected error when log path is a directory")
	}
	if !errors.Is(err, ErrLogWriteFailed) {
		t.Errorf("expected ErrLogWriteFailed, got %v", err)
	}
}

func TestParse_Empty(t *testing.T) {
	entries, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}
