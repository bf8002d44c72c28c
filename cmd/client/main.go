package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"cmdmanager/internal/protocol"

	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	dialTimeout = 5 * time.Second
	chunkSize   = 1024
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var addr string
	var timeout time.Duration

	flagSet := pflag.NewFlagSet("cmdclient", pflag.ContinueOnError)
	flagSet.StringVarP(&addr, "addr", "a", "127.0.0.1:8081", "command manager address")
	flagSet.DurationVarP(&timeout, "timeout", "t", 0, "give up after this long without activity (default: derived from the command)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: cmdclient [flags] [command...]\n\n%s", flagSet.FlagUsages())
		return nil
	}

	stdin := bufio.NewReader(os.Stdin)
	command := strings.Join(flagSet.Args(), " ")
	if command == "" {
		fmt.Print("Enter a Linux command to run interactively: ")
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read command: %w", err)
		}
		command = strings.TrimRight(line, "\r\n")
	}

	if timeout == 0 {
		timeout = protocol.DefaultPolicy().Classify(protocol.ParseCommand(command))
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, command+"\n"); err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}

	timedOut, err := relay(conn, stdin, os.Stdout, timeout)
	if timedOut {
		fmt.Fprintf(os.Stderr, "\r\n[command manager] Response timeout (%s).\r\n", timeout)
	}
	return err
}

// relay copies in to conn and conn to out until the server closes the
// connection or nothing moves in either direction for idle. It reports
// whether it gave up on the idle timeout. End of input stops forwarding but
// keeps reading, so piped input does not cut the command short.
func relay(conn net.Conn, in io.Reader, out io.Writer, idle time.Duration) (bool, error) {
	fromConn := readChunks(conn)
	fromIn := readChunks(in)

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case data, ok := <-fromConn:
			if !ok {
				return false, nil
			}
			if _, err := out.Write(data); err != nil {
				return false, fmt.Errorf("write output: %w", err)
			}

		case data, ok := <-fromIn:
			if !ok {
				fromIn = nil
				continue
			}
			if _, err := conn.Write(data); err != nil {
				return false, nil
			}

		case <-timer.C:
			return true, nil
		}
		timer.Reset(idle)
	}
}

// readChunks reads r on a goroutine. The channel is closed on the first
// read error.
func readChunks(r io.Reader) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for {
			buf := make([]byte, chunkSize)
			n, err := r.Read(buf)
			if n > 0 {
				ch <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}
