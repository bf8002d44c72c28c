package main

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func TestRelay_ServerOutput(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		server.Write([]byte("hello\r\n"))
		server.Close()
	}()

	var out bytes.Buffer
	timedOut, err := relay(client, strings.NewReader(""), &out, 5*time.Second)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if timedOut {
		t.Error("expected no timeout")
	}
	if out.String() != "hello\r\n" {
		t.Errorf("expected 'hello\\r\\n', got %q", out.String())
	}
}

func TestRelay_ForwardsInput(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		defer server.Close()
		buf := make([]byte, 3)
		if _, err := io.ReadFull(server, buf); err != nil {
			return
		}
		server.Write([]byte("got " + string(buf)))
	}()

	var out bytes.Buffer
	if _, err := relay(client, strings.NewReader("abc"), &out, 5*time.Second); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if out.String() != "got abc" {
		t.Errorf("expected 'got abc', got %q", out.String())
	}
}

func TestRelay_IdleTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	in, inW := io.Pipe()
	defer inW.Close()

	start := time.Now()
	timedOut, err := relay(client, in, io.Discard, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !timedOut {
		t.Error("expected idle timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("idle timeout took %s", elapsed)
	}
}
