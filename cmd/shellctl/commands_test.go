package main

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"framelink/builtin"
	"framelink/server"
)

func startCompanion(t *testing.T, opts ...server.Option) *net.TCPAddr {
	t.Helper()
	svr := server.NewServer(opts...)
	if err := svr.Register(&builtin.Service{}); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return ln.Addr().(*net.TCPAddr)
}

func run(t *testing.T, addr *net.TCPAddr, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--host", addr.IP.String(), "--port", strconv.Itoa(addr.Port)}, args...))
	err := root.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestCalcCommand(t *testing.T) {
	addr := startCompanion(t)
	out, err := run(t, addr, "calc", "10", "20")
	if err != nil {
		t.Fatal(err)
	}
	if out != "30" {
		t.Fatalf("expect 30, got %q", out)
	}
}

func TestCalcRejectsNonNumbers(t *testing.T) {
	addr := startCompanion(t)
	if _, err := run(t, addr, "calc", "ten", "20"); err == nil {
		t.Fatal("expect parse error")
	}
}

func TestMessageCommand(t *testing.T) {
	addr := startCompanion(t)
	out, err := run(t, addr, "message", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Fatalf("expect hello, got %q", out)
	}

	if _, err := run(t, addr, "message", ""); err == nil || !strings.Contains(err.Error(), "content is empty") {
		t.Fatalf("expect remote error, got %v", err)
	}
}

func TestRawCommandWaitsForCorrelatedReply(t *testing.T) {
	addr := startCompanion(t)
	out, err := run(t, addr, "raw", "--json", `{"event":"calculate","data":{"a":1,"b":2},"requestId":"cli-1"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"requestId":"cli-1"`) || !strings.Contains(out, `"result":3`) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestWatchCommand(t *testing.T) {
	addr := startCompanion(t, server.WithWelcome("hi there"))
	out, err := run(t, addr, "watch", "--for", "200ms")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"event":"welcome"`) {
		t.Fatalf("expect the welcome notification, got %q", out)
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	if _, err := run(t, addr, "calc", "1", "2"); err == nil {
		t.Fatal("expect connect error")
	}
}
