package ircconn

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeServer accepts one connection and hands back the bufio.Reader/net.Conn
// for the test to script a handshake against, mirroring how the teacher's
// own upstream tests fake a backend socket rather than mocking the dialer.
func fakeServer(t *testing.T) (addr string, accept func() (net.Conn, *bufio.Reader)) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	return ln.Addr().String(), func() (net.Conn, *bufio.Reader) {
		conn, err := ln.Accept()
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		return conn, bufio.NewReader(conn)
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func TestDial_SendsHandshake(t *testing.T) {
	addr, accept := fakeServer(t)
	host, port := splitHostPort(t, addr)

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := accept()
		serverConnCh <- conn
	}()

	c, err := Dial(context.Background(), DialOptions{
		Address:  host,
		Port:     port,
		Nick:     "alice",
		Username: "alice",
		Ircname:  "Alice Bridge",
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Disconnect("")

	serverConn := <-serverConnCh
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(serverConn)

	var lines []string
	for i := 0; i < 2; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read handshake line %d: %v", i, err)
		}
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}

	if lines[0] != "NICK alice" {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "USER alice 0 * :Alice Bridge") {
		t.Fatalf("unexpected second line: %q", lines[1])
	}
}

func TestConn_DispatchesToSpecificAndAnyHandlers(t *testing.T) {
	addr, accept := fakeServer(t)
	host, port := splitHostPort(t, addr)

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := accept()
		serverConnCh <- conn
	}()

	c, err := Dial(context.Background(), DialOptions{Address: host, Port: port, Nick: "alice", Username: "alice", Ircname: "alice"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Disconnect("")

	serverConn := <-serverConnCh

	privmsgCh := make(chan *Message, 1)
	anyCh := make(chan *Message, 4)
	c.On("PRIVMSG", func(msg *Message) { privmsgCh <- msg })
	c.On(CommandAny, func(msg *Message) { anyCh <- msg })

	serverConn.Write([]byte(":bob!u@h PRIVMSG #chan :hi there\r\n"))

	select {
	case msg := <-privmsgCh:
		if msg.Trailing() != "hi there" {
			t.Fatalf("unexpected trailing: %q", msg.Trailing())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PRIVMSG dispatch")
	}

	select {
	case <-anyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CommandAny dispatch")
	}
}

func TestConn_ConnectedBecomesFalseAfterDisconnect(t *testing.T) {
	addr, accept := fakeServer(t)
	host, port := splitHostPort(t, addr)

	go func() { accept() }()

	c, err := Dial(context.Background(), DialOptions{Address: host, Port: port, Nick: "alice", Username: "alice", Ircname: "alice"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if !c.Connected() {
		t.Fatal("expected Connected() to be true right after dial")
	}

	c.Disconnect("")
	if c.Connected() {
		t.Fatal("expected Connected() to be false after Disconnect")
	}
}
