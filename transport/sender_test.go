package transport_test

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/habycr/memprof/transport"
)

func listen(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return ln, host, port
}

func TestSenderConnectsAndSendsLine(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	s := transport.NewSender(host, port, false)
	defer s.Close()
	s.SendLine([]byte(`{"hello":"world"}`))

	select {
	case got := <-lines:
		if got != `{"hello":"world"}` {
			t.Fatalf("unexpected line: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}

	if s.State() != transport.Connected {
		t.Fatalf("expected Connected, got %d", s.State())
	}
}

func TestSenderNeverBlocksOnDeadEndpoint(t *testing.T) {
	s := transport.NewSender("127.0.0.1", 1, false) // reserved port, nothing listens
	defer s.Close()

	done := make(chan struct{})
	go func() {
		s.SendLine([]byte("x"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("SendLine blocked past its dial timeout budget")
	}
	if s.State() != transport.Disconnected {
		t.Fatalf("expected Disconnected after failed dial, got %d", s.State())
	}
}

func TestSenderReconnectsAfterServerDrop(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	s := transport.NewSender(host, port, false)
	defer s.Close()

	s.SendLine([]byte("first"))
	first := <-accepted
	first.Close() // drop the connection from the server side

	time.Sleep(300 * time.Millisecond) // clear the sender's retry debounce

	s.SendLine([]byte("second"))
	select {
	case second := <-accepted:
		defer second.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("sender never reconnected after the server dropped it")
	}
}

func TestBrokerTransportFramesAsPublish(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sender := transport.NewSender(host, port, false)
	defer sender.Close()
	tr := transport.NewTransport(transport.KindBroker, sender, "MEMORY_UPDATE", "APP-1")
	tr.SendLine([]byte(`{"a":1}`))

	select {
	case got := <-lines:
		if !strings.HasPrefix(got, "PUBLISH|MEMORY_UPDATE|") || !strings.HasSuffix(got, "|APP-1") {
			t.Fatalf("unexpected PUBLISH framing: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
}
