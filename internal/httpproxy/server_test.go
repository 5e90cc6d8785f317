package httpproxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ch := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		ch <- c
	}()
	d, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	a := <-ch
	if a == nil {
		t.Fatal("accept failed")
	}
	return d, a
}

// readHead reads one request head (through the blank line) from r.
func readHead(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		sb.WriteString(line)
		if err != nil {
			return sb.String(), err
		}
		if line == "\r\n" {
			return sb.String(), nil
		}
	}
}

type fakeOrigin struct {
	dialed chan string
	conn   net.Conn
}

func (f *fakeOrigin) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	f.dialed <- addr
	return f.conn, nil
}

func newFakeOrigin(t *testing.T) (*fakeOrigin, net.Conn) {
	dialSide, originSide := tcpPair(t)
	return &fakeOrigin{dialed: make(chan string, 1), conn: dialSide}, originSide
}

func TestPlainRequestRewrittenAndForwarded(t *testing.T) {
	origin, originConn := newFakeOrigin(t)
	client, proxySide := tcpPair(t)
	defer client.Close()
	s := &Server{Dial: origin.dial}
	errc := make(chan error, 1)
	go func() { errc <- s.ServeConn(proxySide) }()

	req := "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\nProxy-Connection: keep-alive\r\n\r\n"
	if _, err := io.WriteString(client, req); err != nil {
		t.Fatal(err)
	}

	if addr := <-origin.dialed; addr != "example.com:80" {
		t.Errorf("dialed %q, want example.com:80", addr)
	}
	head, err := readHead(bufio.NewReader(originConn))
	if err != nil {
		t.Fatalf("origin read: %v", err)
	}
	want := "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"
	if head != want {
		t.Errorf("origin received\n%q\nwant\n%q", head, want)
	}
	_, _ = io.WriteString(originConn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	_ = originConn.Close()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !strings.HasSuffix(string(resp), "hello") || !strings.HasPrefix(string(resp), "HTTP/1.1 200 OK") {
		t.Errorf("client received %q", resp)
	}
	if err := <-errc; err != nil {
		t.Errorf("ServeConn = %v", err)
	}
}

func TestConnectTunnel(t *testing.T) {
	origin, originConn := newFakeOrigin(t)
	client, proxySide := tcpPair(t)
	defer client.Close()
	s := &Server{Dial: origin.dial}
	go s.ServeConn(proxySide)
	go func() {
		_, _ = io.Copy(originConn, originConn)
		_ = originConn.Close()
	}()

	if _, err := io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	if addr := <-origin.dialed; addr != "example.com:443" {
		t.Errorf("dialed %q, want example.com:443", addr)
	}
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply := make([]byte, len(ConnectEstablished))
	if _, err := io.ReadFull(client, reply); err != nil || string(reply) != ConnectEstablished {
		t.Fatalf("connect reply = %q, %v", reply, err)
	}
	if _, err := io.WriteString(client, "ping"); err != nil {
		t.Fatal(err)
	}
	echo := make([]byte, 4)
	if _, err := io.ReadFull(client, echo); err != nil || string(echo) != "ping" {
		t.Fatalf("tunnel echo = %q, %v", echo, err)
	}
}

func TestChainedForwardsEverythingToNextHop(t *testing.T) {
	origin, originConn := newFakeOrigin(t)
	client, proxySide := tcpPair(t)
	defer client.Close()
	s := &Server{NextHop: "upstream.local:3128", Dial: origin.dial}
	go s.ServeConn(proxySide)

	if _, err := io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	if addr := <-origin.dialed; addr != "upstream.local:3128" {
		t.Errorf("dialed %q, want next hop", addr)
	}
	head, err := readHead(bufio.NewReader(originConn))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(head, "CONNECT example.com:443 HTTP/1.1\r\n") {
		t.Errorf("next hop received %q", head)
	}
	_, _ = io.WriteString(originConn, ConnectEstablished)
	_ = originConn.Close()
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, _ := io.ReadAll(client)
	if string(got) != ConnectEstablished {
		t.Errorf("client received %q", got)
	}
}

func TestMalformedRequestDropped(t *testing.T) {
	client, proxySide := tcpPair(t)
	defer client.Close()
	dialed := false
	s := &Server{Dial: func(context.Context, string, string) (net.Conn, error) {
		dialed = true
		return nil, errors.New("unexpected dial")
	}}
	errc := make(chan error, 1)
	go func() { errc <- s.ServeConn(proxySide) }()
	_ = client.(*net.TCPConn).CloseWrite()

	if err := <-errc; err == nil {
		t.Error("ServeConn accepted an empty request")
	}
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, _ := io.ReadAll(client)
	if len(got) != 0 {
		t.Errorf("client received %q, want nothing", got)
	}
	if dialed {
		t.Error("target dialed for an empty request")
	}
}

func TestServeOverListener(t *testing.T) {
	origin, originConn := newFakeOrigin(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	s := &Server{Dial: origin.dial}
	go s.Serve(ln)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	_, _ = io.WriteString(client, "GET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")
	if addr := <-origin.dialed; addr != "example.com:8080" {
		t.Errorf("dialed %q", addr)
	}
	if _, err := readHead(bufio.NewReader(originConn)); err != nil {
		t.Fatal(err)
	}
	_, _ = io.WriteString(originConn, "HTTP/1.0 204 No Content\r\n\r\n")
	_ = originConn.Close()
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, _ := io.ReadAll(client)
	if string(got) != "HTTP/1.0 204 No Content\r\n\r\n" {
		t.Errorf("client received %q", got)
	}
}

func TestPlainRequestOriginNotHalfClosedEarly(t *testing.T) {
	origin, originConn := newFakeOrigin(t)
	client, proxySide := tcpPair(t)
	defer client.Close()
	s := &Server{Dial: origin.dial}
	errc := make(chan error, 1)
	go func() { errc <- s.ServeConn(proxySide) }()

	if _, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	_ = client.(*net.TCPConn).CloseWrite()
	<-origin.dialed

	br := bufio.NewReader(originConn)
	if _, err := readHead(br); err != nil {
		t.Fatalf("origin read: %v", err)
	}
	// The client is done sending, but the origin must not see EOF before it
	// has answered.
	_ = originConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var ne net.Error
	if _, err := br.ReadByte(); !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("origin read after client half-close = %v, want timeout", err)
	}

	_, _ = io.WriteString(originConn, "HTTP/1.0 200 OK\r\n\r\ndone")
	_ = originConn.Close()
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, _ := io.ReadAll(client)
	if !strings.HasSuffix(string(got), "done") {
		t.Errorf("client received %q", got)
	}
	if err := <-errc; err != nil {
		t.Errorf("ServeConn = %v", err)
	}
}
