package httpx

import (
	"bufio"
	"net"
)

// BufferedConn is a net.Conn whose reads drain a bufio.Reader first, so bytes
// buffered while parsing the request head are not lost.
type BufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func NewBufferedConn(c net.Conn, r *bufio.Reader) *BufferedConn {
	return &BufferedConn{Conn: c, r: r}
}

func (b *BufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// CloseWrite half-closes the underlying connection when it supports it.
func (b *BufferedConn) CloseWrite() error {
	if wc, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return wc.CloseWrite()
	}
	return nil
}
