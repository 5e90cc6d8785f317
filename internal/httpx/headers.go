// Package httpx reads and rewrites HTTP/1.x request heads for the forward proxy.
package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// ErrHeaderTooLarge is returned when a request head exceeds its size limit.
var ErrHeaderTooLarge = errors.New("header too large")

// ProxyHeaders is a parsed representation of an HTTP request start-line + headers.
type ProxyHeaders struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *ProxyHeaders) Get(name string) string {
	lname := strings.ToLower(name)
	for _, h := range p.Headers {
		if strings.ToLower(h.Name) == lname {
			return h.Value
		}
	}
	return ""
}

// ParseRequest reads one request head from r, up to and including the blank
// line, and returns it with its size on the wire. Reading stops once the head
// would exceed max bytes, even within a single line; anything after the head
// stays buffered in r.
func ParseRequest(r *bufio.Reader, max int) (*ProxyHeaders, int, error) {
	var buf []byte
	for !hasHeaderEnd(buf) {
		chunk, err := r.ReadSlice('\n')
		if len(buf)+len(chunk) > max {
			return nil, 0, fmt.Errorf("%w (%d>%d)", ErrHeaderTooLarge, len(buf)+len(chunk), max)
		}
		buf = append(buf, chunk...)
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, err
		}
	}
	p, err := parseHead(buf)
	if err != nil {
		return nil, 0, err
	}
	return p, len(buf), nil
}

func hasHeaderEnd(b []byte) bool {
	return bytes.HasSuffix(b, []byte("\r\n\r\n")) || bytes.HasSuffix(b, []byte("\n\n"))
}

func parseHead(head []byte) (*ProxyHeaders, error) {
	reader := bufio.NewReader(bytes.NewReader(head))
	reqLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	reqLine = strings.TrimRight(reqLine, "\r\n")
	parts := strings.Split(reqLine, " ")
	if len(parts) < 3 {
		return nil, fmt.Errorf("bad request line: %q", reqLine)
	}
	ph := &ProxyHeaders{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || len(line) == 0 {
				break
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // skip malformed
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		ph.Headers = append(ph.Headers, Header{Name: name, Value: value})
	}
	return ph, nil
}

// WriteTo writes the request head to w. The body, if any, is left to the caller.
func (p *ProxyHeaders) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(b []byte) error {
		n, err := w.Write(b)
		total += int64(n)
		return err
	}
	if err := write([]byte(fmt.Sprintf("%s %s %s\r\n", p.Method, p.URI, p.Proto))); err != nil {
		return total, err
	}
	for _, h := range p.Headers {
		if err := write([]byte(h.Name + ": " + h.Value + "\r\n")); err != nil {
			return total, err
		}
	}
	if err := write([]byte("\r\n")); err != nil {
		return total, err
	}
	return total, nil
}

// RewriteKeepAlive turns any "Proxy-Connection: keep-alive" or
// "Connection: keep-alive" header into "Connection: close" so the exchange
// ends with the response. When the request carries no Connection header at
// all one is added. Other Connection values (e.g. Upgrade) are left alone.
func (p *ProxyHeaders) RewriteKeepAlive() {
	out := p.Headers[:0]
	replaced, hasConn := false, false
	for _, h := range p.Headers {
		lname := strings.ToLower(h.Name)
		if (lname == "proxy-connection" || lname == "connection") && strings.EqualFold(h.Value, "keep-alive") {
			if !replaced {
				out = append(out, Header{Name: "Connection", Value: "close"})
				replaced, hasConn = true, true
			}
			continue
		}
		if lname == "connection" {
			hasConn = true
		}
		out = append(out, h)
	}
	p.Headers = out
	if !hasConn {
		p.Headers = append(p.Headers, Header{Name: "Connection", Value: "close"})
	}
}

// IsConnect reports whether the request is a CONNECT tunnel request.
func (p *ProxyHeaders) IsConnect() bool { return strings.EqualFold(p.Method, "CONNECT") }
