// Package httpproxy is a minimal HTTP/1.x forward proxy. Each client
// connection carries exactly one exchange: plain requests are rewritten to
// "Connection: close", CONNECT requests become raw tunnels, and in chained
// mode everything is handed to a fixed upstream proxy.
package httpproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/matst80/revnet/internal/httpx"
	"github.com/matst80/revnet/internal/netutil"
	"github.com/matst80/revnet/internal/obs"
	"github.com/matst80/revnet/internal/relay"
)

// ConnectEstablished is written to the client once a CONNECT target is reachable.
const ConnectEstablished = "HTTP/1.0 200 Connection Established\r\n\r\n"

const defaultMaxHeaderSize = 32 * 1024

// Server holds the proxy settings. The zero value is usable.
type Server struct {
	// NextHop, when set, is the address of an upstream HTTP proxy that
	// receives every request instead of the request's own target.
	NextHop string
	// MaxHeaderSize bounds the request head; 0 means 32 KiB.
	MaxHeaderSize int
	// DialTimeout bounds target dials; 0 means no timeout.
	DialTimeout time.Duration
	// Dial overrides how targets are reached (tests).
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New returns a Server that chains to nextHop when it is non-empty.
func New(nextHop string) *Server {
	return &Server{NextHop: nextHop}
}

// Serve handles every connection accepted on ln until ln is closed.
func (s *Server) Serve(ln net.Listener) error {
	return netutil.AcceptLoop(context.Background(), ln, "http_egress", func(c net.Conn) {
		go func() {
			if err := s.ServeConn(c); err != nil {
				obs.Debug("httpproxy.conn", obs.Fields{"err": err.Error()})
			}
		}()
	})
}

// ServeConn proxies a single exchange read from c. It owns c and closes it
// before returning. A connection that does not start with a parseable request
// head is dropped without a response.
func (s *Server) ServeConn(c net.Conn) error {
	br := bufio.NewReader(c)
	req, _, err := httpx.ParseRequest(br, s.maxHeader())
	if err != nil {
		_ = c.Close()
		obs.ErrorsTotal.WithLabelValues("http_request").Inc()
		return fmt.Errorf("read request: %w", err)
	}
	req.RewriteKeepAlive()

	target := s.NextHop
	if target == "" {
		if target, err = req.TargetAddr(); err != nil {
			_ = c.Close()
			obs.ErrorsTotal.WithLabelValues("http_target").Inc()
			return err
		}
	}
	server, err := s.dial(target)
	if err != nil {
		_ = c.Close()
		obs.ErrorsTotal.WithLabelValues("http_dial").Inc()
		return fmt.Errorf("dial %s: %w", target, err)
	}
	client := httpx.NewBufferedConn(c, br)
	obs.Debug("httpproxy.request", obs.Fields{"method": req.Method, "uri": req.URI, "target": target})

	switch {
	case s.NextHop != "":
		obs.EgressRequestsTotal.WithLabelValues("chained").Inc()
		if _, err := req.WriteTo(server); err != nil {
			closeAll(client, server)
			return fmt.Errorf("forward request: %w", err)
		}
		relay.Pipe(client, server)
	case req.IsConnect():
		obs.EgressRequestsTotal.WithLabelValues("connect").Inc()
		if _, err := io.WriteString(c, ConnectEstablished); err != nil {
			closeAll(client, server)
			return fmt.Errorf("write connect reply: %w", err)
		}
		relay.Pipe(client, server)
	default:
		obs.EgressRequestsTotal.WithLabelValues("plain").Inc()
		if _, err := req.WriteTo(server); err != nil {
			closeAll(client, server)
			return fmt.Errorf("forward request: %w", err)
		}
		// Any request body keeps streaming. The origin socket is only shut
		// down once the response is complete, never on client half-close.
		go func() { _, _ = io.Copy(server, client) }()
		_, _ = relay.Copy(c, server)
		closeAll(client, server)
	}
	return nil
}

func (s *Server) maxHeader() int {
	if s.MaxHeaderSize > 0 {
		return s.MaxHeaderSize
	}
	return defaultMaxHeaderSize
}

func (s *Server) dial(addr string) (net.Conn, error) {
	ctx := context.Background()
	if s.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.DialTimeout)
		defer cancel()
	}
	if s.Dial != nil {
		return s.Dial(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
