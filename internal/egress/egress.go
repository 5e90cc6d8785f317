// Package egress supplies the far end of every relay pair on the outside node.
//
// The tunnel core only needs a Dialer. The three deployment flavors differ in
// what that Dialer reaches:
//
//	http    the built-in forward proxy (in-process or on a local port),
//	        or an external HTTP proxy given by address
//	socks5  an unauthenticated SOCKS5 server (in-process or on a local port)
//	tcp     a fixed TCP address, relayed verbatim
package egress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/prep/socketpair"

	"github.com/matst80/revnet/internal/httpproxy"
	"github.com/matst80/revnet/internal/netutil"
	"github.com/matst80/revnet/internal/obs"
)

// Dialer opens a new connection to the egress provider.
type Dialer interface {
	DialEgress(ctx context.Context) (net.Conn, error)
}

// ConnServer serves one already-accepted connection and closes it when done.
// *httpproxy.Server and *socks5.Server both satisfy it.
type ConnServer interface {
	ServeConn(net.Conn) error
}

// Service is a ConnServer that can also run its own accept loop.
type Service interface {
	ConnServer
	Serve(net.Listener) error
}

// TCP dials a fixed address.
type TCP struct {
	Addr    string
	Timeout time.Duration
}

func (d TCP) DialEgress(ctx context.Context) (net.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", d.Addr)
}

func (d TCP) String() string { return "tcp " + d.Addr }

// InProcess hands each egress connection to Server over a unix socketpair, so
// no local port is needed.
type InProcess struct {
	Name   string
	Server ConnServer
}

func (d *InProcess) DialEgress(ctx context.Context) (net.Conn, error) {
	near, far, err := socketpair.New("unix")
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	go func() {
		if err := d.Server.ServeConn(far); err != nil {
			obs.Debug("egress.serve", obs.Fields{"egress": d.Name, "err": err.Error()})
		}
		_ = far.Close()
	}()
	return near, nil
}

func (d *InProcess) String() string { return "in-process " + d.Name }

// Listen binds addr, runs srv on it until ctx is done and returns a TCP
// dialer that reaches it over loopback.
func Listen(ctx context.Context, addr string, srv Service) (TCP, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return TCP{}, err
	}
	netutil.CloseOnDone(ctx, ln)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
			obs.Error("egress.listener", obs.Fields{"addr": addr, "err": err.Error()})
		}
	}()
	return TCP{Addr: loopback(ln.Addr())}, nil
}

// loopback rewrites an unspecified listen address to 127.0.0.1.
func loopback(a net.Addr) string {
	ta, ok := a.(*net.TCPAddr)
	if !ok || !ta.IP.IsUnspecified() {
		return a.String()
	}
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(ta.Port))
}

// NewSOCKS5 returns an unauthenticated SOCKS5 server.
func NewSOCKS5() (*socks5.Server, error) {
	return socks5.New(&socks5.Config{Logger: obs.StdLogger("[socks] ")})
}

// Flavor names an egress deployment flavor.
type Flavor string

const (
	FlavorHTTP   Flavor = "http"
	FlavorSOCKS5 Flavor = "socks5"
	FlavorTCP    Flavor = "tcp"
)

// Options selects and configures the egress provider. It is fixed for the
// lifetime of the outside node.
type Options struct {
	Flavor Flavor
	// ListenAddr binds the built-in HTTP or SOCKS5 server to a local port.
	// Empty serves it in-process.
	ListenAddr string
	// Addr is the tcp target, or an external HTTP proxy for the http flavor.
	Addr string
	// NextHop chains the built-in HTTP proxy to an upstream proxy.
	NextHop       string
	MaxHeaderSize int
	DialTimeout   time.Duration
}

// New builds the Dialer for o. Servers it starts stop when ctx is done.
func New(ctx context.Context, o Options) (Dialer, error) {
	switch o.Flavor {
	case FlavorTCP:
		if o.Addr == "" {
			return nil, errors.New("egress: tcp flavor needs a target address")
		}
		return TCP{Addr: o.Addr, Timeout: o.DialTimeout}, nil
	case FlavorHTTP, "":
		if o.Addr != "" {
			return TCP{Addr: o.Addr, Timeout: o.DialTimeout}, nil
		}
		srv := httpproxy.New(o.NextHop)
		srv.MaxHeaderSize = o.MaxHeaderSize
		srv.DialTimeout = o.DialTimeout
		return serve(ctx, "http", o.ListenAddr, srv)
	case FlavorSOCKS5:
		srv, err := NewSOCKS5()
		if err != nil {
			return nil, fmt.Errorf("egress: socks5: %w", err)
		}
		return serve(ctx, "socks5", o.ListenAddr, srv)
	default:
		return nil, fmt.Errorf("egress: unknown flavor %q", o.Flavor)
	}
}

func serve(ctx context.Context, name, listenAddr string, srv Service) (Dialer, error) {
	if listenAddr == "" {
		return &InProcess{Name: name, Server: srv}, nil
	}
	d, err := Listen(ctx, listenAddr, srv)
	if err != nil {
		return nil, fmt.Errorf("egress: listen %s: %w", listenAddr, err)
	}
	obs.Info("egress.listening", obs.Fields{"egress": name, "addr": d.Addr})
	return d, nil
}
