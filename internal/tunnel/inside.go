// Package tunnel coordinates the inside and outside nodes.
//
// The inside node cannot dial out. It listens on a tunnel port whose first
// accepted connection becomes the control connection; every later one is a
// data connection queued for pairing. For each local client it writes a
// signal on the control connection and pairs the client with the next queued
// data connection. The outside node dials the control connection, sends
// heartbeats, and answers each signal by dialing a fresh data connection and
// bridging it to its egress provider.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matst80/revnet/internal/netutil"
	"github.com/matst80/revnet/internal/obs"
	"github.com/matst80/revnet/internal/ratelimit"
	"github.com/matst80/revnet/internal/relay"
	"github.com/matst80/revnet/internal/state"
)

// InsideConfig configures an inside node.
type InsideConfig struct {
	// TunnelAddr is where the outside node connects (control, then data).
	TunnelAddr string
	// ClientAddr is the local client-facing listener.
	ClientAddr string
	// QueueSize bounds the signal queue and pending data connections.
	QueueSize int
	// HeartbeatTimeout, when positive, fails the link if no heartbeat
	// arrives within it.
	HeartbeatTimeout time.Duration
	// Limiter, when set, rejects client connections over its rate.
	Limiter *ratelimit.RateLimiter
	Store   state.Store
}

// Inside is the node without outbound network access.
type Inside struct {
	cfg      InsideConfig
	tunnelLn net.Listener
	clientLn net.Listener
	pending  *PendingQueue
	signals  *signalQueue
	store    state.Store
	pairSeq  atomic.Int64
}

// NewInside binds both listeners. Call Run to serve them.
func NewInside(cfg InsideConfig) (*Inside, error) {
	tunnelLn, err := net.Listen("tcp", cfg.TunnelAddr)
	if err != nil {
		return nil, fmt.Errorf("listen tunnel %s: %w", cfg.TunnelAddr, err)
	}
	clientLn, err := net.Listen("tcp", cfg.ClientAddr)
	if err != nil {
		_ = tunnelLn.Close()
		return nil, fmt.Errorf("listen client %s: %w", cfg.ClientAddr, err)
	}
	store := cfg.Store
	if store == nil {
		store = state.NewMemoryStore("inside", "inside")
	}
	return &Inside{
		cfg:      cfg,
		tunnelLn: tunnelLn,
		clientLn: clientLn,
		pending:  NewPendingQueue(cfg.QueueSize),
		signals:  newSignalQueue(cfg.QueueSize),
		store:    store,
	}, nil
}

func (n *Inside) TunnelAddr() net.Addr { return n.tunnelLn.Addr() }
func (n *Inside) ClientAddr() net.Addr { return n.clientLn.Addr() }

// Close releases the listeners of a node whose Run was never called.
func (n *Inside) Close() error {
	_ = n.clientLn.Close()
	n.pending.Close()
	return n.tunnelLn.Close()
}

// Run serves until ctx is done (returning nil) or the control link fails
// (returning a *LinkError). Relay pairs already started keep running until
// their own connections end.
func (n *Inside) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	netutil.CloseOnDone(gctx, n.tunnelLn)
	netutil.CloseOnDone(gctx, n.clientLn)

	g.Go(func() error { return n.acceptTunnel(gctx, g) })
	g.Go(func() error { return n.serveClients(gctx) })
	if n.cfg.Limiter.Enabled() {
		g.Go(func() error { return n.cleanupLimiter(gctx) })
	}
	err := g.Wait()
	n.pending.Close()
	n.store.SetPending(0)
	n.store.SetLinkUp(false)
	return err
}

func (n *Inside) acceptTunnel(ctx context.Context, g *errgroup.Group) error {
	var control net.Conn
	err := netutil.AcceptLoop(ctx, n.tunnelLn, "tunnel", func(c net.Conn) {
		if control == nil {
			control = c
			n.startControl(ctx, g, c)
			return
		}
		obs.Debug("inside.data.accepted", obs.Fields{"remote": c.RemoteAddr().String()})
		if err := n.pending.Push(ctx, c); err != nil {
			_ = c.Close()
			return
		}
		n.store.SetPending(n.pending.Len())
	})
	if err != nil {
		return fmt.Errorf("tunnel listener: %w", err)
	}
	return nil
}

func (n *Inside) startControl(ctx context.Context, g *errgroup.Group, c net.Conn) {
	setNoDelay(c)
	closeOnDone(ctx, c)
	n.store.SetLinkUp(true)
	obs.Info("inside.control.accepted", obs.Fields{"remote": c.RemoteAddr().String()})
	g.Go(func() error { return readHeartbeats(ctx, c, n.cfg.HeartbeatTimeout, n.store) })
	g.Go(func() error { return writeSignals(ctx, c, n.signals, n.store) })
}

// serveClients signals once per accepted client and then waits, on the
// accept goroutine, for the next data connection to pair it with.
func (n *Inside) serveClients(ctx context.Context) error {
	err := netutil.AcceptLoop(ctx, n.clientLn, "client", func(c net.Conn) {
		if !n.cfg.Limiter.AllowConnection(remoteIP(c)) {
			obs.RateLimitedTotal.Inc()
			obs.Debug("inside.client.rate_limited", obs.Fields{"remote": c.RemoteAddr().String()})
			_ = c.Close()
			return
		}
		if err := n.signals.Notify(ctx); err != nil {
			_ = c.Close()
			return
		}
		data, err := n.pending.Pop(ctx)
		if err != nil {
			_ = c.Close()
			return
		}
		n.store.SetPending(n.pending.Len())
		n.store.RecordPair()
		id := fmt.Sprintf("in-%d", n.pairSeq.Add(1))
		obs.Debug("inside.paired", obs.Fields{"id": id, "client": c.RemoteAddr().String(), "data": data.RemoteAddr().String()})
		go relay.Bridge(id, c, data)
	})
	if err != nil {
		return fmt.Errorf("client listener: %w", err)
	}
	return nil
}

func (n *Inside) cleanupLimiter(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if removed := n.cfg.Limiter.CleanupIdle(5 * time.Minute); removed > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": removed})
			}
		}
	}
}

func remoteIP(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
