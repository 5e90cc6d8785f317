package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matst80/revnet/internal/egress"
	"github.com/matst80/revnet/internal/obs"
	"github.com/matst80/revnet/internal/proto"
	"github.com/matst80/revnet/internal/relay"
	"github.com/matst80/revnet/internal/state"
)

// OutsideConfig configures an outside node.
type OutsideConfig struct {
	// InsideAddr is the inside node's tunnel address.
	InsideAddr string
	// Egress supplies the far end of every pair.
	Egress egress.Dialer
	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// DialTimeout bounds control and data dials; 0 means none.
	DialTimeout time.Duration
	Store       state.Store
}

// Outside is the node with network reachability. It dials the inside node
// and never listens for it.
type Outside struct {
	cfg   OutsideConfig
	store state.Store
}

func NewOutside(cfg OutsideConfig) *Outside {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	store := cfg.Store
	if store == nil {
		store = state.NewMemoryStore("outside", "outside")
	}
	return &Outside{cfg: cfg, store: store}
}

// Run dials the control connection once and serves signals until ctx is done
// (returning nil) or the link fails (returning a *LinkError). A failed
// initial dial is returned as is; there is no retry.
func (n *Outside) Run(ctx context.Context) error {
	control, err := n.dialInside(ctx)
	if err != nil {
		return fmt.Errorf("dial inside %s: %w", n.cfg.InsideAddr, err)
	}
	setNoDelay(control)
	n.store.SetLinkUp(true)
	obs.Info("outside.control.connected", obs.Fields{"inside": n.cfg.InsideAddr, "heartbeat": n.cfg.HeartbeatInterval.String()})

	g, gctx := errgroup.WithContext(ctx)
	closeOnDone(gctx, control)
	g.Go(func() error { return writeHeartbeats(gctx, control, n.cfg.HeartbeatInterval, n.store) })
	g.Go(func() error { return n.readSignals(gctx, control) })
	err = g.Wait()
	n.store.SetLinkUp(false)
	return err
}

// readSignals answers each signal with one data connection. The data dial
// completes before the next signal is read so data connections reach the
// inside listener in signal order; egress dial and relay run concurrently.
func (n *Outside) readSignals(ctx context.Context, c net.Conn) error {
	for {
		sig, err := proto.ReadSignal(c)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &LinkError{Side: "outside", Op: "read signal", Err: err}
		}
		n.store.RecordSignal(int32(sig))
		obs.Debug("outside.signal", obs.Fields{"signal": int32(sig)})

		data, err := n.dialInside(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.store.RecordDialFailure()
			obs.ErrorsTotal.WithLabelValues("data_dial").Inc()
			obs.Error("outside.data.dial", obs.Fields{"signal": int32(sig), "err": err.Error()})
			continue
		}
		go n.serve(ctx, sig, data)
	}
}

func (n *Outside) serve(ctx context.Context, sig proto.Signal, data net.Conn) {
	far, err := n.cfg.Egress.DialEgress(ctx)
	if err != nil {
		_ = data.Close()
		n.store.RecordDialFailure()
		obs.ErrorsTotal.WithLabelValues("egress_dial").Inc()
		obs.Error("outside.egress.dial", obs.Fields{"signal": int32(sig), "err": err.Error()})
		return
	}
	n.store.RecordPair()
	relay.Bridge(fmt.Sprintf("out-%d", sig), data, far)
}

func (n *Outside) dialInside(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: n.cfg.DialTimeout}
	return d.DialContext(ctx, "tcp", n.cfg.InsideAddr)
}
