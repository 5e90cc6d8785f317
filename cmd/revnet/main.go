// Command revnet gives a host without outbound network access a route to the
// internet through a reachable peer. Run it with -mode inside on the isolated
// host and with -mode outside on a host that can reach both the inside node
// and the internet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/revnet/internal/egress"
	"github.com/matst80/revnet/internal/obs"
	"github.com/matst80/revnet/internal/ratelimit"
	"github.com/matst80/revnet/internal/state"
	"github.com/matst80/revnet/internal/tunnel"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			usage(os.Stdout)
			return
		}
		fmt.Fprintln(os.Stderr, "revnet:", err)
		usage(os.Stderr)
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node := state.NewNodeID(cfg.Mode)
	store, err := state.NewStore(ctx, node, cfg.Mode, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer store.Close()
	if cfg.MetricsAddr != "" {
		go startMetricsServer(cfg.MetricsAddr, store)
	}

	if cfg.Mode == "inside" {
		err = runInside(ctx, cfg, store)
	} else {
		err = runOutside(ctx, cfg, store)
	}
	store.SetClosing(true)
	if err != nil {
		if errors.Is(err, tunnel.ErrLinkBroken) {
			obs.Error("link.broken", obs.Fields{"node": node, "err": err.Error()})
		} else {
			obs.Error(cfg.Mode+".failed", obs.Fields{"node": node, "err": err.Error()})
		}
		_ = store.Close()
		os.Exit(1)
	}
	obs.Info(cfg.Mode+".shutdown.complete", obs.Fields{"node": node})
}

func runInside(ctx context.Context, cfg Config, store state.Store) error {
	var limiter *ratelimit.RateLimiter
	if cfg.AcceptRate > 0 || cfg.PerIPRate > 0 {
		limiter = ratelimit.NewRateLimiter(cfg.AcceptRate, cfg.PerIPRate, cfg.AcceptBurst)
	}
	in, err := tunnel.NewInside(tunnel.InsideConfig{
		TunnelAddr:       cfg.TunnelAddr,
		ClientAddr:       cfg.ListenAddr,
		QueueSize:        cfg.QueueSize,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Limiter:          limiter,
		Store:            store,
	})
	if err != nil {
		return err
	}
	port := portOf(in.ClientAddr())
	obs.Info("inside.start", obs.Fields{
		"tunnel":    in.TunnelAddr().String(),
		"listen":    in.ClientAddr().String(),
		"set_proxy": fmt.Sprintf("export http_proxy=http://127.0.0.1:%s https_proxy=http://127.0.0.1:%s", port, port),
		"unset":     "unset http_proxy https_proxy",
		"outside":   fmt.Sprintf("revnet -mode outside -inside <this-host>:%s", portOf(in.TunnelAddr())),
	})
	return in.Run(ctx)
}

func runOutside(ctx context.Context, cfg Config, store state.Store) error {
	dialer, err := egress.New(ctx, egress.Options{
		Flavor:        egress.Flavor(cfg.Egress),
		ListenAddr:    cfg.EgressListen,
		Addr:          cfg.EgressAddr,
		NextHop:       cfg.NextHop,
		MaxHeaderSize: cfg.MaxHeaderSize,
		DialTimeout:   cfg.DialTimeout,
	})
	if err != nil {
		return err
	}
	obs.Info("outside.start", obs.Fields{"inside": cfg.InsideAddr, "egress": fmt.Sprint(dialer)})
	return tunnel.NewOutside(tunnel.OutsideConfig{
		InsideAddr:        cfg.InsideAddr,
		Egress:            dialer,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DialTimeout:       cfg.DialTimeout,
		Store:             store,
	}).Run(ctx)
}

func portOf(a net.Addr) string {
	_, p, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return p
}
