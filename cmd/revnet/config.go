package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/matst80/revnet/internal/egress"
	"github.com/matst80/revnet/internal/tunnel"
)

const envPrefix = "REVNET_"

// Config holds all runtime configuration derived from flags, REVNET_*
// environment variables and an optional .env file, in that order of
// precedence.
type Config struct {
	Mode    string
	EnvFile string

	// inside
	TunnelAddr       string
	ListenAddr       string
	HeartbeatTimeout time.Duration
	AcceptRate       int
	AcceptBurst      int
	PerIPRate        int

	// outside
	InsideAddr        string
	Egress            string
	EgressListen      string
	EgressAddr        string
	NextHop           string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	MaxHeaderSize     int

	QueueSize     int
	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Debug         bool
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	f := flag.NewFlagSet("revnet", flag.ContinueOnError)
	f.StringVar(&cfg.Mode, "mode", "inside", "node role: inside (i) or outside (o)")
	f.StringVar(&cfg.EnvFile, "env-file", ".env", "dotenv file with REVNET_* defaults; a missing default file is ignored")

	f.StringVar(&cfg.TunnelAddr, "tunnel", ":50001", "inside: listener for the outside node's control and data connections")
	f.StringVar(&cfg.ListenAddr, "listen", ":50000", "inside: client-facing listener")
	f.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", 0, "inside: fail the link when no heartbeat arrives within this (0 = never)")
	f.IntVar(&cfg.AcceptRate, "accept-rate", 0, "inside: client connections per second overall (0 = unlimited)")
	f.IntVar(&cfg.AcceptBurst, "accept-burst", 10, "inside: burst size for the accept rate limits")
	f.IntVar(&cfg.PerIPRate, "per-ip-rate", 0, "inside: client connections per second per source IP (0 = unlimited)")

	f.StringVar(&cfg.InsideAddr, "inside", "127.0.0.1:50001", "outside: inside node tunnel address to dial")
	f.StringVar(&cfg.Egress, "egress", string(egress.FlavorHTTP), "outside: egress flavor (http, socks5, tcp)")
	f.StringVar(&cfg.EgressListen, "egress-listen", "", "outside: serve the built-in http/socks5 egress on this local address instead of in-process")
	f.StringVar(&cfg.EgressAddr, "egress-addr", "", "outside: tcp target, or an external HTTP proxy for the http flavor")
	f.StringVar(&cfg.NextHop, "next-hop", "", "outside: chain the built-in HTTP proxy to this upstream proxy")
	f.DurationVar(&cfg.HeartbeatInterval, "heartbeat", tunnel.DefaultHeartbeatInterval, "outside: heartbeat interval")
	f.DurationVar(&cfg.DialTimeout, "dial-timeout", 0, "outside: timeout for data and egress dials (0 = none)")
	f.IntVar(&cfg.MaxHeaderSize, "max-header-size", 32*1024, "outside: maximum HTTP request head size for the built-in proxy")

	f.IntVar(&cfg.QueueSize, "queue-size", tunnel.DefaultQueueSize, "bound of the signal and pending data connection queues")
	f.StringVar(&cfg.MetricsAddr, "metrics", "", "metrics, health and dashboard listen address (empty disables)")
	f.StringVar(&cfg.RedisAddr, "redis", "", "Redis address to publish node state to (empty = in-memory only)")
	f.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	f.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
	f.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	return f
}

// parseConfig parses args (without the program name). Flags not given on the
// command line take their value from the environment, then from the dotenv
// file.
func parseConfig(args []string) (Config, error) {
	var cfg Config
	flags := newFlagSet(&cfg)
	flags.SetOutput(io.Discard)
	if err := flags.Parse(args); err != nil {
		return cfg, err
	}
	if flags.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %s", strings.Join(flags.Args(), " "))
	}

	set := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if v, ok := os.LookupEnv(envKey("env-file")); ok && !set["env-file"] {
		cfg.EnvFile = v
		set["env-file"] = true
	}
	dotenv, err := godotenv.Read(cfg.EnvFile)
	if err != nil {
		if set["env-file"] || !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("env file %s: %w", cfg.EnvFile, err)
		}
		dotenv = nil
	}
	var applyErr error
	flags.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || applyErr != nil {
			return
		}
		key := envKey(f.Name)
		v, ok := os.LookupEnv(key)
		if !ok {
			v, ok = dotenv[key]
		}
		if !ok {
			return
		}
		if err := f.Value.Set(v); err != nil {
			applyErr = fmt.Errorf("%s=%q: %w", key, v, err)
		}
	})
	if applyErr != nil {
		return cfg, applyErr
	}
	return cfg, cfg.validate()
}

// usage prints the flag defaults to w.
func usage(w io.Writer) {
	f := newFlagSet(&Config{})
	f.SetOutput(w)
	fmt.Fprintln(w, "usage: revnet -mode inside|outside [flags]")
	fmt.Fprintln(w, "every flag may also be set as "+envPrefix+"<FLAG> in the environment or the -env-file")
	f.PrintDefaults()
}

func envKey(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Mode) {
	case "inside", "i":
		c.Mode = "inside"
	case "outside", "o":
		c.Mode = "outside"
	default:
		return fmt.Errorf("unknown mode %q (want inside or outside)", c.Mode)
	}
	switch egress.Flavor(c.Egress) {
	case egress.FlavorHTTP, egress.FlavorSOCKS5:
	case egress.FlavorTCP:
		if c.Mode == "outside" && c.EgressAddr == "" {
			return errors.New("egress tcp needs -egress-addr")
		}
	default:
		return fmt.Errorf("unknown egress %q (want http, socks5 or tcp)", c.Egress)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue-size must be positive, got %d", c.QueueSize)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat must be positive, got %s", c.HeartbeatInterval)
	}
	return nil
}
