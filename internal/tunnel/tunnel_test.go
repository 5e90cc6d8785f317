package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matst80/revnet/internal/egress"
	"github.com/matst80/revnet/internal/proto"
	"github.com/matst80/revnet/internal/ratelimit"
	"github.com/matst80/revnet/internal/state"
)

type node struct {
	cancel context.CancelFunc
	errc   chan error
}

func (n *node) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-n.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
		return nil
	}
}

func startInside(t *testing.T, cfg InsideConfig) (*Inside, *node) {
	t.Helper()
	if cfg.TunnelAddr == "" {
		cfg.TunnelAddr = "127.0.0.1:0"
	}
	if cfg.ClientAddr == "" {
		cfg.ClientAddr = "127.0.0.1:0"
	}
	in, err := NewInside(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &node{cancel: cancel, errc: make(chan error, 1)}
	go func() { n.errc <- in.Run(ctx) }()
	t.Cleanup(cancel)
	return in, n
}

func startOutside(t *testing.T, cfg OutsideConfig) *node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	n := &node{cancel: cancel, errc: make(chan error, 1)}
	go func() { n.errc <- NewOutside(cfg).Run(ctx) }()
	t.Cleanup(cancel)
	return n
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(c, c)
				_ = c.Close()
			}()
		}
	}()
	return ln.Addr().String()
}

func ping(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(c, msg); err != nil {
		t.Fatalf("write %q: %v", msg, err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read echo of %q: %v", msg, err)
	}
	if string(got) != msg {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEchoThroughTunnel(t *testing.T) {
	inStore := state.NewMemoryStore("in", "inside")
	outStore := state.NewMemoryStore("out", "outside")
	in, _ := startInside(t, InsideConfig{Store: inStore})
	startOutside(t, OutsideConfig{
		InsideAddr:        in.TunnelAddr().String(),
		Egress:            egress.TCP{Addr: echoServer(t)},
		HeartbeatInterval: 50 * time.Millisecond,
		Store:             outStore,
	})

	client, err := net.Dial("tcp", in.ClientAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	ping(t, client, "ping")

	// Half-close from the client reaches the echo server, which closes in turn.
	_ = client.(*net.TCPConn).CloseWrite()
	rest, err := io.ReadAll(client)
	if err != nil || len(rest) != 0 {
		t.Fatalf("after half-close read %q, %v", rest, err)
	}
	_ = client.Close()

	eventually(t, "heartbeats", func() bool { return inStore.Stats().Heartbeats > 0 })
	if st := inStore.Stats(); st.Signals != 1 || st.Pairs != 1 || !st.LinkUp {
		t.Errorf("inside stats = %+v", st)
	}
	eventually(t, "outside pair", func() bool { return outStore.Stats().Pairs == 1 })
}

func TestManyClientsEachPairedOnce(t *testing.T) {
	const clients = 20
	inStore := state.NewMemoryStore("in", "inside")
	outStore := state.NewMemoryStore("out", "outside")
	in, _ := startInside(t, InsideConfig{Store: inStore})
	startOutside(t, OutsideConfig{
		InsideAddr: in.TunnelAddr().String(),
		Egress:     egress.TCP{Addr: echoServer(t)},
		Store:      outStore,
	})

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := net.Dial("tcp", in.ClientAddr().String())
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(10 * time.Second))
			msg := fmt.Sprintf("client-%02d", i)
			if _, err := io.WriteString(c, msg); err != nil {
				errs <- err
				return
			}
			got := make([]byte, len(msg))
			if _, err := io.ReadFull(c, got); err != nil {
				errs <- err
				return
			}
			if string(got) != msg {
				errs <- fmt.Errorf("client %d got %q", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	eventually(t, "inside signals", func() bool { return inStore.Stats().Signals == clients })
	if st := inStore.Stats(); st.Pairs != clients || st.LastSignal != clients {
		t.Errorf("inside stats = %+v, want %d pairs", st, clients)
	}
	eventually(t, "outside signals", func() bool { return outStore.Stats().Signals == clients })
}

// fakeOutside connects as the control connection and lets the test drive
// the outside side of the protocol by hand.
func fakeOutside(t *testing.T, in *Inside) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", in.TunnelAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSignalsAndFIFOPairing(t *testing.T) {
	in, _ := startInside(t, InsideConfig{})
	control := fakeOutside(t, in)
	_ = control.SetDeadline(time.Now().Add(5 * time.Second))

	// Two data connections queued before any client arrives.
	var data []net.Conn
	for i := 0; i < 2; i++ {
		d, err := net.Dial("tcp", in.TunnelAddr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer d.Close()
		data = append(data, d)
		eventually(t, "data queued", func() bool { return in.pending.Len() == i+1 })
	}

	for i := 0; i < 2; i++ {
		client, err := net.Dial("tcp", in.ClientAddr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer client.Close()
		sig, err := proto.ReadSignal(control)
		if err != nil {
			t.Fatalf("read signal: %v", err)
		}
		if sig != proto.Signal(i+1) {
			t.Errorf("signal = %d, want %d", sig, i+1)
		}
		msg := fmt.Sprintf("to-client-%d", i)
		_ = data[i].SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.WriteString(data[i], msg); err != nil {
			t.Fatal(err)
		}
		_ = client.SetDeadline(time.Now().Add(5 * time.Second))
		got := make([]byte, len(msg))
		if _, err := io.ReadFull(client, got); err != nil || string(got) != msg {
			t.Fatalf("client %d read %q, %v; want %q", i, got, err, msg)
		}
	}
}

func TestInsideControlLinkBroken(t *testing.T) {
	in, n := startInside(t, InsideConfig{})
	control := fakeOutside(t, in)
	_ = proto.WriteHeartbeat(control)
	_ = control.Close()

	err := n.wait(t)
	if !errors.Is(err, ErrLinkBroken) {
		t.Fatalf("Run = %v, want link broken", err)
	}
	var le *LinkError
	if errors.As(err, &le) && le.Side != "inside" {
		t.Errorf("side = %q", le.Side)
	}
	if _, err := net.Dial("tcp", in.ClientAddr().String()); err == nil {
		t.Error("client listener still open after link failure")
	}
}

func TestPairedRelaySurvivesLinkLoss(t *testing.T) {
	in, inNode := startInside(t, InsideConfig{})
	out := startOutside(t, OutsideConfig{
		InsideAddr: in.TunnelAddr().String(),
		Egress:     egress.TCP{Addr: echoServer(t)},
	})
	client, err := net.Dial("tcp", in.ClientAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	ping(t, client, "before")

	out.cancel()
	if err := out.wait(t); err != nil {
		t.Errorf("outside Run after cancel = %v, want nil", err)
	}
	if err := inNode.wait(t); !errors.Is(err, ErrLinkBroken) {
		t.Fatalf("inside Run = %v, want link broken", err)
	}
	ping(t, client, "after")
}

func TestHeartbeatTimeout(t *testing.T) {
	in, n := startInside(t, InsideConfig{HeartbeatTimeout: 200 * time.Millisecond})
	fakeOutside(t, in) // never sends a heartbeat

	start := time.Now()
	err := n.wait(t)
	if !errors.Is(err, ErrLinkBroken) {
		t.Fatalf("Run = %v, want link broken", err)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("err = %v, want a timeout", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("timeout detected after %s", time.Since(start))
	}
}

func TestHeartbeatsKeepLinkAlive(t *testing.T) {
	in, n := startInside(t, InsideConfig{HeartbeatTimeout: 300 * time.Millisecond})
	startOutside(t, OutsideConfig{
		InsideAddr:        in.TunnelAddr().String(),
		Egress:            egress.TCP{Addr: echoServer(t)},
		HeartbeatInterval: 50 * time.Millisecond,
	})
	select {
	case err := <-n.errc:
		t.Fatalf("inside stopped with heartbeats flowing: %v", err)
	case <-time.After(time.Second):
	}
	n.cancel()
	if err := n.wait(t); err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
}

func TestInsideCleanShutdown(t *testing.T) {
	in, n := startInside(t, InsideConfig{})
	addr := in.ClientAddr().String()
	n.cancel()
	if err := n.wait(t); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if c, err := net.Dial("tcp", addr); err == nil {
		c.Close()
		t.Error("client listener still accepting after shutdown")
	}
}

func TestOutsideDialFailureIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	err = NewOutside(OutsideConfig{InsideAddr: addr, Egress: egress.TCP{Addr: addr}}).Run(context.Background())
	if err == nil || errors.Is(err, ErrLinkBroken) {
		t.Fatalf("Run = %v, want dial error", err)
	}
}

// fakeInside accepts the control connection and hands it back together with
// the listener so the test can watch data connections arrive.
func fakeInside(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	conns := make(chan net.Conn, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()
	return ln, conns
}

func next(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func TestOutsideAnswersSignals(t *testing.T) {
	ln, conns := fakeInside(t)
	n := startOutside(t, OutsideConfig{
		InsideAddr:        ln.Addr().String(),
		Egress:            egress.TCP{Addr: echoServer(t)},
		HeartbeatInterval: 20 * time.Millisecond,
	})
	control := next(t, conns)
	_ = control.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := proto.ReadHeartbeat(control); err != nil {
		t.Fatalf("no heartbeat: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := proto.WriteSignal(control, proto.Signal(i)); err != nil {
			t.Fatal(err)
		}
		data := next(t, conns)
		ping(t, data, fmt.Sprintf("data-%d", i))
	}

	_ = control.Close()
	if err := n.wait(t); !errors.Is(err, ErrLinkBroken) {
		t.Fatalf("outside Run = %v, want link broken", err)
	}
}

func TestOutsideEgressFailureIsLocal(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	store := state.NewMemoryStore("out", "outside")
	ln, conns := fakeInside(t)
	n := startOutside(t, OutsideConfig{
		InsideAddr: ln.Addr().String(),
		Egress:     egress.TCP{Addr: deadAddr},
		Store:      store,
	})
	control := next(t, conns)

	for i := 1; i <= 2; i++ {
		if err := proto.WriteSignal(control, proto.Signal(i)); err != nil {
			t.Fatal(err)
		}
		data := next(t, conns)
		_ = data.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := data.Read(make([]byte, 1)); err == nil {
			t.Fatal("data connection stayed open without an egress")
		}
	}
	eventually(t, "dial failures", func() bool { return store.Stats().DialFailures == 2 })
	select {
	case err := <-n.errc:
		t.Fatalf("outside stopped after egress failure: %v", err)
	default:
	}
}

func TestInsideCloseWithoutRun(t *testing.T) {
	in, err := NewInside(InsideConfig{TunnelAddr: "127.0.0.1:0", ClientAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	addr := in.TunnelAddr().String()
	if err := in.Close(); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("tunnel address not released: %v", err)
	}
	ln.Close()
}

func TestInsideRateLimitsClients(t *testing.T) {
	in, _ := startInside(t, InsideConfig{Limiter: ratelimit.NewRateLimiter(1, 0, 1)})
	control := fakeOutside(t, in)
	data, err := net.Dial("tcp", in.TunnelAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer data.Close()
	eventually(t, "data queued", func() bool { return in.pending.Len() == 1 })

	first, err := net.Dial("tcp", in.ClientAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	_ = control.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := proto.ReadSignal(control); err != nil {
		t.Fatalf("first client not signaled: %v", err)
	}

	second, err := net.Dial("tcp", in.ClientAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("rate limited client was not closed")
	}
}

func TestSilentControlLinkWithoutTimeout(t *testing.T) {
	in, n := startInside(t, InsideConfig{HeartbeatTimeout: 0})
	control := fakeOutside(t, in) // never sends a heartbeat

	select {
	case err := <-n.errc:
		t.Fatalf("inside stopped on a silent link without a timeout: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	client, err := net.Dial("tcp", in.ClientAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	_ = control.SetReadDeadline(time.Now().Add(5 * time.Second))
	sig, err := proto.ReadSignal(control)
	if err != nil {
		t.Fatalf("no signal on a silent link: %v", err)
	}
	if sig != 1 {
		t.Errorf("signal = %d, want 1", sig)
	}
	select {
	case err := <-n.errc:
		t.Fatalf("inside stopped: %v", err)
	default:
	}
}
