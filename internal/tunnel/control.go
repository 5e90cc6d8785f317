package tunnel

import (
	"context"
	"net"
	"time"

	"github.com/matst80/revnet/internal/obs"
	"github.com/matst80/revnet/internal/proto"
	"github.com/matst80/revnet/internal/state"
)

// DefaultHeartbeatInterval is how often the outside node writes a heartbeat.
const DefaultHeartbeatInterval = 10 * time.Second

// Each half of the control connection is owned by exactly one goroutine:
// inside reads heartbeats and writes signals, outside writes heartbeats and
// reads signals. Every loop returns nil once ctx is done and a *LinkError on
// any other I/O failure.

func readHeartbeats(ctx context.Context, c net.Conn, timeout time.Duration, store state.Store) error {
	for {
		if timeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(timeout))
		}
		if err := proto.ReadHeartbeat(c); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &LinkError{Side: "inside", Op: "read heartbeat", Err: err}
		}
		store.RecordHeartbeat()
	}
}

func writeSignals(ctx context.Context, c net.Conn, q *signalQueue, store state.Store) error {
	count := proto.Signal(1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.ch:
		}
		if err := proto.WriteSignal(c, count); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &LinkError{Side: "inside", Op: "write signal", Err: err}
		}
		store.RecordSignal(int32(count))
		obs.Debug("inside.signal", obs.Fields{"signal": int32(count)})
		count++
	}
}

func writeHeartbeats(ctx context.Context, c net.Conn, interval time.Duration, store state.Store) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := proto.WriteHeartbeat(c); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &LinkError{Side: "outside", Op: "write heartbeat", Err: err}
		}
		store.RecordHeartbeat()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// setNoDelay disables Nagle buffering; control messages are tiny and
// latency sensitive.
func setNoDelay(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

// closeOnDone closes c once ctx is done, unblocking its reader and writer.
func closeOnDone(ctx context.Context, c net.Conn) {
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
}
