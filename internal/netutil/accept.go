// Package netutil holds listener helpers shared by the tunnel nodes and the
// egress servers.
package netutil

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/matst80/revnet/internal/obs"
)

// AcceptLoop accepts connections from ln and passes each to handle until ctx
// is done or ln is closed, in which case it returns nil. Temporary accept
// errors are retried with exponential backoff; any other error is returned.
// handle runs on the accept goroutine; it must not block unless it wants to
// hold up further accepts.
func AcceptLoop(ctx context.Context, ln net.Listener, name string, handle func(net.Conn)) error {
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if isTemporary(err) {
				d := b.Duration()
				obs.Error("accept."+name+".temp", obs.Fields{"err": err.Error(), "retry_in": d.String()})
				obs.ErrorsTotal.WithLabelValues("accept_" + name).Inc()
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(d):
				}
				continue
			}
			return err
		}
		b.Reset()
		handle(c)
	}
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

// CloseOnDone closes ln once ctx is done, unblocking Accept.
func CloseOnDone(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
}
