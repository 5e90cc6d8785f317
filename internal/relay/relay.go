// Package relay copies bytes between two connected sockets.
package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/matst80/revnet/internal/obs"
)

// BufferSize is the transfer chunk used by each copy direction.
const BufferSize = 32 * 1024

var bufPool = sync.Pool{New: func() any { b := make([]byte, BufferSize); return &b }}

// WriteCloser is implemented by connections that support half-close
// (*net.TCPConn, *net.UnixConn).
type WriteCloser interface {
	CloseWrite() error
}

// CloseWrite half-closes c when it supports it. Failures are ignored.
func CloseWrite(c io.Writer) {
	if wc, ok := c.(WriteCloser); ok {
		_ = wc.CloseWrite()
	}
}

// Copy streams src into dst until src reports end-of-stream or either side
// fails, then half-closes dst so its peer observes EOF.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	n, err := io.CopyBuffer(dst, src, *bp)
	CloseWrite(dst)
	return n, err
}

// Pipe forwards a->b and b->a concurrently and returns once both directions
// have finished. A direction ending in EOF only half-closes its destination so
// the other direction keeps flowing; a direction ending in an error closes both
// connections. Both connections are closed when Pipe returns.
func Pipe(a, b net.Conn) (aToB, bToA int64) {
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() { _ = a.Close(); _ = b.Close() }
	run := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		var err error
		*n, err = Copy(dst, src)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			once.Do(closeBoth)
		}
	}
	wg.Add(2)
	go run(b, a, &aToB)
	go run(a, b, &bToA)
	wg.Wait()
	once.Do(closeBoth)
	return aToB, bToA
}

// Bridge runs Pipe between the near and far ends of a relay pair and records
// its traffic. It blocks until the pair is done.
func Bridge(id string, near, far net.Conn) {
	start := time.Now()
	obs.ActivePairs.Inc()
	obs.Debug("relay.start", obs.Fields{"id": id, "near": addrString(near.RemoteAddr()), "far": addrString(far.RemoteAddr())})
	up, down := Pipe(near, far)
	obs.ActivePairs.Dec()
	obs.RelayBytesTotal.WithLabelValues("up").Add(float64(up))
	obs.RelayBytesTotal.WithLabelValues("down").Add(float64(down))
	obs.RelayDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Debug("relay.closed", obs.Fields{"id": id, "sent": sizestr.ToString(up), "received": sizestr.ToString(down), "duration": time.Since(start).String()})
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
