package tunnel

import (
	"errors"
	"fmt"
)

// ErrLinkBroken matches every *LinkError via errors.Is.
var ErrLinkBroken = errors.New("control link broken")

// ErrQueueClosed is returned by PendingQueue operations after Close.
var ErrQueueClosed = errors.New("pending queue closed")

// LinkError reports a failed read or write on the control connection. There
// is no reconnect protocol, so it ends the node.
type LinkError struct {
	Side string // "inside" or "outside"
	Op   string
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s: control link broken: %s: %v", e.Side, e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

func (e *LinkError) Is(target error) bool { return target == ErrLinkBroken }
