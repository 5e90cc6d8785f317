// Package proto holds the control channel wire format shared by the inside
// and outside nodes.
//
// The control connection is the first TCP connection the inside node accepts
// on its tunnel port. Traffic on it is two independent byte streams:
//
//	outside -> inside: one heartbeat byte every heartbeat interval
//	inside -> outside: one 4-byte big-endian signed signal counter per client
//
// Every later connection on the tunnel port is a data connection and carries
// no framing at all.
package proto

import (
	"encoding/binary"
	"io"
)

// Heartbeat is the byte value sent on each heartbeat tick. Readers ignore
// the content.
const Heartbeat byte = 1

// SignalSize is the encoded size of a Signal.
const SignalSize = 4

// Signal asks the outside node to open one more data connection. The value
// starts at 1 and increments per signal; it is only logged.
type Signal int32

// WriteHeartbeat writes a single heartbeat byte.
func WriteHeartbeat(w io.Writer) error {
	_, err := w.Write([]byte{Heartbeat})
	return err
}

// ReadHeartbeat blocks until one heartbeat byte arrives.
func ReadHeartbeat(r io.Reader) error {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	return err
}

// WriteSignal encodes s as a big-endian int32.
func WriteSignal(w io.Writer, s Signal) error {
	var b [SignalSize]byte
	binary.BigEndian.PutUint32(b[:], uint32(s))
	_, err := w.Write(b[:])
	return err
}

// ReadSignal reads exactly one encoded signal. A short read returns
// io.ErrUnexpectedEOF.
func ReadSignal(r io.Reader) (Signal, error) {
	var b [SignalSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return Signal(int32(binary.BigEndian.Uint32(b[:]))), nil
}
