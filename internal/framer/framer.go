// Package framer reassembles MQTT control packets out of arbitrarily
// fragmented TCP reads. It is the per-connection buffered front end that
// sits between the transport's Read calls and the session dispatcher.
package framer

import (
	"errors"
	"fmt"

	"github.com/mqttcore/broker/internal/packet"
)

// DefaultCapacity is the per-connection buffer size used when the
// transport doesn't override it (see config.ServerConfig.BufferSize).
const DefaultCapacity = 1 << 20 // 1 MiB

// ErrOverflow is returned by HandleMessages when a single read would fill
// or exceed the remaining buffer space — fatal to the owning connection.
var ErrOverflow = errors.New("framer: packet exceeds buffer capacity")

// Dispatch is invoked once per fully reassembled packet. It returns false
// to signal the connection should terminate (e.g. on DISCONNECT).
type Dispatch func(subscriber any, pkt []byte) bool

// Framer holds the fixed-capacity buffer and write cursor for one
// connection. It is not safe for concurrent use — callers must serialize
// calls to HandleMessages relative to a single connection, which the
// transport naturally does by driving it from one goroutine per conn.
type Framer struct {
	buffer     []byte
	bytesStart int
}

// New allocates a Framer with the given buffer capacity.
func New(capacity int) *Framer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Framer{buffer: make([]byte, capacity)}
}

// Capacity returns the framer's total buffer size.
func (f *Framer) Capacity() int {
	return len(f.buffer)
}

// Pending returns the number of unconsumed bytes currently held as a
// partial packet tail.
func (f *Framer) Pending() int {
	return f.bytesStart
}

// WritableRegion returns the slice the transport should read(2) into next.
func (f *Framer) WritableRegion() []byte {
	return f.buffer[f.bytesStart:]
}

// HandleMessages treats buffer[0:bytesStart+nRead] as the workspace,
// peels off and dispatches every complete packet it holds, and preserves
// any trailing partial packet for the next call. The returned bool is the
// logical AND of every dispatch call's result (true = keep the connection
// open); it is true with no dispatch calls made if the read held no
// complete packet yet.
func (f *Framer) HandleMessages(nRead int, subscriber any, dispatch Dispatch) (bool, error) {
	if nRead >= len(f.buffer)-f.bytesStart {
		return false, fmt.Errorf("%w: read of %d bytes at offset %d against %d-byte buffer", ErrOverflow, nRead, f.bytesStart, len(f.buffer))
	}

	workspace := f.buffer[0 : f.bytesStart+nRead]
	keepOpen := true

	for len(workspace) >= 2 {
		if workspace[packet.HeaderLength(workspace)-1]&0x80 != 0 {
			break // remaining-length field not fully received yet
		}
		total := packet.TotalLength(workspace)
		if total > len(workspace) {
			break // partial packet; tail preserved below
		}
		pkt := workspace[0:total]
		workspace = workspace[total:]
		keepOpen = dispatch(subscriber, pkt) && keepOpen
	}

	tail := len(workspace)
	copy(f.buffer[0:tail], workspace)
	f.bytesStart = tail

	return keepOpen, nil
}
