// Package transport is the packet I/O boundary between the protocol core
// and the physical bus driver. The core never sees a bus handle, only this
// interface; the loopback implementation backs the end-to-end tests.
package transport

import (
	"errors"
	"time"

	"github.com/kestrelfw/rot/pkg/mctp"
)

// ErrClosed is returned once a transport has been closed.
var ErrClosed = errors.New("transport: closed")

// PacketConn moves raw frames between the core and one bus. ReadPacket
// blocks until a frame arrives; WritePacket blocks until the frame stream is
// on the wire. Implementations are safe for one reader and one writer.
type PacketConn interface {
	ReadPacket() (*mctp.RxPacket, error)
	WritePacket(tx *mctp.TxMessage) error
	Close() error
}

// Loopback is an in-memory PacketConn pair: frames written to one side are
// read from the other. Writes deliver the message's frames one at a time,
// the way a bus driver would clock them out, or the whole of Data as a
// single frame when Frames is nil.
type Loopback struct {
	peer     *Loopback
	incoming chan *mctp.RxPacket
	closed   chan struct{}
	addr     uint8
	deadline time.Duration
}

// NewLoopback returns a connected pair of endpoints with the given bus
// addresses.
func NewLoopback(addrA, addrB uint8) (*Loopback, *Loopback) {
	a := &Loopback{
		incoming: make(chan *mctp.RxPacket, 64),
		closed:   make(chan struct{}),
		addr:     addrA,
	}
	b := &Loopback{
		incoming: make(chan *mctp.RxPacket, 64),
		closed:   make(chan struct{}),
		addr:     addrB,
	}
	a.peer, b.peer = b, a
	return a, b
}

// SetDeadlineHint makes received packets carry a response deadline relative
// to their arrival.
func (l *Loopback) SetDeadlineHint(d time.Duration) {
	l.deadline = d
}

func (l *Loopback) ReadPacket() (*mctp.RxPacket, error) {
	select {
	case rx := <-l.incoming:
		return rx, nil
	case <-l.closed:
		return nil, ErrClosed
	}
}

func (l *Loopback) WritePacket(tx *mctp.TxMessage) error {
	frames := tx.Frames
	if frames == nil && len(tx.Data) > 0 {
		frames = [][]byte{tx.Data}
	}
	for _, frame := range frames {
		// The sender reuses its stream buffer as soon as WritePacket
		// returns, so each frame crosses as a copy.
		rx := &mctp.RxPacket{
			Data:     append([]byte(nil), frame...),
			DestAddr: tx.DestAddr,
		}
		if l.peer.deadline > 0 {
			rx.TimeoutValid = true
			rx.Deadline = time.Now().Add(l.peer.deadline)
		}
		select {
		case l.peer.incoming <- rx:
		case <-l.peer.closed:
			return ErrClosed
		case <-l.closed:
			return ErrClosed
		}
	}
	return nil
}

func (l *Loopback) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

