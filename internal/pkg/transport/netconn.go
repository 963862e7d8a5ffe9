package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kestrelfw/rot/pkg/mctp"
)

// NetConn adapts a stream connection into a PacketConn by adding a two-byte
// length prefix per frame. It backs development and bench setups where the
// bus is bridged over a socket instead of real SMBus hardware.
type NetConn struct {
	conn      net.Conn
	localAddr uint8
	deadline  time.Duration
}

// NewNetConn wraps conn. localAddr is the bus address frames are considered
// received on; deadline, if non-zero, stamps each received frame with a
// response deadline hint.
func NewNetConn(conn net.Conn, localAddr uint8, deadline time.Duration) *NetConn {
	return &NetConn{conn: conn, localAddr: localAddr, deadline: deadline}
}

func (n *NetConn) ReadPacket() (*mctp.RxPacket, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(n.conn, prefix[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(prefix[:]))
	if length == 0 || length > mctp.MaxPacketLen {
		return nil, fmt.Errorf("transport: %v byte frame", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(n.conn, data); err != nil {
		return nil, err
	}

	rx := &mctp.RxPacket{
		Data:     data,
		DestAddr: n.localAddr,
	}
	if n.deadline > 0 {
		rx.TimeoutValid = true
		rx.Deadline = time.Now().Add(n.deadline)
	}
	return rx, nil
}

func (n *NetConn) WritePacket(tx *mctp.TxMessage) error {
	frames := tx.Frames
	if frames == nil && len(tx.Data) > 0 {
		frames = [][]byte{tx.Data}
	}
	for _, frame := range frames {
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], uint16(len(frame)))
		if _, err := n.conn.Write(prefix[:]); err != nil {
			return err
		}
		if _, err := n.conn.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (n *NetConn) Close() error {
	return n.conn.Close()
}
