package mctp

import (
	"fmt"

	"github.com/google/gopacket"
)

// maxResponseStream is the worst-case size of a serialized packet stream: a
// maximum-size message split into minimum transmission units, each with full
// packet overhead.
const maxResponseStream = MaxMessageBody / MinTransmissionUnit * MaxPacketLen

// Fragmenter splits an outbound message into a stream of transport packets.
// Each channel owns one; the output buffer is reused across messages, so a
// returned TxMessage is only valid until the next Fragment call.
type Fragmenter struct {
	out     []byte
	offsets []int
	frames  [][]byte
	sb      gopacket.SerializeBuffer
}

// NewFragmenter returns a fragmenter with its output buffer preallocated.
func NewFragmenter() *Fragmenter {
	return &Fragmenter{
		out:    make([]byte, 0, maxResponseStream),
		frames: make([][]byte, 0, MaxMessageBody/MinTransmissionUnit),
		sb:     gopacket.NewSerializeBuffer(),
	}
}

// Fragment serializes the message body into ceil(len/mtu) packets. The first
// packet carries SOM and the message type, the last carries EOM, and the
// packet sequence advances modulo 4 from zero. Every packet carries the same
// tag and tag owner: for a response the tag mirrors the request, for a
// locally-originated request the caller mints it from the local tag counter.
func (f *Fragmenter) Fragment(msg *Message, msgType MessageType, localAddr, destAddr uint8,
	tag uint8, owner TagOwner, mtu int) (*TxMessage, error) {
	if mtu <= 0 || mtu > MinTransmissionUnit {
		return nil, fmt.Errorf("%w: transmission unit %v", ErrInvalidMessage, mtu)
	}
	if msg.Length > len(msg.Data) {
		return nil, fmt.Errorf("%w: message length %v exceeds buffer %v",
			ErrTooLarge, msg.Length, len(msg.Data))
	}

	body := msg.Body()
	n := PacketsInMessage(len(body), mtu)
	f.out = f.out[:0]
	f.offsets = append(f.offsets[:0], 0)
	f.frames = f.frames[:0]

	tx := &TxMessage{DestAddr: destAddr}
	for i := 0; i < n; i++ {
		payload := body
		if len(payload) > mtu {
			payload = payload[:mtu]
		}
		body = body[len(payload):]

		pkt := &TransportPacket{
			DestAddr: destAddr,
			SrcAddr:  localAddr,
			DestEID:  msg.SourceEID,
			SrcEID:   msg.TargetEID,
			SOM:      i == 0,
			EOM:      i == n-1,
			Sequence: uint8(i % 4),
			TagOwner: owner,
			Tag:      tag,
		}
		if pkt.SOM {
			pkt.Type = msgType
		}

		if err := f.sb.Clear(); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(f.sb, serializeOptions, pkt,
			gopacket.Payload(payload)); err != nil {
			return nil, err
		}
		if pkt.SOM {
			tx.PktSize = len(f.sb.Bytes())
		}
		f.out = append(f.out, f.sb.Bytes()...)
		f.offsets = append(f.offsets, len(f.out))
	}

	// Frame slices are cut only once the stream is complete, so appends
	// cannot invalidate them.
	for i := 0; i+1 < len(f.offsets); i++ {
		f.frames = append(f.frames, f.out[f.offsets[i]:f.offsets[i+1]:f.offsets[i+1]])
	}

	tx.Data = f.out
	tx.Frames = f.frames
	return tx, nil
}

// FragmentSingle serializes a message that must fit in one packet, such as a
// protocol error reply or a control response.
func (f *Fragmenter) FragmentSingle(msg *Message, msgType MessageType, localAddr, destAddr uint8,
	tag uint8, owner TagOwner) (*TxMessage, error) {
	if msg.Length > MinTransmissionUnit {
		return nil, fmt.Errorf("%w: %v byte reply cannot be a single packet",
			ErrTooLarge, msg.Length)
	}
	return f.Fragment(msg, msgType, localAddr, destAddr, tag, owner, MinTransmissionUnit)
}
