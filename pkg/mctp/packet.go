package mctp

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Parse and serialize failures. BadChecksum failures are reported through
// ChecksumError so the observed byte can be echoed in the protocol error
// reply.
var (
	// ErrInvalidMessage indicates malformed framing: bad command byte, bad
	// byte count, bad header version or a truncated packet.
	ErrInvalidMessage = errors.New("mctp: invalid message")

	// ErrUnsupportedMessage indicates a SOM packet starting a message of a
	// type the RoT does not process.
	ErrUnsupportedMessage = errors.New("mctp: unsupported message type")

	// ErrBadChecksum indicates a PEC mismatch. Returned wrapped in a
	// ChecksumError.
	ErrBadChecksum = errors.New("mctp: bad checksum")

	// ErrTooLarge indicates a payload exceeding the transmission unit, or a
	// message exceeding the peer's maximum message body.
	ErrTooLarge = errors.New("mctp: too large")

	// ErrNotForUs indicates a packet whose destination bus address is not
	// ours. Such packets are dropped without a reply.
	ErrNotForUs = errors.New("mctp: packet not addressed to us")
)

// ChecksumError reports a PEC validation failure. The packet's addressing
// fields are fully decoded before the checksum is verified, so the caller can
// still compose an error reply to the sender.
type ChecksumError struct {
	Got  uint8
	Want uint8
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("mctp: bad checksum: got %#.2x, want %#.2x", e.Got, e.Want)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrBadChecksum
}

// LayerTypeTransportPacket is the gopacket layer type of an MCTP-over-SMBus
// transport packet.
var LayerTypeTransportPacket = gopacket.RegisterLayerType(1130,
	gopacket.LayerTypeMetadata{
		Name:    "MCTPOverSMBus",
		Decoder: gopacket.DecodeFunc(decodeTransportPacket),
	})

// TransportPacket represents a single MCTP packet in its SMBus binding. This
// is the wire unit of the transport; messages larger than one transmission
// unit are carried as a sequence of these.
//
// Wire format (offsets in square brackets):
//
//  1. [0] Destination address byte (1 byte)
//     - Bus address in the most-significant 7 bits, R/W bit clear.
//  2. [1] Command code (1 byte)
//     - Always 0x0f for MCTP.
//  3. [2] Byte count (1 byte)
//     - Number of bytes from [3] up to, but excluding, the PEC.
//  4. [3] Source address byte (1 byte)
//     - Bus address in the most-significant 7 bits, request bit set.
//  5. [4] Header version (least-significant 4 bits)
//     - Always 0x1. Most-significant 4 bits are reserved.
//  6. [5] Destination EID (1 byte)
//  7. [6] Source EID (1 byte)
//  8. [7] SOM (1 bit), EOM (1 bit), packet sequence (2 bits), tag owner
//     (1 bit), message tag (3 bits)
//  9. [8] Message type (1 byte, SOM packets only)
//  10. Payload
//  11. [last] PEC (1 byte)
//     - CRC-8 over every preceding byte, including the destination address
//     byte the receiver matched in slave mode.
//
// Packets are immutable after decode; the payload aliases the input buffer
// rather than copying it.
type TransportPacket struct {
	layers.BaseLayer

	// DestAddr is the 7-bit bus address the packet was sent to.
	DestAddr uint8

	// SrcAddr is the 7-bit bus address of the sender, used as the reply
	// destination.
	SrcAddr uint8

	// DestEID is the endpoint the message is for. Packets for endpoints
	// other than ours are dropped silently.
	DestEID EID

	// SrcEID is the endpoint the message is from.
	SrcEID EID

	// SOM and EOM delimit a message: SOM on the first packet, EOM on the
	// last. A single-packet message carries both.
	SOM bool
	EOM bool

	// Sequence is the 2-bit packet sequence number, advancing modulo 4
	// across the packets of one message.
	Sequence uint8

	// TagOwner indicates whether Tag was minted by the sender (request) or
	// mirrored from the message being answered (response).
	TagOwner TagOwner

	// Tag is the 3-bit message tag pairing a request with its response.
	Tag uint8

	// Type is the message type carried on the SOM packet. It is meaningful
	// only when SOM is set.
	Type MessageType

	// Checksum is the trailing PEC. This is calculated automatically if
	// ComputeChecksums is set in the serialize options.
	Checksum uint8
}

func (*TransportPacket) LayerType() gopacket.LayerType {
	return LayerTypeTransportPacket
}

func (p *TransportPacket) CanDecode() gopacket.LayerClass {
	return p.LayerType()
}

func (p *TransportPacket) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

func decodeTransportPacket(data []byte, pb gopacket.PacketBuilder) error {
	packet := &TransportPacket{}
	if err := packet.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(packet)
	return pb.NextDecoder(packet.NextLayerType())
}

// DecodeFromBytes parses a raw bus frame. Addressing fields are extracted
// before anything is validated, so on a framing or checksum failure the
// receiver still knows who to send the error reply to.
func (p *TransportPacket) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < MinPacketLen {
		df.SetTruncated()
		return fmt.Errorf("%w: must be at least %v bytes, got %v", ErrInvalidMessage,
			MinPacketLen, len(data))
	}

	p.DestAddr = data[0] >> 1
	p.SrcAddr = data[3] >> 1
	p.DestEID = EID(data[5])
	p.SrcEID = EID(data[6])
	p.SOM = data[7]&0x80 != 0
	p.EOM = data[7]&0x40 != 0
	p.Sequence = data[7] >> 4 & 0x03
	p.TagOwner = TagOwner(data[7] >> 3 & 0x01)
	p.Tag = data[7] & 0x07
	p.Type = 0
	p.Checksum = data[len(data)-1]

	if len(data) > MaxPacketLen {
		return fmt.Errorf("%w: %v byte packet exceeds %v", ErrTooLarge, len(data),
			MaxPacketLen)
	}
	if data[1] != SMBusCommandCode {
		return fmt.Errorf("%w: command byte %#.2x", ErrInvalidMessage, data[1])
	}
	if int(data[2]) != len(data)-4 {
		return fmt.Errorf("%w: byte count %v for a %v byte packet", ErrInvalidMessage,
			data[2], len(data))
	}
	if data[3]&0x01 == 0 {
		return fmt.Errorf("%w: source address byte without request bit", ErrInvalidMessage)
	}
	if version := data[4] & 0x0f; version != HeaderVersion {
		return fmt.Errorf("%w: header version %v", ErrInvalidMessage, version)
	}

	payloadStart := 8
	if p.SOM {
		if len(data) < MinPacketLen+1 {
			df.SetTruncated()
			return fmt.Errorf("%w: SOM packet too short for message type",
				ErrInvalidMessage)
		}
		p.Type = MessageType(data[8])
		payloadStart = 9
	}

	p.BaseLayer.Contents = data[:payloadStart]
	p.BaseLayer.Payload = data[payloadStart : len(data)-1]
	if len(p.BaseLayer.Payload) > MinTransmissionUnit {
		return fmt.Errorf("%w: %v byte payload exceeds transmission unit %v", ErrTooLarge,
			len(p.BaseLayer.Payload), MinTransmissionUnit)
	}

	if want := pec(data[:len(data)-1]); p.Checksum != want {
		return &ChecksumError{Got: p.Checksum, Want: want}
	}

	// The type is only validated once the packet is known to be intact; a
	// corrupted type byte should surface as a checksum failure, not as an
	// unsupported message.
	if p.SOM && !p.Type.Supported() {
		return fmt.Errorf("%w: %v", ErrUnsupportedMessage, p.Type)
	}
	return nil
}

// SerializeTo writes the packet to a serialize buffer whose payload bytes
// have already been pushed.
func (p *TransportPacket) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(b.Bytes()) > MinTransmissionUnit {
		return fmt.Errorf("%w: %v byte payload exceeds transmission unit %v",
			ErrTooLarge, len(b.Bytes()), MinTransmissionUnit)
	}

	length := 8
	if p.SOM {
		length++
	}
	header, err := b.PrependBytes(length)
	if err != nil {
		return err
	}

	header[0] = p.DestAddr << 1
	header[1] = SMBusCommandCode
	header[3] = p.SrcAddr<<1 | 0x01
	header[4] = HeaderVersion
	header[5] = uint8(p.DestEID)
	header[6] = uint8(p.SrcEID)

	flags := (p.Sequence&0x03)<<4 | (uint8(p.TagOwner)&0x01)<<3 | p.Tag&0x07
	if p.SOM {
		flags |= 0x80
		header[8] = uint8(p.Type)
	}
	if p.EOM {
		flags |= 0x40
	}
	header[7] = flags

	if opts.FixLengths {
		header[2] = uint8(len(b.Bytes()) - 3)
	}
	if opts.ComputeChecksums {
		p.Checksum = pec(b.Bytes())
	}
	trailer, err := b.AppendBytes(1)
	if err != nil {
		return err
	}
	trailer[0] = p.Checksum

	return nil
}

// Parse decodes a raw bus frame received on localAddr. On a decode failure
// the partially-decoded packet is still returned whenever the frame was long
// enough to carry addressing, so the caller can compose an error reply.
// Frames addressed to another bus address return ErrNotForUs and must be
// dropped without a reply.
func Parse(raw []byte, localAddr uint8) (*TransportPacket, error) {
	if len(raw) > 0 && raw[0]>>1 != localAddr {
		return nil, ErrNotForUs
	}
	p := &TransportPacket{}
	if err := p.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		if len(raw) < MinPacketLen {
			return nil, err
		}
		return p, err
	}
	return p, nil
}

var serializeOptions = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}
