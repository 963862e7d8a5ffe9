// Package cmdproto implements the vendor-defined command protocol carried in
// MCTP vendor messages: the message header, the command table, the
// request/response dispatcher and the builders for locally-originated
// requests. Command handler bodies live behind the capability interfaces in
// capabilities.go; this package owns routing, validation and framing.
package cmdproto

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelfw/rot/pkg/mctp"
)

const (
	// HeaderLen is the size of the message header: every request and
	// response body starts with it.
	HeaderLen = 5

	// ErrorMsgLen is the size of a protocol error message: the header
	// followed by a code byte and four bytes of error data.
	ErrorMsgLen = HeaderLen + 5

	// CommandError is the command byte of a protocol error message.
	CommandError = 0x7f
)

// Header is the five-byte prefix of every vendor-defined message.
//
// Wire format:
//
//	byte 0     message type (7 bits) | integrity check (1 bit)
//	bytes 1-2  PCI vendor ID, little endian
//	byte 3     reserved (5 bits) | crypt (1 bit) | reserved (1 bit) | rq (1 bit)
//	byte 4     command
type Header struct {
	// MsgType must be the vendor-defined message type.
	MsgType uint8

	// IntegrityCheck is reserved and must be clear.
	IntegrityCheck bool

	// PCIVendorID must match the configured vendor ID.
	PCIVendorID uint16

	// Crypt marks a message encrypted under an established session.
	Crypt bool

	// Rq is the command set bit, mirrored into error replies.
	Rq uint8

	// Command selects the operation.
	Command uint8
}

// ParseHeader decodes the message header from the start of a body.
func ParseHeader(body []byte) (Header, error) {
	if len(body) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %v byte message", errShortMessage, len(body))
	}
	return Header{
		MsgType:        body[0] & 0x7f,
		IntegrityCheck: body[0]&0x80 != 0,
		PCIVendorID:    binary.LittleEndian.Uint16(body[1:3]),
		Crypt:          body[3]&0x20 != 0,
		Rq:             body[3] >> 7,
		Command:        body[4],
	}, nil
}

// Encode writes the header into the first HeaderLen bytes of buf.
func (h Header) Encode(buf []byte) error {
	if len(buf) < HeaderLen {
		return fmt.Errorf("%w: %v byte buffer", errShortMessage, len(buf))
	}
	buf[0] = h.MsgType & 0x7f
	if h.IntegrityCheck {
		buf[0] |= 0x80
	}
	binary.LittleEndian.PutUint16(buf[1:3], h.PCIVendorID)
	buf[3] = h.Rq & 0x01 << 7
	if h.Crypt {
		buf[3] |= 0x20
	}
	buf[4] = h.Command
	return nil
}

var errShortMessage = fmt.Errorf("cmdproto: message too short")

// ErrorMessage is the fixed-layout body of a protocol error reply.
type ErrorMessage struct {
	Code mctp.ErrorCode
	Data uint32
}

// EncodeError writes a complete error message for the configured vendor ID
// into buf and returns its length.
func EncodeError(buf []byte, vid uint16, cmdSet uint8, e ErrorMessage) (int, error) {
	if len(buf) < ErrorMsgLen {
		return 0, fmt.Errorf("%w: error reply buffer", errShortMessage)
	}
	h := Header{
		MsgType:     uint8(mctp.MessageTypeVendorDefined),
		PCIVendorID: vid,
		Rq:          cmdSet,
		Command:     CommandError,
	}
	if err := h.Encode(buf); err != nil {
		return 0, err
	}
	buf[HeaderLen] = uint8(e.Code)
	binary.LittleEndian.PutUint32(buf[HeaderLen+1:], e.Data)
	return ErrorMsgLen, nil
}

// ParseError decodes an error message body, for peers digesting our negative
// replies and for tests.
func ParseError(body []byte) (ErrorMessage, error) {
	if len(body) != ErrorMsgLen {
		return ErrorMessage{}, fmt.Errorf("%w: %v byte error message", errShortMessage,
			len(body))
	}
	return ErrorMessage{
		Code: mctp.ErrorCode(body[HeaderLen]),
		Data: binary.LittleEndian.Uint32(body[HeaderLen+1:]),
	}, nil
}
