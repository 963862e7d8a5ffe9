package mctp

import (
	"errors"
	"fmt"
)

// Control protocol command codes.
const (
	ControlSetEndpointID         = 0x01
	ControlGetEndpointID         = 0x02
	ControlGetVersionSupport     = 0x04
	ControlGetMessageTypeSupport = 0x05
)

// Control protocol completion codes.
const (
	ControlCompletionSuccess        = 0x00
	ControlCompletionError          = 0x01
	ControlCompletionInvalidData    = 0x02
	ControlCompletionInvalidLength  = 0x03
	ControlCompletionUnsupportedCmd = 0x05

	// controlCompletionTypeUnsupported answers a version query for a message
	// type this endpoint does not speak.
	controlCompletionTypeUnsupported = 0x80
)

// supportedVersion is the transport version reported by Get MCTP Version
// Support, in the specification's nibble-coded form.
var supportedVersion = [4]byte{0xf1, 0xf3, 0xf1, 0x00}

// ErrUnknownControlCommand is returned by IssueRequest for a command it
// cannot build.
var ErrUnknownControlCommand = errors.New("mctp: unknown control command")

// Endpoint is the mutable identity the control protocol manages: the bus
// owner can read and assign the local EID at runtime.
type Endpoint interface {
	EID() EID
	SetEID(eid EID)
}

// EID returns the local endpoint identifier.
func (r *Reassembler) EID() EID {
	return r.eid
}

// SetEID reassigns the local endpoint identifier, normally from a Set
// Endpoint ID control request issued by the bus owner.
func (r *Reassembler) SetEID(eid EID) {
	r.eid = eid
}

// ControlHandler implements the slice of the MCTP control protocol a simple
// endpoint needs: EID assignment and discovery of what the endpoint speaks.
// Responses always fit a single transmission unit.
type ControlHandler struct {
	endpoint Endpoint

	// instanceID stamps locally-originated control requests.
	instanceID uint8
}

// NewControlHandler returns a control handler managing the given endpoint.
func NewControlHandler(endpoint Endpoint) *ControlHandler {
	return &ControlHandler{endpoint: endpoint}
}

// ProcessRequest handles one control request in place. Control messages that
// are not requests, or are too short to carry a command, are consumed
// without a reply.
func (c *ControlHandler) ProcessRequest(msg *Message, sourceAddr uint8) error {
	body := msg.Body()
	if len(body) < 2 || body[0]&0x80 == 0 {
		msg.Length = 0
		return nil
	}

	instanceID := body[0] & 0x1f
	command := body[1]

	// The response is built over the request buffer; request bytes are read
	// before the response reaches them.
	resp := msg.Data[:0]
	resp = append(resp, instanceID, command)

	switch command {
	case ControlSetEndpointID:
		resp = c.setEndpointID(body, resp)

	case ControlGetEndpointID:
		// Simple endpoint: dynamic EID, no static fallback, SMBus medium.
		resp = append(resp, ControlCompletionSuccess, uint8(c.endpoint.EID()), 0x00, 0x00)

	case ControlGetVersionSupport:
		resp = c.versionSupport(body, resp)

	case ControlGetMessageTypeSupport:
		resp = append(resp, ControlCompletionSuccess, 2,
			uint8(MessageTypeControl), uint8(MessageTypeVendorDefined))

	default:
		resp = append(resp, ControlCompletionUnsupportedCmd)
	}

	msg.Length = len(resp)
	if msg.Length > msg.MaxResponse {
		return fmt.Errorf("%w: %v byte control response", ErrTooLarge, msg.Length)
	}
	return nil
}

func (c *ControlHandler) setEndpointID(body, resp []byte) []byte {
	if len(body) != 4 {
		return append(resp, ControlCompletionInvalidLength)
	}

	eid := EID(body[3])
	if eid == NullEID || eid == BroadcastEID {
		return append(resp, ControlCompletionInvalidData)
	}

	c.endpoint.SetEID(eid)

	// Assignment accepted, no EID pool.
	return append(resp, ControlCompletionSuccess, 0x00, uint8(eid), 0x00)
}

func (c *ControlHandler) versionSupport(body, resp []byte) []byte {
	if len(body) != 3 {
		return append(resp, ControlCompletionInvalidLength)
	}

	// Version support is reported for the control protocol itself and for
	// the base specification; other types are negotiated elsewhere.
	if t := MessageType(body[2]); t != MessageTypeControl && t != 0xff {
		return append(resp, controlCompletionTypeUnsupported)
	}

	resp = append(resp, ControlCompletionSuccess, 1)
	return append(resp, supportedVersion[:]...)
}

// IssueRequest writes a locally-originated control request into buf. Only
// the commands the RoT initiates as a bus owner are supported.
func (c *ControlHandler) IssueRequest(commandID uint8, params interface{}, buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("%w: control request buffer", ErrTooLarge)
	}

	c.instanceID = (c.instanceID + 1) & 0x1f
	buf[0] = 0x80 | c.instanceID
	buf[1] = commandID

	switch commandID {
	case ControlGetEndpointID:
		return 2, nil

	case ControlSetEndpointID:
		eid, ok := params.(EID)
		if !ok || eid == NullEID || eid == BroadcastEID {
			return 0, fmt.Errorf("%w: set endpoint ID needs a valid EID",
				ErrInvalidMessage)
		}
		buf[2] = 0x00 // set, not force
		buf[3] = uint8(eid)
		return 4, nil

	default:
		return 0, fmt.Errorf("%w: %#.2x", ErrUnknownControlCommand, commandID)
	}
}
