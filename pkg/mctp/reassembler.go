package mctp

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Config carries everything a channel's reassembler needs. Devices and
// Vendor are required; the rest have working defaults.
type Config struct {
	// EID is the local endpoint identifier packets must be addressed to.
	EID EID

	// ChannelID identifies the logical bus this reassembler serves.
	ChannelID int

	// Devices is the peer registry.
	Devices DeviceTable

	// Vendor dispatches vendor-defined messages.
	Vendor VendorDispatcher

	// Control dispatches MCTP control messages. Defaults to a built-in
	// handler bound to this reassembler's endpoint identity.
	Control ControlDispatcher

	// Logger receives protocol error entries. Defaults to the standard
	// logger.
	Logger logrus.FieldLogger

	// Observer receives transport events. Defaults to a no-op.
	Observer Observer

	// ResponseTimeout and CryptoTimeout configure the deadline extension for
	// crypto-heavy commands. Both default to the protocol constants.
	ResponseTimeout time.Duration
	CryptoTimeout   time.Duration
}

// Reassembler accumulates transport packets into messages for one channel,
// dispatches each completed message, and produces the outbound packet stream
// for the reply. It owns the channel's two message buffers; a single worker
// drives it, so none of its state is guarded.
type Reassembler struct {
	eid       EID
	channelID int
	devices   DeviceTable
	vendor    VendorDispatcher
	control   ControlDispatcher
	log       logrus.FieldLogger
	obs       Observer

	responseTimeout time.Duration
	cryptoTimeout   time.Duration

	// Reassembly state. startPacketLen doubles as the in-progress flag: zero
	// means no message is being assembled.
	req            Message
	reqBuf         [MaxMessageBody]byte
	startPacketLen int
	packetSeq      uint8
	msgTag         uint8
	msgType        MessageType

	// localTag mints tags for locally-originated requests. Response tags
	// mirror the request and never touch it.
	localTag uint8

	frag *Fragmenter

	// errBuf backs protocol error reply bodies.
	errBuf [MinTransmissionUnit]byte
}

// NewReassembler returns a reassembler for one channel.
func NewReassembler(cfg Config) (*Reassembler, error) {
	if cfg.Devices == nil || cfg.Vendor == nil {
		return nil, errors.New("mctp: reassembler requires a device table and a vendor dispatcher")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = MaxResponseTimeoutMS * time.Millisecond
	}
	if cfg.CryptoTimeout == 0 {
		cfg.CryptoTimeout = MaxCryptoTimeoutMS * time.Millisecond
	}

	r := &Reassembler{
		eid:             cfg.EID,
		channelID:       cfg.ChannelID,
		devices:         cfg.Devices,
		vendor:          cfg.Vendor,
		control:         cfg.Control,
		log:             cfg.Logger,
		obs:             cfg.Observer,
		responseTimeout: cfg.ResponseTimeout,
		cryptoTimeout:   cfg.CryptoTimeout,
		frag:            NewFragmenter(),
	}
	r.req.Data = r.reqBuf[:]
	r.req.ChannelID = cfg.ChannelID
	if r.control == nil {
		r.control = NewControlHandler(r)
	}
	return r, nil
}

// Reset discards any partially assembled message and begins looking for a
// new one.
func (r *Reassembler) Reset() {
	r.req.Length = 0
	r.startPacketLen = 0
}

// LocalTag returns the current value of the outbound request tag counter.
func (r *Reassembler) LocalTag() uint8 {
	return r.localTag
}

// ProcessPacket runs one received frame through parse, reassembly and, on an
// end-of-message packet, dispatch. The returned TxMessage, if any, must be
// written to the bus before the next call; it aliases buffers this
// reassembler reuses. Protocol errors are consumed internally and surface as
// error replies, not as a Go error.
func (r *Reassembler) ProcessPacket(rx *RxPacket) (*TxMessage, error) {
	r.obs.PacketReceived()

	pkt, err := Parse(rx.Data, rx.DestAddr)
	if err != nil {
		return r.handleParseError(rx, pkt, err)
	}

	// Packets for other endpoints are silently dropped.
	if pkt.DestEID != r.eid {
		r.obs.PacketDropped()
		return nil, nil
	}

	payload := pkt.Payload

	switch {
	case pkt.SOM:
		// A SOM while a message is mid-assembly abandons the previous
		// message and starts the new one.
		r.req.Length = 0
		r.req.SourceEID = pkt.SrcEID
		r.req.TargetEID = pkt.DestEID
		r.req.SourceAddr = pkt.SrcAddr
		r.req.NewRequest = false
		r.req.CryptoTimeout = false
		r.startPacketLen = len(payload)
		r.packetSeq = 0
		r.msgTag = pkt.Tag
		r.msgType = pkt.Type

	case r.startPacketLen == 0:
		return r.protocolError(rx, pkt, ErrorCodeOutOfOrderMessage, 0)

	case pkt.Sequence != r.packetSeq:
		return r.protocolError(rx, pkt, ErrorCodeOutOfSeqWindow, 0)

	case pkt.Tag != r.msgTag:
		return r.protocolError(rx, pkt, ErrorCodeInvalidRequest, 0)

	case pkt.SrcEID != r.req.SourceEID:
		// A foreign sender mid-reassembly does not disturb the message in
		// progress.
		r.obs.PacketDropped()
		return nil, nil

	default:
		// Only the final packet may be smaller than the first; every other
		// packet must match it exactly.
		if len(payload) != r.startPacketLen && !(pkt.EOM && len(payload) < r.startPacketLen) {
			return r.protocolError(rx, pkt, ErrorCodeInvalidPacketLen, uint32(len(payload)))
		}
	}

	if r.req.Length+len(payload) > MaxMessageBody {
		return r.protocolError(rx, pkt, ErrorCodeMessageOverflow,
			uint32(r.req.Length+len(payload)))
	}

	copy(r.req.Data[r.req.Length:], payload)
	r.req.Length += len(payload)
	r.packetSeq = (r.packetSeq + 1) % 4

	if !pkt.EOM {
		return nil, nil
	}

	r.obs.MessageReassembled(r.msgType)
	tx, err := r.routeMessage(rx, pkt)
	r.Reset()
	return tx, err
}

// handleParseError implements the drop/reply policy for frames that failed
// to parse: frames for other addresses are silent, everything else is logged
// and, when the frame carried enough addressing to answer, replied to.
func (r *Reassembler) handleParseError(rx *RxPacket, pkt *TransportPacket, err error) (*TxMessage, error) {
	if errors.Is(err, ErrNotForUs) {
		r.obs.PacketDropped()
		return nil, nil
	}

	r.logDroppedPacket(rx, err)

	if pkt == nil {
		r.obs.PacketDropped()
		return nil, nil
	}

	var cerr *ChecksumError
	switch {
	case errors.As(err, &cerr):
		return r.protocolError(rx, pkt, ErrorCodeInvalidChecksum, uint32(cerr.Got))
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrUnsupportedMessage),
		errors.Is(err, ErrTooLarge):
		return r.protocolError(rx, pkt, ErrorCodeInvalidRequest, 0)
	default:
		r.Reset()
		return nil, err
	}
}

// routeMessage hands the completed message to the matching dispatcher and
// fragments whatever has to go back out.
func (r *Reassembler) routeMessage(rx *RxPacket, pkt *TransportPacket) (*TxMessage, error) {
	router := router{r: r}
	return router.route(rx, pkt)
}

// protocolError emits a single-packet error reply for the offending packet
// and resets reassembly state. These are transport-level errors raised
// before any vendor header exists, so the command set is always zero. A nil
// TxMessage with a nil error means the error was for an endpoint that is not
// ours and was dropped silently.
func (r *Reassembler) protocolError(rx *RxPacket, pkt *TransportPacket, code ErrorCode,
	data uint32) (*TxMessage, error) {
	return r.generateError(rx, code, data, pkt.SrcEID, pkt.DestEID, pkt.Tag, pkt.SrcAddr, 0)
}

// generateError builds the error reply itself. The destination EID check
// lives here so every error path shares the "not our endpoint, stay silent"
// rule.
func (r *Reassembler) generateError(rx *RxPacket, code ErrorCode, data uint32,
	srcEID, destEID EID, tag uint8, responseAddr uint8, cmdSet uint8) (*TxMessage, error) {
	if code != ErrorCodeNone {
		r.obs.ProtocolError(code)
		r.log.WithFields(logrus.Fields{
			"channel":  r.channelID,
			"src_eid":  srcEID,
			"dest_eid": destEID,
			"tag":      tag,
			"code":     code.String(),
			"data":     fmt.Sprintf("%#.8x", data),
		}).Error("protocol error")
	}

	if destEID != r.eid {
		return nil, nil
	}

	r.Reset()

	n, err := r.vendor.BuildError(r.errBuf[:], code, data, cmdSet)
	if err != nil {
		return nil, err
	}

	msg := Message{
		Data:      r.errBuf[:],
		Length:    n,
		SourceEID: srcEID,
		TargetEID: destEID,
	}
	tx, err := r.frag.FragmentSingle(&msg, MessageTypeVendorDefined, rx.DestAddr,
		responseAddr, tag, TagOwnerResponse)
	if err != nil {
		return nil, err
	}
	r.obs.ResponseSent(1)
	return tx, nil
}

// logDroppedPacket records the raw head of a frame that failed to parse,
// mirroring what a bus analyzer would want to see.
func (r *Reassembler) logDroppedPacket(rx *RxPacket, err error) {
	head := rx.Data
	if len(head) > 8 {
		head = head[:8]
	}
	r.log.WithFields(logrus.Fields{
		"channel": r.channelID,
		"len":     len(rx.Data),
		"head":    fmt.Sprintf("%x", head),
	}).WithError(err).Error("packet dropped")
}

// commandSetOf extracts the command set bit from an assembled vendor message
// body, or zero if no header has been assembled yet.
func commandSetOf(body []byte) uint8 {
	if len(body) < 4 {
		return 0
	}
	return body[3] >> 7
}
