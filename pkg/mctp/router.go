package mctp

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// statusCoder is implemented by dispatcher errors that carry a numeric
// protocol status worth echoing in error data.
type statusCoder interface {
	StatusCode() uint32
}

func statusOf(err error) uint32 {
	if sc, ok := err.(statusCoder); ok {
		return sc.StatusCode()
	}
	return 0
}

// router classifies a completed message and drives the matching dispatcher.
// It lives for one message; all state is on the reassembler.
type router struct {
	r *Reassembler
}

func (ro router) route(rx *RxPacket, pkt *TransportPacket) (*TxMessage, error) {
	// Parse only admits the two supported types, so anything else here is a
	// bug, not wire input.
	switch ro.r.msgType {
	case MessageTypeControl:
		return ro.routeControl(rx, pkt)
	case MessageTypeVendorDefined:
		return ro.routeVendor(rx, pkt)
	default:
		return nil, fmt.Errorf("%w: routed %v", ErrUnsupportedMessage, ro.r.msgType)
	}
}

// routeControl dispatches a control message. Control replies are capped at
// one transmission unit and are never fragmented.
func (ro router) routeControl(rx *RxPacket, pkt *TransportPacket) (*TxMessage, error) {
	r := ro.r

	r.req.MaxResponse = MinTransmissionUnit
	if err := r.control.ProcessRequest(&r.req, pkt.SrcAddr); err != nil {
		r.log.WithFields(logrus.Fields{
			"channel": r.channelID,
			"src_eid": pkt.SrcEID,
		}).WithError(err).Error("control request failed")
		return nil, err
	}
	if r.req.Length == 0 {
		return nil, nil
	}

	tx, err := r.frag.FragmentSingle(&r.req, MessageTypeControl, rx.DestAddr, pkt.SrcAddr,
		r.msgTag, TagOwnerResponse)
	if err != nil {
		return nil, err
	}
	r.obs.ResponseSent(1)
	return tx, nil
}

// routeVendor dispatches a vendor-defined message and fragments the
// response, or the follow-up request when the debug escape fires.
func (ro router) routeVendor(rx *RxPacket, pkt *TransportPacket) (*TxMessage, error) {
	r := ro.r
	cmdSet := commandSetOf(r.req.Body())

	r.req.MaxResponse = r.devices.MaxMessageLen(pkt.SrcEID)
	outcome := r.vendor.ProcessRequest(&r.req)

	// Whatever the outcome, a crypto-heavy dispatch earns the longer
	// deadline.
	if rx.TimeoutValid && r.req.CryptoTimeout {
		rx.Deadline = rx.Deadline.Add(r.cryptoTimeout - r.responseTimeout)
	}

	responseAddr := pkt.SrcAddr
	newRequest := false

	switch o := outcome.(type) {
	case HandlerError:
		return r.generateError(rx, o.Code, o.Data, pkt.SrcEID, pkt.DestEID, pkt.Tag,
			responseAddr, cmdSet)

	case NoReply:
		return r.generateError(rx, ErrorCodeNone, 0, pkt.SrcEID, pkt.DestEID, pkt.Tag,
			responseAddr, cmdSet)

	case StartAttestationTest:
		tx, ok, err := ro.startAttestation(rx, pkt, o, cmdSet)
		if !ok {
			return tx, err
		}
		responseAddr = tx.DestAddr
		newRequest = true

	case OkReply:
		if r.req.Length == 0 {
			return r.generateError(rx, ErrorCodeNone, 0, pkt.SrcEID, pkt.DestEID,
				pkt.Tag, responseAddr, cmdSet)
		}
		if r.req.Length > r.req.MaxResponse {
			return r.generateError(rx, ErrorCodeUnspecified, uint32(r.req.Length),
				pkt.SrcEID, pkt.DestEID, pkt.Tag, responseAddr, cmdSet)
		}
	}

	owner, tag := TagOwnerResponse, r.msgTag
	if newRequest {
		owner, tag = TagOwnerRequest, r.localTag
	}

	mtu := r.devices.MaxTransmissionUnit(pkt.SrcEID)
	tx, err := r.frag.Fragment(&r.req, MessageTypeVendorDefined, rx.DestAddr, responseAddr,
		tag, owner, mtu)
	if err != nil {
		return r.generateError(rx, ErrorCodeUnspecified, statusOf(err), pkt.SrcEID,
			pkt.DestEID, pkt.Tag, pkt.SrcAddr, cmdSet)
	}
	if newRequest {
		r.localTag = (r.localTag + 1) % 8
	}
	r.obs.ResponseSent(PacketsInMessage(r.req.Length, mtu))
	return tx, nil
}

// startAttestation services the debug escape: instead of answering the
// requester, compose a fresh digest request to the numbered device. On any
// failure the error reply goes back to the original requester, addressed
// from the original packet rather than the clobbered request buffer. When ok
// is true the returned TxMessage only carries the resolved destination
// address; the caller fragments.
func (ro router) startAttestation(rx *RxPacket, pkt *TransportPacket, o StartAttestationTest,
	cmdSet uint8) (tx *TxMessage, ok bool, err error) {
	r := ro.r

	addr, serr := r.devices.DeviceAddr(int(o.Device))
	var eid EID
	if serr == nil {
		eid, serr = r.devices.DeviceEID(int(o.Device))
	}
	var n int
	if serr == nil {
		n, serr = r.vendor.IssueRequest(o.Request, nil, r.req.Data, MaxMessageBody)
	}
	if serr != nil {
		tx, err = r.generateError(rx, ErrorCodeUnspecified, statusOf(serr), pkt.SrcEID,
			pkt.DestEID, pkt.Tag, pkt.SrcAddr, cmdSet)
		return tx, false, err
	}

	r.req.SourceEID = eid
	r.req.Length = n
	r.req.NewRequest = true
	return &TxMessage{DestAddr: addr}, true, nil
}

// IssueRequest composes a locally-originated request to a peer and returns
// the serialized packet stream. The request is minted from the local tag
// counter, which advances once the message is built.
//
// TODO: fragment requests larger than one transmission unit.
func (r *Reassembler) IssueRequest(msgType MessageType, commandID uint8, params interface{},
	destAddr uint8, destEID EID, srcAddr uint8) (*TxMessage, error) {
	var body [MaxMessageBody]byte
	var n int
	var err error

	switch msgType {
	case MessageTypeVendorDefined:
		n, err = r.vendor.IssueRequest(commandID, params, body[:],
			r.devices.MaxMessageLen(destEID))
	case MessageTypeControl:
		// Control requests always fit in a single, required minimum packet.
		n, err = r.control.IssueRequest(commandID, params, body[:])
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMessage, msgType)
	}
	if err != nil {
		return nil, err
	}

	msg := Message{
		Data:      body[:],
		Length:    n,
		SourceEID: destEID,
		TargetEID: r.eid,
	}
	tx, err := r.frag.FragmentSingle(&msg, msgType, srcAddr, destAddr, r.localTag,
		TagOwnerRequest)
	if err != nil {
		return nil, err
	}

	r.localTag = (r.localTag + 1) % 8
	return tx, nil
}
