package mctp

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

const (
	testDeviceNum  = 2
	testDeviceEID  = EID(0x0c)
	testDeviceAddr = uint8(0x52)
)

type mockDevices struct {
	eids   []EID
	addrs  []uint8
	mtu    int
	maxMsg int
}

func newMockDevices() *mockDevices {
	return &mockDevices{
		eids:  []EID{testLocalEID, testPeerEID, testDeviceEID},
		addrs: []uint8{testLocalAddr, testPeerAddr, testDeviceAddr},
	}
}

func (m *mockDevices) DeviceNum(eid EID) (int, error) {
	for i, e := range m.eids {
		if e == eid {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown EID %#.2x", uint8(eid))
}

func (m *mockDevices) DeviceAddr(num int) (uint8, error) {
	if num < 0 || num >= len(m.addrs) {
		return 0, fmt.Errorf("unknown device %v", num)
	}
	return m.addrs[num], nil
}

func (m *mockDevices) DeviceEID(num int) (EID, error) {
	if num < 0 || num >= len(m.eids) {
		return 0, fmt.Errorf("unknown device %v", num)
	}
	return m.eids[num], nil
}

func (m *mockDevices) MaxTransmissionUnit(EID) int {
	if m.mtu > 0 {
		return m.mtu
	}
	return MinTransmissionUnit
}

func (m *mockDevices) MaxMessageLen(EID) int {
	if m.maxMsg > 0 {
		return m.maxMsg
	}
	return MaxMessageBody
}

// mockVendor records dispatches and builds a minimal five-byte error body:
// the code followed by the data, little endian.
type mockVendor struct {
	process func(msg *Message) Outcome
	issue   func(commandID uint8, buf []byte) (int, error)

	processCalls int
	lastBody     []byte
	issuedCmds   []uint8
	errCodes     []ErrorCode
	errData      []uint32
}

func (m *mockVendor) ProcessRequest(msg *Message) Outcome {
	m.processCalls++
	m.lastBody = append([]byte(nil), msg.Body()...)
	if m.process != nil {
		return m.process(msg)
	}
	return OkReply{}
}

func (m *mockVendor) IssueRequest(commandID uint8, params interface{}, buf []byte, maxLen int) (int, error) {
	m.issuedCmds = append(m.issuedCmds, commandID)
	if m.issue != nil {
		return m.issue(commandID, buf)
	}
	return 0, fmt.Errorf("unexpected issue of %#.2x", commandID)
}

func (m *mockVendor) BuildError(buf []byte, code ErrorCode, data uint32, cmdSet uint8) (int, error) {
	m.errCodes = append(m.errCodes, code)
	m.errData = append(m.errData, data)
	buf[0] = uint8(code)
	binary.LittleEndian.PutUint32(buf[1:5], data)
	return 5, nil
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(ioutil.Discard)
	return log
}

func newTestReassembler(t *testing.T, devices *mockDevices, vendor *mockVendor) *Reassembler {
	t.Helper()
	if devices == nil {
		devices = newMockDevices()
	}
	r, err := NewReassembler(Config{
		EID:       testLocalEID,
		ChannelID: 1,
		Devices:   devices,
		Vendor:    vendor,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func process(t *testing.T, r *Reassembler, frame []byte) *TxMessage {
	t.Helper()
	tx, err := r.ProcessPacket(&RxPacket{Data: frame, DestAddr: testLocalAddr})
	if err != nil {
		t.Fatalf("ProcessPacket: %v", err)
	}
	return tx
}

// decodeReply parses the single-frame reply addressed to the test peer.
func decodeReply(t *testing.T, tx *TxMessage) *TransportPacket {
	t.Helper()
	if tx == nil {
		t.Fatal("no reply produced")
	}
	if len(tx.Frames) != 1 {
		t.Fatalf("got %v reply frames, want 1", len(tx.Frames))
	}
	pkt, err := Parse(tx.Frames[0], tx.DestAddr)
	if err != nil {
		t.Fatalf("reply did not parse: %v", err)
	}
	return pkt
}

// decodeErrorReply unpacks the mock error body from a reply.
func decodeErrorReply(t *testing.T, tx *TxMessage) (ErrorCode, uint32, *TransportPacket) {
	t.Helper()
	pkt := decodeReply(t, tx)
	if len(pkt.Payload) != 5 {
		t.Fatalf("error reply payload is %v bytes, want 5", len(pkt.Payload))
	}
	return ErrorCode(pkt.Payload[0]), binary.LittleEndian.Uint32(pkt.Payload[1:5]), pkt
}

func TestSinglePacketRequestResponse(t *testing.T) {
	response := []byte("fw 1.2.0")
	vendor := &mockVendor{
		process: func(msg *Message) Outcome {
			copy(msg.Data, response)
			msg.Length = len(response)
			return OkReply{}
		},
	}
	r := newTestReassembler(t, nil, vendor)

	body := []byte{0x7e, 0x14, 0x14, 0x00, 0x01, 0x00}
	tx := process(t, r, requestFrame(t, true, true, 0, 3, MessageTypeVendorDefined, body))

	if vendor.processCalls != 1 {
		t.Fatalf("dispatched %v times, want 1", vendor.processCalls)
	}
	if diff := cmp.Diff(body, vendor.lastBody); diff != "" {
		t.Errorf("dispatched body mismatch (-want +got):\n%v", diff)
	}

	pkt := decodeReply(t, tx)
	if pkt.Tag != 3 || pkt.TagOwner != TagOwnerResponse {
		t.Errorf("reply tag %v owner %v, want 3/Response", pkt.Tag, pkt.TagOwner)
	}
	if pkt.DestEID != testPeerEID || pkt.SrcEID != testLocalEID {
		t.Errorf("reply EIDs %v -> %v", pkt.SrcEID, pkt.DestEID)
	}
	if diff := cmp.Diff(response, []byte(pkt.Payload)); diff != "" {
		t.Errorf("reply payload mismatch (-want +got):\n%v", diff)
	}
	if r.LocalTag() != 0 {
		t.Errorf("local tag advanced to %v after a response", r.LocalTag())
	}
}

func TestThreePacketReassembly(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	var want []byte
	chunk := func(n int) []byte {
		p := make([]byte, n)
		for i := range p {
			p[i] = byte(len(want) + i)
		}
		want = append(want, p...)
		return p
	}

	if tx := process(t, r, requestFrame(t, true, false, 0, 5, MessageTypeVendorDefined,
		chunk(64))); tx != nil {
		t.Fatal("reply before EOM")
	}
	if tx := process(t, r, requestFrame(t, false, false, 1, 5, 0, chunk(64))); tx != nil {
		t.Fatal("reply before EOM")
	}
	process(t, r, requestFrame(t, false, true, 2, 5, 0, chunk(10)))

	if vendor.processCalls != 1 {
		t.Fatalf("dispatched %v times, want 1", vendor.processCalls)
	}
	if len(vendor.lastBody) != 138 {
		t.Fatalf("reassembled %v bytes, want 138", len(vendor.lastBody))
	}
	if diff := cmp.Diff(want, vendor.lastBody); diff != "" {
		t.Errorf("reassembled body mismatch (-want +got):\n%v", diff)
	}
}

func TestOutOfOrderWithoutSOM(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	tx := process(t, r, requestFrame(t, false, false, 0, 2, 0, make([]byte, 8)))
	code, _, _ := decodeErrorReply(t, tx)
	if code != ErrorCodeOutOfOrderMessage {
		t.Errorf("code %v, want OutOfOrderMessage", code)
	}

	// A subsequent valid message must be accepted.
	process(t, r, requestFrame(t, true, true, 0, 2, MessageTypeVendorDefined, make([]byte, 8)))
	if vendor.processCalls != 1 {
		t.Errorf("dispatched %v times after recovery, want 1", vendor.processCalls)
	}
}

func TestOutOfSequenceWindow(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	process(t, r, requestFrame(t, true, false, 0, 2, MessageTypeVendorDefined, make([]byte, 64)))
	tx := process(t, r, requestFrame(t, false, false, 2, 2, 0, make([]byte, 64)))

	code, _, _ := decodeErrorReply(t, tx)
	if code != ErrorCodeOutOfSeqWindow {
		t.Errorf("code %v, want OutOfSequenceWindow", code)
	}
	if vendor.processCalls != 0 {
		t.Error("dispatch fired for an aborted message")
	}

	// State was reset: a fresh SOM starts over.
	process(t, r, requestFrame(t, true, true, 0, 2, MessageTypeVendorDefined, make([]byte, 4)))
	if vendor.processCalls != 1 {
		t.Errorf("dispatched %v times after reset, want 1", vendor.processCalls)
	}
}

func TestTagMismatch(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	process(t, r, requestFrame(t, true, false, 0, 2, MessageTypeVendorDefined, make([]byte, 64)))
	tx := process(t, r, requestFrame(t, false, false, 1, 3, 0, make([]byte, 64)))

	code, _, _ := decodeErrorReply(t, tx)
	if code != ErrorCodeInvalidRequest {
		t.Errorf("code %v, want InvalidRequest", code)
	}
}

func TestForeignSenderDroppedSilently(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	process(t, r, requestFrame(t, true, false, 0, 2, MessageTypeVendorDefined, make([]byte, 64)))

	// Same tag and sequence, different source EID: dropped without a reply,
	// without disturbing the assembly in progress.
	foreign := &TransportPacket{
		DestAddr: testLocalAddr,
		SrcAddr:  testDeviceAddr,
		DestEID:  testLocalEID,
		SrcEID:   testDeviceEID,
		Sequence: 1,
		TagOwner: TagOwnerRequest,
		Tag:      2,
	}
	if tx := process(t, r, serializeFrame(t, foreign, make([]byte, 64))); tx != nil {
		t.Fatal("foreign sender produced a reply")
	}

	process(t, r, requestFrame(t, false, true, 1, 2, 0, make([]byte, 10)))
	if vendor.processCalls != 1 {
		t.Fatalf("dispatched %v times, want 1", vendor.processCalls)
	}
	if len(vendor.lastBody) != 74 {
		t.Errorf("reassembled %v bytes, want 74", len(vendor.lastBody))
	}
}

func TestChecksumFailure(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	frame := requestFrame(t, true, true, 0, 1, MessageTypeVendorDefined, make([]byte, 8))
	frame[len(frame)-1] ^= 0x5a
	observed := frame[len(frame)-1]

	tx := process(t, r, frame)
	code, data, pkt := decodeErrorReply(t, tx)
	if code != ErrorCodeInvalidChecksum {
		t.Errorf("code %v, want InvalidChecksum", code)
	}
	if data != uint32(observed) {
		t.Errorf("error data %#.8x, want observed checksum %#.2x", data, observed)
	}
	if pkt.Tag != 1 {
		t.Errorf("error reply tag %v, want 1", pkt.Tag)
	}

	// No partial state: a mid-message packet now reports out of order.
	tx = process(t, r, requestFrame(t, false, false, 1, 1, 0, make([]byte, 8)))
	if code, _, _ := decodeErrorReply(t, tx); code != ErrorCodeOutOfOrderMessage {
		t.Errorf("code after checksum failure %v, want OutOfOrderMessage", code)
	}
}

func TestInvalidPacketLen(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	process(t, r, requestFrame(t, true, false, 0, 2, MessageTypeVendorDefined, make([]byte, 64)))
	tx := process(t, r, requestFrame(t, false, false, 1, 2, 0, make([]byte, 32)))

	code, data, _ := decodeErrorReply(t, tx)
	if code != ErrorCodeInvalidPacketLen {
		t.Errorf("code %v, want InvalidPacketLen", code)
	}
	if data != 32 {
		t.Errorf("error data %v, want offending length 32", data)
	}
}

func TestShorterFinalPacketAccepted(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	process(t, r, requestFrame(t, true, false, 0, 2, MessageTypeVendorDefined, make([]byte, 64)))
	process(t, r, requestFrame(t, false, true, 1, 2, 0, make([]byte, 3)))

	if vendor.processCalls != 1 || len(vendor.lastBody) != 67 {
		t.Errorf("dispatched %v times with %v bytes, want 1 with 67", vendor.processCalls,
			len(vendor.lastBody))
	}
}

func TestMessageOverflow(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	payload := make([]byte, MinTransmissionUnit)
	process(t, r, requestFrame(t, true, false, 0, 2, MessageTypeVendorDefined, payload))
	for i := 1; i < MaxMessageBody/MinTransmissionUnit; i++ {
		if tx := process(t, r, requestFrame(t, false, false, uint8(i%4), 2, 0, payload)); tx != nil {
			t.Fatalf("unexpected reply at packet %v", i)
		}
	}

	i := MaxMessageBody / MinTransmissionUnit
	tx := process(t, r, requestFrame(t, false, false, uint8(i%4), 2, 0, payload))
	code, data, _ := decodeErrorReply(t, tx)
	if code != ErrorCodeMessageOverflow {
		t.Errorf("code %v, want MessageOverflow", code)
	}
	if data != uint32(MaxMessageBody+MinTransmissionUnit) {
		t.Errorf("error data %v, want %v", data, MaxMessageBody+MinTransmissionUnit)
	}
	if vendor.processCalls != 0 {
		t.Error("overflowing message was dispatched")
	}
}

func TestNewSOMAbandonsPrevious(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	process(t, r, requestFrame(t, true, false, 0, 2, MessageTypeVendorDefined, make([]byte, 64)))
	process(t, r, requestFrame(t, false, false, 1, 2, 0, make([]byte, 64)))

	// New SOM: the partial message above is discarded silently.
	process(t, r, requestFrame(t, true, true, 0, 6, MessageTypeVendorDefined, make([]byte, 5)))

	if vendor.processCalls != 1 {
		t.Fatalf("dispatched %v times, want 1", vendor.processCalls)
	}
	if len(vendor.lastBody) != 5 {
		t.Errorf("dispatched body is %v bytes, want 5", len(vendor.lastBody))
	}
}

func TestPacketForOtherEndpointDropped(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	pkt := &TransportPacket{
		DestAddr: testLocalAddr,
		SrcAddr:  testPeerAddr,
		DestEID:  testLocalEID + 1,
		SrcEID:   testPeerEID,
		SOM:      true,
		EOM:      true,
		TagOwner: TagOwnerRequest,
		Tag:      0,
		Type:     MessageTypeVendorDefined,
	}
	if tx := process(t, r, serializeFrame(t, pkt, make([]byte, 8))); tx != nil {
		t.Fatal("reply for a message addressed to another endpoint")
	}
	if vendor.processCalls != 0 {
		t.Error("dispatch fired for a message addressed to another endpoint")
	}
}

func TestZeroLengthReplyAckedWithNoError(t *testing.T) {
	vendor := &mockVendor{
		process: func(msg *Message) Outcome {
			msg.Length = 0
			return NoReply{}
		},
	}
	r := newTestReassembler(t, nil, vendor)

	tx := process(t, r, requestFrame(t, true, true, 0, 4, MessageTypeVendorDefined,
		make([]byte, 8)))
	code, _, pkt := decodeErrorReply(t, tx)
	if code != ErrorCodeNone {
		t.Errorf("code %v, want NoError", code)
	}
	if pkt.Tag != 4 || pkt.TagOwner != TagOwnerResponse {
		t.Errorf("ack tag %v owner %v, want 4/Response", pkt.Tag, pkt.TagOwner)
	}
}

func TestHandlerErrorBecomesProtocolError(t *testing.T) {
	vendor := &mockVendor{
		process: func(msg *Message) Outcome {
			return HandlerError{Code: ErrorCodeUnknownCommand, Data: 0xfe}
		},
	}
	r := newTestReassembler(t, nil, vendor)

	tx := process(t, r, requestFrame(t, true, true, 0, 4, MessageTypeVendorDefined,
		make([]byte, 8)))
	code, data, _ := decodeErrorReply(t, tx)
	if code != ErrorCodeUnknownCommand || data != 0xfe {
		t.Errorf("got %v/%#.2x, want UnknownCommand/0xfe", code, data)
	}
}

func TestResponseLargerThanPeerLimit(t *testing.T) {
	devices := newMockDevices()
	devices.maxMsg = 16
	vendor := &mockVendor{
		process: func(msg *Message) Outcome {
			msg.Length = 64
			return OkReply{}
		},
	}
	r := newTestReassembler(t, devices, vendor)

	tx := process(t, r, requestFrame(t, true, true, 0, 4, MessageTypeVendorDefined,
		make([]byte, 8)))
	code, data, _ := decodeErrorReply(t, tx)
	if code != ErrorCodeUnspecified {
		t.Errorf("code %v, want Unspecified", code)
	}
	if data != 64 {
		t.Errorf("error data %v, want offending length 64", data)
	}
}

func TestCryptoTimeoutExtendsDeadline(t *testing.T) {
	vendor := &mockVendor{
		process: func(msg *Message) Outcome {
			msg.CryptoTimeout = true
			return OkReply{}
		},
	}
	r := newTestReassembler(t, nil, vendor)

	deadline := time.Now()
	rx := &RxPacket{
		Data:         requestFrame(t, true, true, 0, 1, MessageTypeVendorDefined, make([]byte, 8)),
		DestAddr:     testLocalAddr,
		TimeoutValid: true,
		Deadline:     deadline,
	}
	if _, err := r.ProcessPacket(rx); err != nil {
		t.Fatal(err)
	}

	want := deadline.Add((MaxCryptoTimeoutMS - MaxResponseTimeoutMS) * time.Millisecond)
	if !rx.Deadline.Equal(want) {
		t.Errorf("deadline %v, want %v", rx.Deadline, want)
	}
}

func TestDeadlineUntouchedWithoutCrypto(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	deadline := time.Now()
	rx := &RxPacket{
		Data:         requestFrame(t, true, true, 0, 1, MessageTypeVendorDefined, make([]byte, 8)),
		DestAddr:     testLocalAddr,
		TimeoutValid: true,
		Deadline:     deadline,
	}
	if _, err := r.ProcessPacket(rx); err != nil {
		t.Fatal(err)
	}
	if !rx.Deadline.Equal(deadline) {
		t.Errorf("deadline moved to %v without a crypto dispatch", rx.Deadline)
	}
}

func TestDebugEscapeIssuesRequest(t *testing.T) {
	const digestCmd = 0x81
	issued := []byte{0x7e, 0x14, 0x14, 0x00, digestCmd, 0x00, 0x01}
	vendor := &mockVendor{
		process: func(msg *Message) Outcome {
			return StartAttestationTest{Device: testDeviceNum, Request: digestCmd}
		},
		issue: func(commandID uint8, buf []byte) (int, error) {
			copy(buf, issued)
			return len(issued), nil
		},
	}
	r := newTestReassembler(t, nil, vendor)

	tx := process(t, r, requestFrame(t, true, true, 0, 4, MessageTypeVendorDefined,
		[]byte{0x7e, 0x14, 0x14, 0x00, 0xf0, testDeviceNum}))

	if tx == nil {
		t.Fatal("no outbound request composed")
	}
	if tx.DestAddr != testDeviceAddr {
		t.Fatalf("request sent to %#.2x, want device address %#.2x", tx.DestAddr,
			testDeviceAddr)
	}
	if len(vendor.issuedCmds) != 1 || vendor.issuedCmds[0] != digestCmd {
		t.Fatalf("issued commands %v, want [0x81]", vendor.issuedCmds)
	}

	pkt, err := Parse(tx.Frames[0], testDeviceAddr)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.TagOwner != TagOwnerRequest {
		t.Error("outbound request does not own its tag")
	}
	if pkt.Tag != 0 {
		t.Errorf("request tag %v, want initial local tag 0", pkt.Tag)
	}
	if pkt.DestEID != testDeviceEID || pkt.SrcEID != testLocalEID {
		t.Errorf("request EIDs %v -> %v", pkt.SrcEID, pkt.DestEID)
	}
	if diff := cmp.Diff(issued, []byte(pkt.Payload)); diff != "" {
		t.Errorf("request payload mismatch (-want +got):\n%v", diff)
	}
	if r.LocalTag() != 1 {
		t.Errorf("local tag %v after issuing a request, want 1", r.LocalTag())
	}
}

func TestDebugEscapeFailureAnswersOriginalRequester(t *testing.T) {
	vendor := &mockVendor{
		process: func(msg *Message) Outcome {
			// Device 9 is not in the table.
			return StartAttestationTest{Device: 9, Request: 0x81}
		},
	}
	r := newTestReassembler(t, nil, vendor)

	tx := process(t, r, requestFrame(t, true, true, 0, 4, MessageTypeVendorDefined,
		make([]byte, 8)))

	code, _, pkt := decodeErrorReply(t, tx)
	if code != ErrorCodeUnspecified {
		t.Errorf("code %v, want Unspecified", code)
	}
	if tx.DestAddr != testPeerAddr {
		t.Errorf("error sent to %#.2x, want original requester %#.2x", tx.DestAddr,
			testPeerAddr)
	}
	if pkt.DestEID != testPeerEID {
		t.Errorf("error reply EID %v, want original source %v", pkt.DestEID, testPeerEID)
	}
	if r.LocalTag() != 0 {
		t.Errorf("local tag %v advanced on a failed escape", r.LocalTag())
	}
}

func TestControlGetEndpointID(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	tx := process(t, r, requestFrame(t, true, true, 0, 1, MessageTypeControl,
		[]byte{0x8a, ControlGetEndpointID}))

	pkt := decodeReply(t, tx)
	if pkt.Type != MessageTypeControl {
		t.Errorf("reply type %v, want Control", pkt.Type)
	}
	want := []byte{0x0a, ControlGetEndpointID, ControlCompletionSuccess,
		uint8(testLocalEID), 0x00, 0x00}
	if diff := cmp.Diff(want, []byte(pkt.Payload)); diff != "" {
		t.Errorf("control reply mismatch (-want +got):\n%v", diff)
	}
	if vendor.processCalls != 0 {
		t.Error("control message reached the vendor dispatcher")
	}
}

func TestControlSetEndpointID(t *testing.T) {
	vendor := &mockVendor{}
	r := newTestReassembler(t, nil, vendor)

	tx := process(t, r, requestFrame(t, true, true, 0, 1, MessageTypeControl,
		[]byte{0x81, ControlSetEndpointID, 0x00, 0x1d}))

	pkt := decodeReply(t, tx)
	want := []byte{0x01, ControlSetEndpointID, ControlCompletionSuccess, 0x00, 0x1d, 0x00}
	if diff := cmp.Diff(want, []byte(pkt.Payload)); diff != "" {
		t.Errorf("control reply mismatch (-want +got):\n%v", diff)
	}
	if r.EID() != EID(0x1d) {
		t.Errorf("EID %v after assignment, want 0x1d", r.EID())
	}
}

func TestIssueRequestAdvancesTag(t *testing.T) {
	vendor := &mockVendor{
		issue: func(commandID uint8, buf []byte) (int, error) {
			buf[0] = commandID
			return 6, nil
		},
	}
	r := newTestReassembler(t, nil, vendor)

	tx, err := r.IssueRequest(MessageTypeVendorDefined, 0x81, nil, testDeviceAddr,
		testDeviceEID, testLocalAddr)
	if err != nil {
		t.Fatal(err)
	}

	pkt, err := Parse(tx.Frames[0], testDeviceAddr)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.TagOwner != TagOwnerRequest || pkt.Tag != 0 {
		t.Errorf("tag %v owner %v, want 0/Request", pkt.Tag, pkt.TagOwner)
	}
	if !pkt.SOM || !pkt.EOM {
		t.Error("issued request is not a single packet")
	}
	if r.LocalTag() != 1 {
		t.Errorf("local tag %v, want 1", r.LocalTag())
	}

	// A second request takes the next tag.
	tx, err = r.IssueRequest(MessageTypeVendorDefined, 0x81, nil, testDeviceAddr,
		testDeviceEID, testLocalAddr)
	if err != nil {
		t.Fatal(err)
	}
	pkt, err = Parse(tx.Frames[0], testDeviceAddr)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Tag != 1 {
		t.Errorf("second request tag %v, want 1", pkt.Tag)
	}
}
