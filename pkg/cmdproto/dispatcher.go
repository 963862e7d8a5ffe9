package cmdproto

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kestrelfw/rot/pkg/devmgr"
	"github.com/kestrelfw/rot/pkg/mctp"
)

// Deps are the dispatcher's collaborators. Devices and FwVersion are always
// required; the rest gate the commands that use them — a request against a
// missing capability fails with an unsupported-operation status. Auth is the
// exception: without it, protected commands run without an authorization
// check.
type Deps struct {
	Devices    *devmgr.Manager
	FwVersion  FirmwareVersion
	Responder  AttestationResponder
	Initiator  AttestationInitiator
	Logs       LogStore
	PFM        ManifestCommands
	CFM        ManifestCommands
	PCD        ManifestCommands
	Update     UpdateControl
	Certs      CertStore
	Background Background
	Host       HostControl
	Device     CmdDevice
	Session    SessionManager
	Auth       Authorizer
	Hash       Hasher
}

// Options is the dispatcher's static configuration.
type Options struct {
	// PCIVendorID is the vendor ID every request must carry.
	PCIVendorID uint16

	// DeviceID is the identity reported by the get-device-id command.
	DeviceID DeviceID

	// EnableDebugCommands ungates the debug command range and the
	// start-attestation escape. Off by default.
	EnableDebugCommands bool

	// Logger receives dispatch diagnostics. Defaults to the standard
	// logger.
	Logger logrus.FieldLogger
}

// Dispatcher routes vendor-defined requests to command handlers, enforcing
// the sender's role and the response size limits. It implements
// mctp.VendorDispatcher.
type Dispatcher struct {
	deps  Deps
	opts  Options
	log   logrus.FieldLogger
	table map[uint8]descriptor
}

// New builds a dispatcher over the given collaborators. The command table is
// fixed here and never changes afterwards.
func New(deps Deps, opts Options) (*Dispatcher, error) {
	if deps.Devices == nil || deps.FwVersion == nil {
		return nil, errors.New("cmdproto: dispatcher requires a device table and firmware versions")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	d := &Dispatcher{
		deps: deps,
		opts: opts,
		log:  opts.Logger,
	}
	d.table = d.commandTable()
	return d, nil
}

// request is the handler view of one dispatch: the message, its parsed
// header and the resolved sender.
type request struct {
	msg *mctp.Message
	hdr Header
	num int
	dir devmgr.Direction
}

// payload returns the body after the header.
func (r *request) payload() []byte {
	return r.msg.Body()[HeaderLen:]
}

// window returns the bytes a handler may fill with its response payload,
// bounded by the peer's maximum message length.
func (r *request) window() []byte {
	max := r.msg.MaxResponse
	if max <= 0 || max > len(r.msg.Data) {
		max = len(r.msg.Data)
	}
	if max < HeaderLen {
		return nil
	}
	return r.msg.Data[HeaderLen:max]
}

// setPayloadLen records the response payload size, keeping the header.
func (r *request) setPayloadLen(n int) {
	r.msg.Length = HeaderLen + n
}

// consume marks the request processed without a reply body; the transport
// acks it with an explicit NoError.
func (r *request) consume() {
	r.msg.Length = 0
}

// requireLen enforces an exact request payload length.
func (r *request) requireLen(n int) error {
	if len(r.payload()) != n {
		return errStatus(StatusBadLength)
	}
	return nil
}

// requireMinLen enforces a minimum request payload length.
func (r *request) requireMinLen(n int) error {
	if len(r.payload()) < n {
		return errStatus(StatusBadLength)
	}
	return nil
}

// ProcessRequest validates, routes and runs one vendor-defined request. The
// message buffer is rewritten in place with the response.
func (d *Dispatcher) ProcessRequest(msg *mctp.Message) mctp.Outcome {
	hdr, err := ParseHeader(msg.Body())
	if err != nil {
		return mctp.HandlerError{Code: mctp.ErrorCodeInvalidRequest,
			Data: uint32(StatusBadLength)}
	}
	if hdr.MsgType != uint8(mctp.MessageTypeVendorDefined) || hdr.IntegrityCheck ||
		hdr.PCIVendorID != d.opts.PCIVendorID {
		return mctp.HandlerError{Code: mctp.ErrorCodeInvalidRequest,
			Data: uint32(StatusUnsupportedMsg)}
	}

	msg.Encrypted = false
	if hdr.Crypt {
		if d.deps.Session == nil {
			return mctp.HandlerError{Code: mctp.ErrorCodeUnspecified,
				Data: uint32(StatusNoSession)}
		}
		n, err := d.deps.Session.Decrypt(msg.Body())
		if err != nil {
			return mctp.HandlerError{Code: mctp.ErrorCodeInvalidRequest,
				Data: uint32(StatusNoSession)}
		}
		msg.Length = n
		msg.Encrypted = true
	}

	num, err := d.deps.Devices.DeviceNum(msg.SourceEID)
	if err != nil {
		return mctp.HandlerError{Code: mctp.ErrorCodeInvalidDeviceMode,
			Data: uint32(StatusInvalidDeviceMode)}
	}
	dir, err := d.deps.Devices.Direction(num)
	if err != nil {
		return mctp.HandlerError{Code: mctp.ErrorCodeInvalidDeviceMode,
			Data: uint32(StatusInvalidDeviceMode)}
	}

	desc, ok := d.table[hdr.Command]
	if !ok || (desc.debug && !d.opts.EnableDebugCommands) {
		// A gated-off debug command is indistinguishable from an absent one.
		return mctp.HandlerError{Code: mctp.ErrorCodeUnknownCommand,
			Data: uint32(hdr.Command)}
	}

	var fn handlerFunc
	switch dir {
	case devmgr.DirectionUpstream:
		fn = desc.upstream
	case devmgr.DirectionDownstream:
		fn = desc.downstream
	}
	if fn == nil {
		return mctp.HandlerError{Code: mctp.ErrorCodeInvalidDeviceMode,
			Data: uint32(hdr.Command)}
	}

	req := request{msg: msg, hdr: hdr, num: num, dir: dir}
	if err := fn(&req); err != nil {
		var esc *escapeError
		if errors.As(err, &esc) {
			return mctp.StartAttestationTest{Device: esc.device,
				Request: CommandGetDigest}
		}
		d.log.WithFields(logrus.Fields{
			"command": fmt.Sprintf("%#.2x", hdr.Command),
			"name":    desc.name,
			"src_eid": msg.SourceEID,
		}).WithError(err).Debug("command failed")
		return d.errorOutcome(&req, err)
	}

	if msg.Encrypted && msg.Length > 0 {
		n, err := d.deps.Session.Encrypt(msg.Body(), msg.MaxResponse)
		if err != nil {
			return mctp.HandlerError{Code: mctp.ErrorCodeUnspecified,
				Data: uint32(StatusNoSession)}
		}
		msg.Length = n
	}

	if msg.Length == 0 {
		return mctp.NoReply{}
	}
	return mctp.OkReply{}
}

// errorOutcome maps a handler failure to the wire error taxonomy. Statuses
// without a dedicated wire code travel as Unspecified with the status in the
// error data.
func (d *Dispatcher) errorOutcome(req *request, err error) mctp.Outcome {
	var serr *StatusError
	if !errors.As(err, &serr) {
		return mctp.HandlerError{Code: mctp.ErrorCodeUnspecified,
			Data: uint32(StatusProcessFailed)}
	}
	switch serr.Status {
	case StatusBadLength:
		return mctp.HandlerError{Code: mctp.ErrorCodeBadLength,
			Data: uint32(req.msg.Length)}
	case StatusUnknownCommand:
		return mctp.HandlerError{Code: mctp.ErrorCodeUnknownCommand,
			Data: uint32(req.hdr.Command)}
	case StatusInvalidDeviceMode:
		return mctp.HandlerError{Code: mctp.ErrorCodeInvalidDeviceMode,
			Data: uint32(req.hdr.Command)}
	default:
		return mctp.HandlerError{Code: mctp.ErrorCodeUnspecified,
			Data: uint32(serr.Status)}
	}
}

// BuildError writes a protocol error message into buf. It implements the
// transport's error reply construction.
func (d *Dispatcher) BuildError(buf []byte, code mctp.ErrorCode, data uint32, cmdSet uint8) (int, error) {
	return EncodeError(buf, d.opts.PCIVendorID, cmdSet, ErrorMessage{Code: code, Data: data})
}

// CertificateParams parameterizes an issued get-certificate request.
type CertificateParams struct {
	Slot    uint8
	CertNum uint8
}

// IssueRequest writes a locally-originated request into buf and returns its
// total length including the header.
func (d *Dispatcher) IssueRequest(commandID uint8, params interface{}, buf []byte, maxLen int) (int, error) {
	if maxLen > len(buf) {
		maxLen = len(buf)
	}
	if maxLen < HeaderLen {
		return 0, errStatus(StatusInvalidArgument)
	}

	hdr := Header{
		MsgType:     uint8(mctp.MessageTypeVendorDefined),
		PCIVendorID: d.opts.PCIVendorID,
		Command:     commandID,
	}
	if err := hdr.Encode(buf); err != nil {
		return 0, err
	}
	out := buf[HeaderLen:maxLen]

	var n int
	var err error
	switch commandID {
	case CommandGetDigest:
		if d.deps.Initiator == nil {
			return 0, errStatus(StatusUnsupportedOperation)
		}
		n, err = d.deps.Initiator.BuildDigestRequest(out)

	case CommandGetCertificate:
		if d.deps.Initiator == nil {
			return 0, errStatus(StatusUnsupportedOperation)
		}
		p, ok := params.(CertificateParams)
		if !ok {
			return 0, errStatus(StatusInvalidArgument)
		}
		n, err = d.deps.Initiator.BuildCertificateRequest(p.Slot, p.CertNum, out)

	case CommandAttestationChallenge:
		if d.deps.Initiator == nil {
			return 0, errStatus(StatusUnsupportedOperation)
		}
		n, err = d.deps.Initiator.BuildChallenge(out)

	case CommandGetDeviceCapabilities:
		n, err = d.buildCapabilities(out)

	default:
		return 0, errStatus(StatusUnknownCommand)
	}
	if err != nil {
		return 0, err
	}
	return HeaderLen + n, nil
}
