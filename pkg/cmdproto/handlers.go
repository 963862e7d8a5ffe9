package cmdproto

import (
	"encoding/binary"

	"github.com/kestrelfw/rot/pkg/mctp"
)

// Handlers rewrite the message buffer in place: request payload on entry,
// response payload on exit. Request bytes that prefix the response (device
// numbers, certificate indices) are left where they are and the response is
// appended after them, so reads always precede overwrites.

// fwVersionLen is the fixed width of a reported version string.
const fwVersionLen = 32

func (d *Dispatcher) getFwVersion(req *request) error {
	if err := req.requireLen(1); err != nil {
		return err
	}
	version, err := d.deps.FwVersion.Version(req.payload()[0])
	if err != nil {
		return errStatus(StatusOutOfRange)
	}

	out := req.window()
	if len(out) < fwVersionLen {
		return errStatus(StatusProcessFailed)
	}
	for i := range out[:fwVersionLen] {
		out[i] = 0
	}
	copy(out, version)
	req.setPayloadLen(fwVersionLen)
	return nil
}

// capabilitiesLen is the size of a capabilities record: maximum message and
// packet sizes plus a feature byte and a reserved byte.
const capabilitiesLen = 6

// buildCapabilities packs the local capabilities record followed by the
// response and crypto deadlines, in 10 ms units.
func (d *Dispatcher) buildCapabilities(out []byte) (int, error) {
	if len(out) < capabilitiesLen+2 {
		return 0, errStatus(StatusProcessFailed)
	}
	binary.LittleEndian.PutUint16(out[0:], mctp.MaxMessageBody)
	binary.LittleEndian.PutUint16(out[2:], mctp.MinTransmissionUnit)
	out[4] = 0x01 // responder role
	out[5] = 0
	out[6] = mctp.MaxResponseTimeoutMS / 10
	out[7] = mctp.MaxCryptoTimeoutMS / 10
	return capabilitiesLen + 2, nil
}

func (d *Dispatcher) getDeviceCapabilities(req *request) error {
	// The request carries the peer's own capabilities record.
	if err := req.requireLen(capabilitiesLen); err != nil {
		return err
	}
	n, err := d.buildCapabilities(req.window())
	if err != nil {
		return err
	}
	req.setPayloadLen(n)
	return nil
}

func (d *Dispatcher) getDeviceID(req *request) error {
	if err := req.requireLen(0); err != nil {
		return err
	}
	out := req.window()
	if len(out) < 8 {
		return errStatus(StatusProcessFailed)
	}
	id := d.opts.DeviceID
	binary.LittleEndian.PutUint16(out[0:], id.VendorID)
	binary.LittleEndian.PutUint16(out[2:], id.DeviceID)
	binary.LittleEndian.PutUint16(out[4:], id.SubsystemVID)
	binary.LittleEndian.PutUint16(out[6:], id.SubsystemID)
	req.setPayloadLen(8)
	return nil
}

func (d *Dispatcher) getDeviceInfo(req *request) error {
	if d.deps.Device == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(1); err != nil {
		return err
	}
	if req.payload()[0] != 0 {
		return errStatus(StatusOutOfRange)
	}
	n, err := d.deps.Device.Info(req.window())
	if err != nil {
		return err
	}
	req.setPayloadLen(n)
	return nil
}

func (d *Dispatcher) exportCSR(req *request) error {
	if d.deps.Certs == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(1); err != nil {
		return err
	}
	if req.payload()[0] != 0 {
		return errStatus(StatusOutOfRange)
	}
	n, err := d.deps.Certs.ExportCSR(req.window())
	if err != nil {
		return err
	}
	req.setPayloadLen(n)
	return nil
}

func (d *Dispatcher) importSignedCert(req *request) error {
	if d.deps.Certs == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireMinLen(4); err != nil {
		return err
	}
	p := req.payload()
	certNum := p[0]
	certLen := int(binary.LittleEndian.Uint16(p[1:3]))
	if certLen == 0 || len(p) != 3+certLen {
		return errStatus(StatusBadLength)
	}
	if err := d.deps.Certs.ImportCert(certNum, p[3:]); err != nil {
		return err
	}
	req.consume()
	return nil
}

func (d *Dispatcher) getSignedCertState(req *request) error {
	if d.deps.Certs == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(0); err != nil {
		return err
	}
	out := req.window()
	if len(out) < 4 {
		return errStatus(StatusProcessFailed)
	}
	binary.LittleEndian.PutUint32(out, d.deps.Certs.SignedCertState())
	req.setPayloadLen(4)
	return nil
}

func (d *Dispatcher) getHostState(req *request) error {
	if d.deps.Host == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(1); err != nil {
		return err
	}
	state, err := d.deps.Host.ResetStatus(req.payload()[0])
	if err != nil {
		return errStatus(StatusOutOfRange)
	}
	out := req.window()
	if len(out) < 2 {
		return errStatus(StatusProcessFailed)
	}
	out[1] = state
	req.setPayloadLen(2)
	return nil
}

func (d *Dispatcher) getLogInfo(req *request) error {
	if d.deps.Logs == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(0); err != nil {
		return err
	}
	n, err := d.deps.Logs.Info(req.window())
	if err != nil {
		return err
	}
	req.setPayloadLen(n)
	return nil
}

func (d *Dispatcher) readLog(req *request) error {
	if d.deps.Logs == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(5); err != nil {
		return err
	}
	p := req.payload()
	logType := p[0]
	offset := binary.LittleEndian.Uint32(p[1:5])
	n, err := d.deps.Logs.Read(logType, offset, req.window())
	if err != nil {
		return err
	}
	req.setPayloadLen(n)
	return nil
}

func (d *Dispatcher) clearLog(req *request) error {
	if d.deps.Logs == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireMinLen(1); err != nil {
		return err
	}
	p := req.payload()
	if d.deps.Auth != nil {
		if err := d.deps.Auth.AuthorizeLogClear(p[1:]); err != nil {
			return errStatus(StatusUnauthorized)
		}
	}
	if err := d.deps.Logs.Clear(p[0]); err != nil {
		return err
	}
	req.consume()
	return nil
}

func (d *Dispatcher) getAttestationData(req *request) error {
	if d.deps.Logs == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(6); err != nil {
		return err
	}
	p := req.payload()
	pmr, entry := p[0], p[1]
	offset := binary.LittleEndian.Uint32(p[2:6])
	n, err := d.deps.Logs.AttestationData(pmr, entry, offset, req.window())
	if err != nil {
		return err
	}
	req.setPayloadLen(n)
	return nil
}

// Manifest handlers are shared across PFM, CFM and PCD; the table binds each
// command to its manifest's staging interface.

func (d *Dispatcher) manifestID(m ManifestCommands) handlerFunc {
	return func(req *request) error {
		if m == nil {
			return errStatus(StatusUnsupportedOperation)
		}
		if len(req.payload()) > 1 {
			return errStatus(StatusBadLength)
		}
		n, err := m.ID(req.window())
		if err != nil {
			return err
		}
		req.setPayloadLen(n)
		return nil
	}
}

func (d *Dispatcher) manifestPrepare(m ManifestCommands) handlerFunc {
	return func(req *request) error {
		if m == nil {
			return errStatus(StatusUnsupportedOperation)
		}
		if err := req.requireLen(4); err != nil {
			return err
		}
		if err := m.PrepareUpdate(binary.LittleEndian.Uint32(req.payload())); err != nil {
			return err
		}
		req.consume()
		return nil
	}
}

func (d *Dispatcher) manifestStore(m ManifestCommands) handlerFunc {
	return func(req *request) error {
		if m == nil {
			return errStatus(StatusUnsupportedOperation)
		}
		if err := req.requireMinLen(1); err != nil {
			return err
		}
		if err := m.StoreUpdate(req.payload()); err != nil {
			return err
		}
		req.consume()
		return nil
	}
}

func (d *Dispatcher) manifestFinish(m ManifestCommands) handlerFunc {
	return func(req *request) error {
		if m == nil {
			return errStatus(StatusUnsupportedOperation)
		}
		activate := false
		switch len(req.payload()) {
		case 0:
		case 1:
			activate = req.payload()[0] != 0
		default:
			return errStatus(StatusBadLength)
		}
		if err := m.FinishUpdate(activate); err != nil {
			return err
		}
		req.consume()
		return nil
	}
}

func (d *Dispatcher) prepareFwUpdate(req *request) error {
	if d.deps.Update == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(4); err != nil {
		return err
	}
	if err := d.deps.Update.PrepareStaging(binary.LittleEndian.Uint32(req.payload())); err != nil {
		return err
	}
	req.consume()
	return nil
}

func (d *Dispatcher) fwUpdate(req *request) error {
	if d.deps.Update == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireMinLen(1); err != nil {
		return err
	}
	if err := d.deps.Update.WriteStaging(req.payload()); err != nil {
		return err
	}
	req.consume()
	return nil
}

func (d *Dispatcher) completeFwUpdate(req *request) error {
	if d.deps.Update == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(0); err != nil {
		return err
	}
	if err := d.deps.Update.Start(); err != nil {
		return err
	}
	req.consume()
	return nil
}

func (d *Dispatcher) getUpdateStatus(req *request) error {
	if d.deps.Update == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(2); err != nil {
		return err
	}
	if req.payload()[0] != 0 {
		return errStatus(StatusOutOfRange)
	}
	out := req.window()
	if len(out) < 4 {
		return errStatus(StatusProcessFailed)
	}
	binary.LittleEndian.PutUint32(out, d.deps.Update.Status())
	req.setPayloadLen(4)
	return nil
}

func (d *Dispatcher) resetConfig(req *request) error {
	if d.deps.Background == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireMinLen(1); err != nil {
		return err
	}
	if d.deps.Auth != nil {
		if err := d.deps.Auth.AuthorizeRevert(req.payload()[1:]); err != nil {
			return errStatus(StatusUnauthorized)
		}
	}
	if err := d.deps.Background.ClearConfig(); err != nil {
		return err
	}
	req.consume()
	return nil
}

// Attestation of this device by the upstream host.

func (d *Dispatcher) getDigest(req *request) error {
	if d.deps.Responder == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(2); err != nil {
		return err
	}
	slot := req.payload()[0]
	n, err := d.deps.Responder.Digests(slot, req.window())
	if err != nil {
		return err
	}
	req.msg.CryptoTimeout = true
	req.setPayloadLen(n)
	return nil
}

func (d *Dispatcher) getCertificate(req *request) error {
	if d.deps.Responder == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(6); err != nil {
		return err
	}
	p := req.payload()
	slot, certNum := p[0], p[1]
	offset := binary.LittleEndian.Uint16(p[2:4])
	length := binary.LittleEndian.Uint16(p[4:6])

	cert, err := d.deps.Responder.Certificate(slot, certNum, offset, length)
	if err != nil {
		return errStatus(StatusOutOfRange)
	}

	// Reply echoes the slot and certificate number ahead of the data, which
	// is truncated to the peer's response window.
	out := req.window()
	if len(out) < 2 {
		return errStatus(StatusProcessFailed)
	}
	n := copyWindow(out[2:], cert, 0)
	req.setPayloadLen(2 + n)
	return nil
}

// challengeNonceLen is the nonce size of an attestation challenge.
const challengeNonceLen = 32

func (d *Dispatcher) challenge(req *request) error {
	if d.deps.Responder == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(2 + challengeNonceLen); err != nil {
		return err
	}
	n, err := d.deps.Responder.ChallengeResponse(req.payload()[2:], req.window())
	if err != nil {
		return err
	}
	req.msg.CryptoTimeout = true
	req.setPayloadLen(n)
	return nil
}

// Attestation of downstream devices: these fire when a device we attest
// answers one of our requests. A downstream peer sending an actual request
// on these commands is out of its role.

func (d *Dispatcher) processDigestResponse(req *request) error {
	if d.deps.Initiator == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if req.hdr.Rq != 0 {
		return errStatus(StatusInvalidDeviceMode)
	}
	if err := req.requireMinLen(1); err != nil {
		return err
	}
	if err := d.deps.Initiator.ProcessDigests(req.num, req.payload()); err != nil {
		return err
	}
	req.consume()
	return nil
}

func (d *Dispatcher) processCertificateResponse(req *request) error {
	if d.deps.Initiator == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if req.hdr.Rq != 0 {
		return errStatus(StatusInvalidDeviceMode)
	}
	if err := req.requireMinLen(3); err != nil {
		return err
	}
	if err := d.deps.Initiator.ProcessCertificate(req.num, req.payload()[2:]); err != nil {
		return err
	}
	req.consume()
	return nil
}

func (d *Dispatcher) processChallengeResponse(req *request) error {
	if d.deps.Initiator == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if req.hdr.Rq != 0 {
		return errStatus(StatusInvalidDeviceMode)
	}
	if err := req.requireMinLen(1); err != nil {
		return err
	}
	if err := d.deps.Initiator.ProcessChallengeResponse(req.num, req.payload()); err != nil {
		return err
	}
	req.msg.CryptoTimeout = true
	req.consume()
	return nil
}

func (d *Dispatcher) exchangeKeys(req *request) error {
	if d.deps.Session == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireMinLen(2); err != nil {
		return err
	}
	n, err := d.deps.Session.EstablishSession(req.payload(), req.msg.Encrypted)
	if err != nil {
		return errStatus(StatusNoSession)
	}
	req.msg.CryptoTimeout = true
	req.setPayloadLen(n)
	return nil
}

func (d *Dispatcher) sessionSync(req *request) error {
	if d.deps.Session == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(4); err != nil {
		return err
	}
	rn := binary.LittleEndian.Uint32(req.payload())
	n, err := d.deps.Session.Sync(rn, req.window(), req.msg.Encrypted)
	if err != nil {
		return errStatus(StatusNoSession)
	}
	req.msg.CryptoTimeout = true
	req.setPayloadLen(n)
	return nil
}

func (d *Dispatcher) resetCounter(req *request) error {
	if d.deps.Device == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(2); err != nil {
		return err
	}
	p := req.payload()
	count, err := d.deps.Device.ResetCounter(p[0], p[1])
	if err != nil {
		return errStatus(StatusOutOfRange)
	}
	out := req.window()
	if len(out) < 2 {
		return errStatus(StatusProcessFailed)
	}
	binary.LittleEndian.PutUint16(out, count)
	req.setPayloadLen(2)
	return nil
}

func (d *Dispatcher) unsealMessage(req *request) error {
	if d.deps.Background == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireMinLen(4); err != nil {
		return err
	}
	p := req.payload()
	seedLen := int(binary.LittleEndian.Uint16(p[0:2]))
	if len(p) < 2+seedLen+2 {
		return errStatus(StatusBadLength)
	}
	seed := p[2 : 2+seedLen]
	cipherLen := int(binary.LittleEndian.Uint16(p[2+seedLen:]))
	if len(p) != 2+seedLen+2+cipherLen {
		return errStatus(StatusBadLength)
	}
	cipher := p[4+seedLen:]

	if err := d.deps.Background.UnsealStart(seed, cipher); err != nil {
		return err
	}
	req.msg.CryptoTimeout = true
	req.consume()
	return nil
}

func (d *Dispatcher) unsealResult(req *request) error {
	if d.deps.Background == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(0); err != nil {
		return err
	}
	out := req.window()
	if len(out) < 6 {
		return errStatus(StatusProcessFailed)
	}
	status, n, err := d.deps.Background.UnsealResult(out[6:])
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(out[0:4], status)
	binary.LittleEndian.PutUint16(out[4:6], uint16(n))
	req.setPayloadLen(6 + n)
	return nil
}

// Debug commands.

func (d *Dispatcher) debugStartAttestation(req *request) error {
	if err := req.requireLen(1); err != nil {
		return err
	}
	return &escapeError{device: req.payload()[0]}
}

func (d *Dispatcher) debugGetAttestationState(req *request) error {
	if err := req.requireLen(1); err != nil {
		return err
	}
	state, err := d.deps.Devices.State(int(req.payload()[0]))
	if err != nil {
		return errStatus(StatusOutOfRange)
	}
	out := req.window()
	if len(out) < 1 {
		return errStatus(StatusProcessFailed)
	}
	out[0] = uint8(state)
	req.setPayloadLen(1)
	return nil
}

func (d *Dispatcher) debugFillLog(req *request) error {
	if d.deps.Background == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(0); err != nil {
		return err
	}
	if err := d.deps.Background.FillLog(); err != nil {
		return err
	}
	req.consume()
	return nil
}

func (d *Dispatcher) debugGetDeviceCert(req *request) error {
	if err := req.requireLen(3); err != nil {
		return err
	}
	p := req.payload()
	cert, err := d.deps.Devices.Certificate(int(p[0]), int(p[2]))
	if err != nil {
		return errStatus(StatusOutOfRange)
	}
	out := req.window()
	if len(out) < 3 {
		return errStatus(StatusProcessFailed)
	}
	n := copyWindow(out[3:], cert.Cert, 0)
	req.setPayloadLen(3 + n)
	return nil
}

func (d *Dispatcher) debugGetDeviceCertDigest(req *request) error {
	if d.deps.Hash == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(3); err != nil {
		return err
	}
	p := req.payload()
	cert, err := d.deps.Devices.Certificate(int(p[0]), int(p[2]))
	if err != nil {
		return errStatus(StatusOutOfRange)
	}
	digest, err := d.deps.Hash.Sha256(cert.Cert)
	if err != nil {
		return err
	}
	out := req.window()
	if len(out) < 3+len(digest) {
		return errStatus(StatusProcessFailed)
	}
	copy(out[3:], digest[:])
	req.msg.CryptoTimeout = true
	req.setPayloadLen(3 + len(digest))
	return nil
}

func (d *Dispatcher) debugGetDeviceChallenge(req *request) error {
	if d.deps.Initiator == nil {
		return errStatus(StatusUnsupportedOperation)
	}
	if err := req.requireLen(1); err != nil {
		return err
	}
	nonce, err := d.deps.Initiator.ChallengeNonce(int(req.payload()[0]))
	if err != nil {
		return errStatus(StatusOutOfRange)
	}
	out := req.window()
	if len(out) < 1+len(nonce) {
		return errStatus(StatusProcessFailed)
	}
	copy(out[1:], nonce)
	req.setPayloadLen(1 + len(nonce))
	return nil
}
