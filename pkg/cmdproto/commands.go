package cmdproto

// Command identifiers. The space is partitioned into required commands every
// device implements, optional commands gated on fitted capabilities, and
// debug commands gated on the debug feature flag.
const (
	// Required.
	CommandGetFirmwareVersion    = 0x01
	CommandGetDeviceCapabilities = 0x02
	CommandGetDeviceID           = 0x03
	CommandGetDeviceInfo         = 0x04

	// Identity provisioning.
	CommandExportCSR          = 0x20
	CommandImportCASignedCert = 0x21
	CommandGetSignedCertState = 0x22

	// Host state.
	CommandGetHostState = 0x40

	// Logs and measurements.
	CommandGetLogInfo         = 0x4f
	CommandReadLog            = 0x50
	CommandClearLog           = 0x51
	CommandGetAttestationData = 0x52

	// Manifests.
	CommandGetPFMID          = 0x59
	CommandPreparePFMUpdate  = 0x5b
	CommandPFMUpdate         = 0x5c
	CommandCompletePFMUpdate = 0x5d
	CommandGetCFMID          = 0x5e
	CommandPrepareCFMUpdate  = 0x5f
	CommandCFMUpdate         = 0x60
	CommandCompleteCFMUpdate = 0x61
	CommandGetPCDID          = 0x62
	CommandPreparePCDUpdate  = 0x63
	CommandPCDUpdate         = 0x64
	CommandCompletePCDUpdate = 0x65

	// Firmware update.
	CommandPrepareFwUpdate  = 0x66
	CommandFwUpdate         = 0x67
	CommandGetUpdateStatus  = 0x68
	CommandCompleteFwUpdate = 0x69

	// Configuration.
	CommandResetConfig = 0x6a

	// Attestation. These are dual-direction: the handler depends on whether
	// the sender is the host attesting us or a device we attest.
	CommandGetDigest            = 0x81
	CommandGetCertificate       = 0x82
	CommandAttestationChallenge = 0x83
	CommandExchangeKeys         = 0x84
	CommandSessionSync          = 0x85

	// Bookkeeping.
	CommandResetCounter = 0x87

	// Unsealing.
	CommandUnsealMessage       = 0x89
	CommandUnsealMessageResult = 0x8a

	// Debug.
	CommandDebugStartAttestation    = 0xf0
	CommandDebugGetAttestationState = 0xf1
	CommandDebugFillLog             = 0xf2
	CommandDebugGetDeviceCert       = 0xf3
	CommandDebugGetDeviceCertDigest = 0xf4
	CommandDebugGetDeviceChallenge  = 0xf5
)

// handlerFunc processes one request in place: the message body is the
// request on entry and the response on exit.
type handlerFunc func(req *request) error

// descriptor is one row of the static command table: the handlers for a
// command, selected by the sender's role. A nil handler means the command is
// not legal for that role.
type descriptor struct {
	name       string
	debug      bool
	upstream   handlerFunc
	downstream handlerFunc
}

// both is shorthand for commands whose handler does not depend on the
// sender's role.
func both(name string, fn handlerFunc) descriptor {
	return descriptor{name: name, upstream: fn, downstream: fn}
}

// commandTable builds the static command table. It is read-only after
// initialization; there is no way to guarantee exclusive access if it were
// modified during runtime.
func (d *Dispatcher) commandTable() map[uint8]descriptor {
	return map[uint8]descriptor{
		CommandGetFirmwareVersion:    both("get firmware version", d.getFwVersion),
		CommandGetDeviceCapabilities: both("get device capabilities", d.getDeviceCapabilities),
		CommandGetDeviceID:           both("get device id", d.getDeviceID),
		CommandGetDeviceInfo:         both("get device info", d.getDeviceInfo),

		CommandExportCSR:          both("export csr", d.exportCSR),
		CommandImportCASignedCert: both("import signed cert", d.importSignedCert),
		CommandGetSignedCertState: both("get signed cert state", d.getSignedCertState),

		CommandGetHostState: both("get host state", d.getHostState),

		CommandGetLogInfo:         both("get log info", d.getLogInfo),
		CommandReadLog:            both("read log", d.readLog),
		CommandClearLog:           both("clear log", d.clearLog),
		CommandGetAttestationData: both("get attestation data", d.getAttestationData),

		CommandGetPFMID:          both("get pfm id", d.manifestID(d.deps.PFM)),
		CommandPreparePFMUpdate:  both("prepare pfm update", d.manifestPrepare(d.deps.PFM)),
		CommandPFMUpdate:         both("pfm update", d.manifestStore(d.deps.PFM)),
		CommandCompletePFMUpdate: both("complete pfm update", d.manifestFinish(d.deps.PFM)),
		CommandGetCFMID:          both("get cfm id", d.manifestID(d.deps.CFM)),
		CommandPrepareCFMUpdate:  both("prepare cfm update", d.manifestPrepare(d.deps.CFM)),
		CommandCFMUpdate:         both("cfm update", d.manifestStore(d.deps.CFM)),
		CommandCompleteCFMUpdate: both("complete cfm update", d.manifestFinish(d.deps.CFM)),
		CommandGetPCDID:          both("get pcd id", d.manifestID(d.deps.PCD)),
		CommandPreparePCDUpdate:  both("prepare pcd update", d.manifestPrepare(d.deps.PCD)),
		CommandPCDUpdate:         both("pcd update", d.manifestStore(d.deps.PCD)),
		CommandCompletePCDUpdate: both("complete pcd update", d.manifestFinish(d.deps.PCD)),

		CommandPrepareFwUpdate:  both("prepare fw update", d.prepareFwUpdate),
		CommandFwUpdate:         both("fw update", d.fwUpdate),
		CommandGetUpdateStatus:  both("get update status", d.getUpdateStatus),
		CommandCompleteFwUpdate: both("complete fw update", d.completeFwUpdate),

		CommandResetConfig: both("reset config", d.resetConfig),

		CommandGetDigest: {
			name:       "get digest",
			upstream:   d.getDigest,
			downstream: d.processDigestResponse,
		},
		CommandGetCertificate: {
			name:       "get certificate",
			upstream:   d.getCertificate,
			downstream: d.processCertificateResponse,
		},
		CommandAttestationChallenge: {
			name:       "attestation challenge",
			upstream:   d.challenge,
			downstream: d.processChallengeResponse,
		},
		CommandExchangeKeys: {
			name:     "exchange keys",
			upstream: d.exchangeKeys,
		},
		CommandSessionSync: {
			name:     "session sync",
			upstream: d.sessionSync,
		},

		CommandResetCounter: both("reset counter", d.resetCounter),

		CommandUnsealMessage:       both("unseal message", d.unsealMessage),
		CommandUnsealMessageResult: both("unseal message result", d.unsealResult),

		CommandDebugStartAttestation: {
			name:     "debug start attestation",
			debug:    true,
			upstream: d.debugStartAttestation,
		},
		CommandDebugGetAttestationState: {
			name:     "debug get attestation state",
			debug:    true,
			upstream: d.debugGetAttestationState,
		},
		CommandDebugFillLog: {
			name:     "debug fill log",
			debug:    true,
			upstream: d.debugFillLog,
		},
		CommandDebugGetDeviceCert: {
			name:     "debug get device cert",
			debug:    true,
			upstream: d.debugGetDeviceCert,
		},
		CommandDebugGetDeviceCertDigest: {
			name:     "debug get device cert digest",
			debug:    true,
			upstream: d.debugGetDeviceCertDigest,
		},
		CommandDebugGetDeviceChallenge: {
			name:     "debug get device challenge",
			debug:    true,
			upstream: d.debugGetDeviceChallenge,
		},
	}
}
