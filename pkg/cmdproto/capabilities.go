package cmdproto

// The dispatcher's collaborators are capability records: named method sets
// whose implementations hold the actual update, attestation and storage
// logic. The dispatcher only routes, validates sizes and frames replies.
// Tests substitute mock records.

// FirmwareVersion reports version strings for the firmware areas the device
// exposes.
type FirmwareVersion interface {
	// Version returns the version string of the numbered area.
	Version(area uint8) (string, error)
}

// AttestationResponder answers attestation of this device by an upstream
// host: digests and certificates of the local chain, and challenge
// responses.
type AttestationResponder interface {
	// Digests writes the certificate chain digests for the slot into out.
	Digests(slot uint8, out []byte) (int, error)

	// Certificate returns the requested window of a stored certificate.
	Certificate(slot, certNum uint8, offset, length uint16) ([]byte, error)

	// ChallengeResponse signs the challenge nonce, writing the response
	// into out.
	ChallengeResponse(nonce []byte, out []byte) (int, error)
}

// AttestationInitiator drives attestation of downstream devices: it digests
// their replies and builds the outgoing requests.
type AttestationInitiator interface {
	// ProcessDigests consumes a digest response from the numbered device.
	ProcessDigests(num int, digests []byte) error

	// ProcessCertificate consumes a certificate response.
	ProcessCertificate(num int, cert []byte) error

	// ProcessChallengeResponse verifies a challenge response.
	ProcessChallengeResponse(num int, response []byte) error

	// ChallengeNonce returns the nonce most recently issued to the numbered
	// device.
	ChallengeNonce(num int) ([]byte, error)

	// BuildDigestRequest writes the body of a get-digest request into out.
	BuildDigestRequest(out []byte) (int, error)

	// BuildCertificateRequest writes the body of a get-certificate request.
	BuildCertificateRequest(slot, certNum uint8, out []byte) (int, error)

	// BuildChallenge writes the body of an attestation challenge.
	BuildChallenge(out []byte) (int, error)
}

// LogStore reads and clears the device's diagnostic and tamper logs.
type LogStore interface {
	// Info writes the log sizes into out.
	Info(out []byte) (int, error)

	// Read copies log content from offset into out.
	Read(logType uint8, offset uint32, out []byte) (int, error)

	// Clear erases the addressed log.
	Clear(logType uint8) error

	// AttestationData copies measurement data for one entry of a platform
	// measurement register into out.
	AttestationData(pmr, entry uint8, offset uint32, out []byte) (int, error)
}

// ManifestCommands stages an update of one manifest kind (PFM, CFM or PCD).
type ManifestCommands interface {
	// ID writes the active manifest identifier into out.
	ID(out []byte) (int, error)

	// PrepareUpdate readies staging flash for an update of the given size.
	PrepareUpdate(size uint32) error

	// StoreUpdate appends a chunk of manifest data to staging.
	StoreUpdate(data []byte) error

	// FinishUpdate validates the staged manifest and schedules activation.
	FinishUpdate(activate bool) error
}

// UpdateControl stages and launches firmware updates.
type UpdateControl interface {
	PrepareStaging(size uint32) error
	WriteStaging(data []byte) error
	Start() error

	// Status packs the updater state and remaining bytes.
	Status() uint32
}

// CertStore manages the device identity certificates.
type CertStore interface {
	// ExportCSR writes the device's certificate signing request into out.
	ExportCSR(out []byte) (int, error)

	// ImportCert stores a CA-signed certificate for the device identity.
	ImportCert(certNum uint8, cert []byte) error

	// SignedCertState reports the provisioning state machine.
	SignedCertState() uint32
}

// Background runs long operations off the dispatch path and reports their
// results.
type Background interface {
	// UnsealStart begins unsealing an attestation-bound secret.
	UnsealStart(seed, cipher []byte) error

	// UnsealResult writes the unseal outcome, returning the attestation
	// status word and the key length written to out.
	UnsealResult(out []byte) (status uint32, n int, err error)

	// FillLog pads the diagnostic log for test purposes.
	FillLog() error

	// ClearConfig reverts the device to factory configuration.
	ClearConfig() error
}

// HostControl reports the reset state of a protected host port.
type HostControl interface {
	ResetStatus(port uint8) (uint8, error)
}

// CmdDevice answers device identity and bookkeeping queries.
type CmdDevice interface {
	// Info writes the free-form device information block into out.
	Info(out []byte) (int, error)

	// ResetCounter returns the named reset counter for a port.
	ResetCounter(counterType, port uint8) (uint16, error)
}

// SessionManager establishes and operates the encrypted session with the
// upstream host.
type SessionManager interface {
	// EstablishSession consumes a key exchange message in place, leaving the
	// reply in the buffer, and returns its length.
	EstablishSession(body []byte, encrypted bool) (int, error)

	// Sync checks session liveness, writing the HMAC reply into out.
	Sync(rnReq uint32, out []byte, encrypted bool) (int, error)

	// Decrypt unwraps an encrypted request body in place.
	Decrypt(body []byte) (int, error)

	// Encrypt wraps a response body in place, returning the new length.
	Encrypt(body []byte, max int) (int, error)
}

// Authorizer approves protected operations before they run. A denial
// surfaces as an Unauthorized status in the error reply.
type Authorizer interface {
	AuthorizeRevert(token []byte) error
	AuthorizeLogClear(token []byte) error
}

// Hasher is the hashing capability the dispatcher consumes, already wrapped
// for concurrent use by pkg/engine.
type Hasher interface {
	Sha256(data []byte) ([32]byte, error)
}

// DeviceID is the static identity reported by the get-device-id command.
type DeviceID struct {
	VendorID     uint16
	DeviceID     uint16
	SubsystemVID uint16
	SubsystemID  uint16
}
