// Package devmgr maintains the table of peers the RoT talks to: the EID to
// bus address mapping, each peer's role relative to us, its attestation
// state, and the size limits of its link. The table is fixed at bring-up;
// only attestation states change afterwards.
package devmgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kestrelfw/rot/pkg/mctp"
)

// Direction is a peer's role relative to this RoT.
type Direction int

const (
	// DirectionUnknown marks an entry whose role has not been established;
	// commands from such a peer are rejected.
	DirectionUnknown Direction = iota

	// DirectionUpstream is a host we serve: it attests us.
	DirectionUpstream

	// DirectionDownstream is a component we attest.
	DirectionDownstream

	// DirectionSelf is the local device's own entry.
	DirectionSelf
)

func (d Direction) String() string {
	switch d {
	case DirectionUpstream:
		return "Upstream"
	case DirectionDownstream:
		return "Downstream"
	case DirectionSelf:
		return "Self"
	default:
		return "Unknown"
	}
}

// AttestationState tracks progress attesting a downstream peer. States reset
// at every boot; only the EID mapping persists.
type AttestationState int

const (
	// StateUnidentified means the peer has not yet answered a capabilities
	// exchange.
	StateUnidentified AttestationState = iota

	// StateReadyForAttestation means the peer answered and can be
	// challenged.
	StateReadyForAttestation

	// StateAttested means the peer's certificate chain and challenge
	// response verified.
	StateAttested

	// StateFailed means attestation was attempted and failed.
	StateFailed

	// StateNotAttestable marks peers that are never challenged, such as the
	// upstream host.
	StateNotAttestable
)

func (s AttestationState) String() string {
	switch s {
	case StateUnidentified:
		return "Unidentified"
	case StateReadyForAttestation:
		return "ReadyForAttestation"
	case StateAttested:
		return "Attested"
	case StateFailed:
		return "Failed"
	case StateNotAttestable:
		return "NotAttestable"
	default:
		return fmt.Sprintf("AttestationState(%v)", int(s))
	}
}

// Errors returned by table lookups.
var (
	ErrUnknownDevice  = errors.New("devmgr: unknown device")
	ErrInvalidCertNum = errors.New("devmgr: invalid certificate number")
)

// Certificate is one element of a peer's certificate chain, DER encoded.
type Certificate struct {
	Cert []byte
}

// CertChain is a peer's stored certificate chain.
type CertChain struct {
	Certs []Certificate
}

// Device is one entry of the peer table.
type Device struct {
	// EID is the peer's endpoint identifier.
	EID mctp.EID

	// Addr is the peer's 7-bit bus address.
	Addr uint8

	// Direction is the peer's role relative to us.
	Direction Direction

	// MTU is the largest packet payload the peer accepts. Zero means the
	// platform minimum.
	MTU int

	// MaxMessage is the largest message body the peer accepts. Zero means
	// the platform maximum.
	MaxMessage int
}

// Manager is the peer registry. Lookups are index walks over a small fixed
// table; the lock guards the attestation states and the stored certificate
// chains, which change on the poller goroutine while channels read.
type Manager struct {
	mu      sync.RWMutex
	devices []Device
	states  []AttestationState
	chains  []CertChain
}

// New builds a registry from the bring-up device list. The slice is copied;
// the table cannot grow afterwards.
func New(devices []Device) *Manager {
	m := &Manager{
		devices: append([]Device(nil), devices...),
		states:  make([]AttestationState, len(devices)),
		chains:  make([]CertChain, len(devices)),
	}
	for i, d := range m.devices {
		if d.Direction != DirectionDownstream {
			m.states[i] = StateNotAttestable
		}
	}
	return m
}

// Len returns the number of table entries.
func (m *Manager) Len() int {
	return len(m.devices)
}

// DeviceNum resolves an EID to its table index.
func (m *Manager) DeviceNum(eid mctp.EID) (int, error) {
	for i, d := range m.devices {
		if d.EID == eid {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: EID %#.2x", ErrUnknownDevice, uint8(eid))
}

// Direction returns the role of the numbered device.
func (m *Manager) Direction(num int) (Direction, error) {
	if num < 0 || num >= len(m.devices) {
		return DirectionUnknown, fmt.Errorf("%w: device %v", ErrUnknownDevice, num)
	}
	return m.devices[num].Direction, nil
}

// DeviceAddr returns the bus address of the numbered device.
func (m *Manager) DeviceAddr(num int) (uint8, error) {
	if num < 0 || num >= len(m.devices) {
		return 0, fmt.Errorf("%w: device %v", ErrUnknownDevice, num)
	}
	return m.devices[num].Addr, nil
}

// DeviceEID returns the EID of the numbered device.
func (m *Manager) DeviceEID(num int) (mctp.EID, error) {
	if num < 0 || num >= len(m.devices) {
		return 0, fmt.Errorf("%w: device %v", ErrUnknownDevice, num)
	}
	return m.devices[num].EID, nil
}

// MaxTransmissionUnit returns the packet payload limit for the peer. Unknown
// peers get the platform minimum, which every endpoint must accept.
func (m *Manager) MaxTransmissionUnit(eid mctp.EID) int {
	if num, err := m.DeviceNum(eid); err == nil {
		if mtu := m.devices[num].MTU; mtu > 0 && mtu < mctp.MinTransmissionUnit {
			return mtu
		}
	}
	return mctp.MinTransmissionUnit
}

// MaxMessageLen returns the message body limit for the peer. Unknown peers
// get the platform maximum.
func (m *Manager) MaxMessageLen(eid mctp.EID) int {
	if num, err := m.DeviceNum(eid); err == nil {
		if max := m.devices[num].MaxMessage; max > 0 && max < mctp.MaxMessageBody {
			return max
		}
	}
	return mctp.MaxMessageBody
}

// State returns the attestation state of the numbered device.
func (m *Manager) State(num int) (AttestationState, error) {
	if num < 0 || num >= len(m.devices) {
		return StateUnidentified, fmt.Errorf("%w: device %v", ErrUnknownDevice, num)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[num], nil
}

// SetState records an attestation-state transition for the numbered device.
func (m *Manager) SetState(num int, state AttestationState) error {
	if num < 0 || num >= len(m.devices) {
		return fmt.Errorf("%w: device %v", ErrUnknownDevice, num)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[num] = state
	return nil
}

// SetCertChain stores the certificate chain received from the numbered
// device during attestation.
func (m *Manager) SetCertChain(num int, chain CertChain) error {
	if num < 0 || num >= len(m.devices) {
		return fmt.Errorf("%w: device %v", ErrUnknownDevice, num)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[num] = chain
	return nil
}

// CertChain returns the stored chain of the numbered device.
func (m *Manager) CertChain(num int) (CertChain, error) {
	if num < 0 || num >= len(m.devices) {
		return CertChain{}, fmt.Errorf("%w: device %v", ErrUnknownDevice, num)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chains[num], nil
}

// Certificate returns one certificate of the numbered device's chain.
func (m *Manager) Certificate(num, certNum int) (Certificate, error) {
	chain, err := m.CertChain(num)
	if err != nil {
		return Certificate{}, err
	}
	if certNum < 0 || certNum >= len(chain.Certs) {
		return Certificate{}, fmt.Errorf("%w: %v of %v", ErrInvalidCertNum, certNum,
			len(chain.Certs))
	}
	return chain.Certs[certNum], nil
}

// Downstream returns the table indices of every downstream peer, in table
// order. The attestation poller walks this list.
func (m *Manager) Downstream() []int {
	var nums []int
	for i, d := range m.devices {
		if d.Direction == DirectionDownstream {
			nums = append(nums, i)
		}
	}
	return nums
}
