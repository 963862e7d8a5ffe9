// Package rot implements the message-transport and command-dispatch core of
// a platform root of trust. pkg/mctp provides the transport layers and
// pkg/cmdproto the command protocol; this package makes them work together:
// it couples a bus connection to a per-channel reassembler, exports the
// instrumentation, and runs the downstream attestation poller.
package rot

import (
	"fmt"

	"github.com/kestrelfw/rot/pkg/mctp"
)

// Firmware identification reported on the wire.
const (
	// FirmwareName is the name that prefixes the version string reported
	// for area 0.
	FirmwareName = "rot-fw"

	// FirmwareVersion is the running core version.
	FirmwareVersion = "1.2.0"
)

// StaticFwVersion is a fixed version table, used by daemons that compile
// their version strings in. Area 0 is the firmware itself; further areas are
// optional.
type StaticFwVersion []string

// Version implements cmdproto.FirmwareVersion.
func (v StaticFwVersion) Version(area uint8) (string, error) {
	if int(area) >= len(v) {
		return "", fmt.Errorf("rot: no version string for area %v", area)
	}
	return v[area], nil
}

// ValidateAck is a helper to remove some boilerplate error handling from
// request issuing paths. It ensures err is nil and, when the reply is a
// protocol error message, that the code is NoError. Any other code is
// returned as an error carrying the code and its data.
func ValidateAck(code mctp.ErrorCode, data uint32, err error) error {
	if err != nil {
		return err
	}
	if code != mctp.ErrorCodeNone {
		return fmt.Errorf("rot: received protocol error %v (data %#.8x)", code, data)
	}
	return nil
}
