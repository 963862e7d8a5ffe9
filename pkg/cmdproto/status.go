package cmdproto

import "fmt"

// Status is a numeric handler status. Statuses cross the wire in the error
// data of a protocol error reply so the requester can diagnose; they are
// never surfaced as Go errors to peers.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusInvalidArgument
	StatusUnknownCommand
	StatusUnsupportedMsg
	StatusUnsupportedOperation
	StatusInvalidDeviceMode
	StatusBadLength
	StatusOutOfRange
	StatusUnauthorized
	StatusProcessFailed
	StatusNoSession
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusInvalidArgument:
		return "InvalidArgument"
	case StatusUnknownCommand:
		return "UnknownCommand"
	case StatusUnsupportedMsg:
		return "UnsupportedMsg"
	case StatusUnsupportedOperation:
		return "UnsupportedOperation"
	case StatusInvalidDeviceMode:
		return "InvalidDeviceMode"
	case StatusBadLength:
		return "BadLength"
	case StatusOutOfRange:
		return "OutOfRange"
	case StatusUnauthorized:
		return "Unauthorized"
	case StatusProcessFailed:
		return "ProcessFailed"
	case StatusNoSession:
		return "NoSession"
	default:
		return fmt.Sprintf("Status(%v)", uint32(s))
	}
}

// StatusError carries a handler status as a Go error inside the dispatcher.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cmdproto: %v", e.Status)
}

// StatusCode implements the transport's status extraction for error data.
func (e *StatusError) StatusCode() uint32 {
	return uint32(e.Status)
}

// errStatus is shorthand for handlers.
func errStatus(s Status) error {
	return &StatusError{Status: s}
}

// escapeError is the debug-escape signal: the start-attestation handler
// returns it instead of composing a reply, and the dispatcher converts it to
// a StartAttestationTest outcome.
type escapeError struct {
	device uint8
}

func (e *escapeError) Error() string {
	return fmt.Sprintf("cmdproto: start attestation test of device %v", e.device)
}
