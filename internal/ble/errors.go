package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrAdapterNotReady matches any *AdapterNotReadyError via errors.Is.
	ErrAdapterNotReady = errors.New("ble: adapter not ready")
	// ErrAlreadyConnecting is returned by Connect while another attempt is in flight.
	ErrAlreadyConnecting = errors.New("ble: connection attempt already in progress")
	// ErrAlreadyConnected is returned by Connect while a session is established
	// or being torn down.
	ErrAlreadyConnected = errors.New("ble: already connected")
	// ErrUnknownPeripheral is returned when connecting to an ID that is not in
	// the discovery list.
	ErrUnknownPeripheral = errors.New("ble: unknown peripheral")
	// ErrConnectCancelled is the cause of a ConnectionFailedError when the
	// attempt was aborted by Disconnect or ResetList.
	ErrConnectCancelled = errors.New("ble: connection attempt cancelled")
	// ErrLinkLost is the cause of a ConnectionFailedError when the peripheral
	// dropped the link before setup finished.
	ErrLinkLost = errors.New("ble: link lost")
)

// AdapterNotReadyError reports that the radio is not powered on.
type AdapterNotReadyError struct {
	State AdapterState
}

func (e *AdapterNotReadyError) Error() string {
	return fmt.Sprintf("ble: adapter not ready (%s)", e.State)
}

func (e *AdapterNotReadyError) Is(target error) bool {
	return target == ErrAdapterNotReady
}

// Remedy returns a short user-facing hint for the adapter state.
func (e *AdapterNotReadyError) Remedy() string {
	switch e.State {
	case AdapterPoweredOff:
		return "turn Bluetooth on"
	case AdapterUnauthorized:
		return "grant Bluetooth permission to this application"
	case AdapterUnsupported:
		return "this machine has no usable Bluetooth LE adapter"
	case AdapterResetting:
		return "the adapter is resetting, try again shortly"
	default:
		return "check that a Bluetooth adapter is present and enabled"
	}
}

// Connection stages reported in ConnectionFailedError.
const (
	StageConnect   = "connect"
	StageDiscover  = "discover"
	StageSubscribe = "subscribe"
)

// ConnectionFailedError wraps the transport cause of a failed Connect.
type ConnectionFailedError struct {
	PeripheralID string
	Stage        string
	Err          error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("ble: connection to %s failed during %s: %v", e.PeripheralID, e.Stage, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

// ReadFailedError reports a failed characteristic read. It never escapes the
// package; the reader substitutes NotAvailable instead.
type ReadFailedError struct {
	CharUUID string
	Err      error
}

func (e *ReadFailedError) Error() string {
	return fmt.Sprintf("ble: read %s: %v", e.CharUUID, e.Err)
}

func (e *ReadFailedError) Unwrap() error { return e.Err }

// NotificationDecodeError reports a notification payload that could not be
// decoded. The sample is skipped and the stream stays open.
type NotificationDecodeError struct {
	Payload []byte
	Err     error
}

func (e *NotificationDecodeError) Error() string {
	return fmt.Sprintf("ble: decode notification %x: %v", e.Payload, e.Err)
}

func (e *NotificationDecodeError) Unwrap() error { return e.Err }
