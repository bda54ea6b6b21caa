// Package ble implements the session lifecycle for a single heart-rate
// peripheral: time-bounded discovery, one connection at a time, a best-effort
// device information read, and a live heart-rate notification stream.
package ble

import "context"

// AdapterState is the power/authorization state of the BLE radio.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterResetting:
		return "resetting"
	case AdapterUnsupported:
		return "unsupported"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterPoweredOff:
		return "powered-off"
	case AdapterPoweredOn:
		return "powered-on"
	default:
		return "unknown"
	}
}

// Advertisement is a single advertising report delivered during discovery.
type Advertisement struct {
	ID   string // stable peripheral identity (MAC, or CoreBluetooth UUID on macOS)
	Name string // advertised local name, empty when absent
	RSSI int
	Raw  []byte // raw advertisement payload when the platform exposes it
}

// DiscoveryOptions tunes a discovery request.
type DiscoveryOptions struct {
	// LowLatency asks the radio for the most aggressive scan duty cycle.
	LowLatency bool
}

// Subscription is a registration that can be released exactly once.
// Unsubscribe must be safe to call more than once.
type Subscription interface {
	Unsubscribe() error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices enumerates every service and characteristic on the
	// peripheral. It must complete before Read or Subscribe are used.
	DiscoverServices(ctx context.Context) error
	// Read returns the current value of a characteristic.
	Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error)
	// Subscribe enables notifications on a characteristic. The callback may be
	// invoked from any goroutine until the returned Subscription is released.
	Subscribe(ctx context.Context, serviceUUID, charUUID string, callback func(data []byte)) (Subscription, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops without a
	// local Disconnect call.
	OnDisconnect(callback func())
}

// Gateway abstracts the BLE radio for testing.
type Gateway interface {
	// State reports the current adapter state.
	State() AdapterState
	// OnStateChange registers a callback for adapter state transitions.
	OnStateChange(callback func(AdapterState)) Subscription
	// StartDiscovery begins scanning and returns without blocking. The handler
	// receives advertisements in arrival order until StopDiscovery is called.
	StartDiscovery(opts DiscoveryOptions, handler func(Advertisement)) error
	// StopDiscovery halts scanning. Calling it when idle is a no-op.
	StopDiscovery() error
	// Connect establishes a connection to the peripheral with the given identity.
	Connect(ctx context.Context, id string) (Connection, error)
}

// subscriptionFunc adapts a plain function to Subscription.
type subscriptionFunc func() error

func (f subscriptionFunc) Unsubscribe() error { return f() }
