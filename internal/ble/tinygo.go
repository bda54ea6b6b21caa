package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// maxAttributeLen is the largest value a GATT attribute can hold.
const maxAttributeLen = 512

var errDiscoveryRunning = errors.New("ble: discovery already running")

// TinyGoGateway implements Gateway with tinygo-org/bluetooth. Peripheral IDs
// are the address strings reported in scan results: MAC addresses on Linux and
// Windows, CoreBluetooth UUIDs on macOS.
type TinyGoGateway struct {
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	state       AdapterState
	power       io.Closer
	addrs       map[string]bluetooth.Address // learned from scan results
	connections map[string]*tinyGoConnection
	scanDone    chan struct{}

	stateListeners listeners[AdapterState]
}

// NewTinyGoGateway creates a gateway on the default system adapter.
func NewTinyGoGateway() *TinyGoGateway {
	return &TinyGoGateway{
		adapter:     bluetooth.DefaultAdapter,
		addrs:       make(map[string]bluetooth.Address),
		connections: make(map[string]*tinyGoConnection),
	}
}

// Enable powers up the BLE stack and starts tracking adapter state.
func (g *TinyGoGateway) Enable() error {
	if err := g.adapter.Enable(); err != nil {
		g.setState(AdapterUnsupported)
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo/bluetooth reports peripheral-initiated disconnects through the
	// adapter-wide connect handler (connected=false).
	g.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		g.mu.Lock()
		conn, ok := g.connections[id]
		if ok {
			delete(g.connections, id)
		}
		g.mu.Unlock()
		if ok {
			conn.linkLost()
		}
	})

	power, err := watchPower(g.setState)
	if err != nil {
		// No power monitor: a successful Enable is the best signal we have.
		if !errors.Is(err, errors.ErrUnsupported) {
			slog.Warn("[BLE] adapter power monitor unavailable", "error", err)
		}
		g.setState(AdapterPoweredOn)
		return nil
	}
	g.mu.Lock()
	g.power = power
	g.mu.Unlock()
	return nil
}

// Close stops adapter state tracking.
func (g *TinyGoGateway) Close() error {
	g.mu.Lock()
	power := g.power
	g.power = nil
	g.mu.Unlock()
	if power == nil {
		return nil
	}
	return power.Close()
}

func (g *TinyGoGateway) setState(st AdapterState) {
	g.mu.Lock()
	changed := g.state != st
	g.state = st
	g.mu.Unlock()
	if changed {
		g.stateListeners.emit(st)
	}
}

func (g *TinyGoGateway) State() AdapterState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *TinyGoGateway) OnStateChange(cb func(AdapterState)) Subscription {
	return g.stateListeners.add(cb)
}

// StartDiscovery runs the blocking tinygo scan on its own goroutine. The scan
// duty cycle is chosen by the OS stack, so opts.LowLatency is advisory here.
func (g *TinyGoGateway) StartDiscovery(_ DiscoveryOptions, handler func(Advertisement)) error {
	g.mu.Lock()
	if g.scanDone != nil {
		g.mu.Unlock()
		return errDiscoveryRunning
	}
	done := make(chan struct{})
	g.scanDone = done
	g.mu.Unlock()

	go func() {
		defer close(done)
		err := g.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			id := result.Address.String()
			g.mu.Lock()
			g.addrs[id] = result.Address
			g.mu.Unlock()
			handler(Advertisement{
				ID:   id,
				Name: result.LocalName(),
				RSSI: int(result.RSSI),
				Raw:  result.Bytes(),
			})
		})
		if err != nil {
			slog.Warn("[BLE] scan ended with error", "error", err)
		}
		g.mu.Lock()
		if g.scanDone == done {
			g.scanDone = nil
		}
		g.mu.Unlock()
	}()
	return nil
}

func (g *TinyGoGateway) StopDiscovery() error {
	g.mu.Lock()
	done := g.scanDone
	g.mu.Unlock()
	if done == nil {
		return nil
	}

	if err := g.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("[BLE] scan goroutine slow to exit")
	}
	return nil
}

func (g *TinyGoGateway) Connect(ctx context.Context, id string) (Connection, error) {
	g.mu.Lock()
	addr, ok := g.addrs[id]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ErrUnknownPeripheral)
	}

	// tinygo/bluetooth's Connect blocks with its own timeout and cannot be
	// cancelled, so a late success after ctx is done is disconnected here.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := g.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, r.err)
		}
		conn := &tinyGoConnection{
			id:     id,
			device: r.device,
			chars:  make(map[charKey]bluetooth.DeviceCharacteristic),
			gw:     g,
		}
		g.mu.Lock()
		g.connections[id] = conn
		g.mu.Unlock()
		return conn, nil
	}
}

func (g *TinyGoGateway) forget(id string, conn *tinyGoConnection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connections[id] == conn {
		delete(g.connections, id)
	}
}

// Compile-time check that TinyGoGateway implements Gateway.
var _ Gateway = (*TinyGoGateway)(nil)

type charKey struct {
	service string
	char    string
}

func newCharKey(serviceUUID, charUUID string) charKey {
	return charKey{strings.ToLower(serviceUUID), strings.ToLower(charUUID)}
}

type tinyGoConnection struct {
	id     string
	device bluetooth.Device
	gw     *TinyGoGateway

	mu           sync.Mutex
	chars        map[charKey]bluetooth.DeviceCharacteristic
	disconnectCb func()
	closed       bool
}

func (c *tinyGoConnection) DiscoverServices(ctx context.Context) error {
	_, err := callWithContext(ctx, func() (struct{}, error) {
		svcs, err := c.device.DiscoverServices(nil)
		if err != nil {
			return struct{}{}, fmt.Errorf("ble: discover services: %w", err)
		}
		found := make(map[charKey]bluetooth.DeviceCharacteristic)
		for i := range svcs {
			chars, err := svcs[i].DiscoverCharacteristics(nil)
			if err != nil {
				return struct{}{}, fmt.Errorf("ble: discover characteristics of %s: %w", svcs[i].UUID().String(), err)
			}
			for j := range chars {
				found[newCharKey(svcs[i].UUID().String(), chars[j].UUID().String())] = chars[j]
			}
		}
		c.mu.Lock()
		c.chars = found
		c.mu.Unlock()
		slog.Debug("[BLE] discovered services", "peripheral", c.id, "services", len(svcs), "characteristics", len(found))
		return struct{}{}, nil
	})
	return err
}

func (c *tinyGoConnection) characteristic(serviceUUID, charUUID string) (bluetooth.DeviceCharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	char, ok := c.chars[newCharKey(serviceUUID, charUUID)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s/%s not found", serviceUUID, charUUID)
	}
	return char, nil
}

func (c *tinyGoConnection) Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
	char, err := c.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	return callWithContext(ctx, func() ([]byte, error) {
		buf := make([]byte, maxAttributeLen)
		n, err := char.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("ble: read %s: %w", charUUID, err)
		}
		return buf[:n], nil
	})
}

func (c *tinyGoConnection) Subscribe(ctx context.Context, serviceUUID, charUUID string, cb func([]byte)) (Subscription, error) {
	char, err := c.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		active = true
	)
	_, err = callWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, char.EnableNotifications(func(buf []byte) {
			mu.Lock()
			ok := active
			mu.Unlock()
			if ok {
				cb(buf)
			}
		})
	})
	if err != nil {
		// The enable may still land after a timeout; keep its callback silent.
		mu.Lock()
		active = false
		mu.Unlock()
		return nil, fmt.Errorf("ble: enable notifications on %s: %w", charUUID, err)
	}

	var once sync.Once
	return subscriptionFunc(func() error {
		var err error
		once.Do(func() {
			mu.Lock()
			active = false
			mu.Unlock()

			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			if e := char.EnableNotifications(nil); e != nil {
				err = fmt.Errorf("ble: disable notifications on %s: %w", charUUID, e)
			}
		})
		return err
	}), nil
}

func (c *tinyGoConnection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.gw.forget(c.id, c)
	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", c.id, err)
	}
	return nil
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) linkLost() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		// Off the tinygo event goroutine; teardown issues more BLE calls.
		go cb()
	}
}

// callWithContext runs a blocking radio call, returning early if ctx ends.
// The call itself keeps running to completion in the background.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
