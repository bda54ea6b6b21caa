package ble

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/pulsewatch/internal/ble/gatt"
)

// mockConnection simulates a connected peripheral and records every call in
// order.
type mockConnection struct {
	mu            sync.Mutex
	id            string
	reads         map[string][]byte
	readErrs      map[string]error
	blockReads    map[string]bool // these reads wait for ctx to end
	discoverErr   error
	onDiscover    func() // runs inside DiscoverServices, before it returns
	subscribeErr  error
	disconnectErr error

	notifyCb       func([]byte)
	disconnectCb   func()
	disconnected   bool
	unsubscribed   int
	calls          []string
	onDisconnect   func() // runs inside Disconnect, before it returns
	unsubscribeErr error
}

func newMockConnection(id string) *mockConnection {
	return &mockConnection{
		id: id,
		reads: map[string][]byte{
			gatt.ManufacturerNameCharUUID: []byte("Polar Electro Oy"),
			gatt.BatteryLevelCharUUID:     {67},
		},
		readErrs:   make(map[string]error),
		blockReads: make(map[string]bool),
	}
}

func (c *mockConnection) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *mockConnection) DiscoverServices(ctx context.Context) error {
	c.mu.Lock()
	c.record("discover")
	hook := c.onDiscover
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discoverErr
}

// Read fails once ctx is done, the way the tinygo gateway does.
func (c *mockConnection) Read(ctx context.Context, _, charUUID string) ([]byte, error) {
	c.mu.Lock()
	c.record("read:" + charUUID)
	block := c.blockReads[charUUID]
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErrs[charUUID]; err != nil {
		return nil, err
	}
	data, ok := c.reads[charUUID]
	if !ok {
		return nil, fmt.Errorf("mock: characteristic %s not found", charUUID)
	}
	return data, nil
}

func (c *mockConnection) Subscribe(ctx context.Context, _, charUUID string, cb func([]byte)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("subscribe:" + charUUID)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	c.notifyCb = cb
	return subscriptionFunc(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.record("unsubscribe")
		c.unsubscribed++
		return c.unsubscribeErr
	}), nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	c.record("disconnect")
	hook := c.onDisconnect
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return c.disconnectErr
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateNotification delivers data to the last subscriber. Like a real
// transport, it still delivers after the subscription has been released.
func (c *mockConnection) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.notifyCb
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// SimulateLinkLoss triggers the disconnect callback.
func (c *mockConnection) SimulateLinkLoss() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

func (c *mockConnection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *mockConnection) Unsubscribed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

// mockGateway simulates the BLE radio.
type mockGateway struct {
	mu          sync.Mutex
	state       AdapterState
	handler     func(Advertisement)
	startCalls  int
	stopCalls   int
	startErr    error
	lastOpts    DiscoveryOptions
	conns       map[string]*mockConnection
	connectErr  error
	connectGate chan struct{} // when set, Connect blocks until closed or ctx ends
	connecting  chan struct{} // receives once per Connect call, if set

	stateListeners listeners[AdapterState]
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		state: AdapterPoweredOn,
		conns: make(map[string]*mockConnection),
	}
}

func (g *mockGateway) State() AdapterState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *mockGateway) OnStateChange(cb func(AdapterState)) Subscription {
	return g.stateListeners.add(cb)
}

// SimulateState changes the adapter state and notifies listeners.
func (g *mockGateway) SimulateState(st AdapterState) {
	g.mu.Lock()
	g.state = st
	g.mu.Unlock()
	g.stateListeners.emit(st)
}

func (g *mockGateway) StartDiscovery(opts DiscoveryOptions, handler func(Advertisement)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startCalls++
	g.lastOpts = opts
	if g.startErr != nil {
		return g.startErr
	}
	g.handler = handler
	return nil
}

func (g *mockGateway) StopDiscovery() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopCalls++
	return nil
}

// SimulateAdvertisement delivers adv to the most recent discovery handler,
// even after StopDiscovery, the way a lagging radio would.
func (g *mockGateway) SimulateAdvertisement(adv Advertisement) {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h != nil {
		h(adv)
	}
}

func (g *mockGateway) Connect(ctx context.Context, id string) (Connection, error) {
	g.mu.Lock()
	gate, notify := g.connectGate, g.connecting
	g.mu.Unlock()

	if notify != nil {
		notify <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connectErr != nil {
		return nil, g.connectErr
	}
	return g.connLocked(id), nil
}

// conn returns the connection that Connect will hand out for id.
func (g *mockGateway) conn(id string) *mockConnection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connLocked(id)
}

func (g *mockGateway) connLocked(id string) *mockConnection {
	c, ok := g.conns[id]
	if !ok {
		c = newMockConnection(id)
		g.conns[id] = c
	}
	return c
}

func (g *mockGateway) counts() (start, stop int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.startCalls, g.stopCalls
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errMock = errors.New("mock failure")

func TestMockGatewayImplementsInterface(t *testing.T) {
	var _ Gateway = (*mockGateway)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}
