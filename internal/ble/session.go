package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/pulsewatch/internal/ble/gatt"
)

// ConnectionState is the lifecycle state of a Session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MarshalText implements encoding.TextMarshaler.
func (s AdapterState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Session is the single connection the Controller owns. All fields after
// Peripheral are guarded by Controller.mu.
type Session struct {
	ID         string
	Peripheral Peripheral

	state     ConnectionState
	conn      Connection
	info      *DeviceInfo
	heartRate int
	stream    *Stream
	cancel    context.CancelFunc
	reason    error // why the session was ended by someone other than Connect
}

// SessionStatus is a point-in-time copy of a Session.
type SessionStatus struct {
	ID         string          `json:"id"`
	Peripheral Peripheral      `json:"peripheral"`
	State      ConnectionState `json:"state"`
	DeviceInfo *DeviceInfo     `json:"device_info,omitempty"`
	HeartRate  int             `json:"heart_rate,omitempty"` // bpm, 0 until the first sample
}

// Status is the observable state exposed to presentation layers.
type Status struct {
	Adapter     AdapterState   `json:"adapter"`
	Scanning    bool           `json:"scanning"`
	Peripherals []Peripheral   `json:"peripherals"`
	Session     *SessionStatus `json:"session,omitempty"`
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	ScanWindow     time.Duration
	ConnectTimeout time.Duration // bound on connect plus discovery, and separately on subscribe
	ReadTimeout    time.Duration // bound on each device information read
	ServiceUUID    string        // streaming service
	CharUUID       string        // streaming characteristic
}

// DefaultControllerOptions returns the heart-rate defaults.
func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		ScanWindow:     DefaultScanWindow,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    DefaultReadTimeout,
		ServiceUUID:    gatt.HeartRateServiceUUID,
		CharUUID:       gatt.HeartRateMeasurementCharUUID,
	}
}

// Controller drives discovery and the single peripheral session.
type Controller struct {
	gw      Gateway
	scanner *Scanner
	opts    ControllerOptions

	mu       sync.Mutex
	session  *Session
	inFlight bool // a Connect call has not returned yet

	// publishMu keeps snapshot and delivery together so watchers see
	// snapshots in the order they were taken.
	publishMu sync.Mutex

	watchers listeners[Status]
	subs     []Subscription
}

// NewController creates a Controller on top of gw.
func NewController(gw Gateway, opts ControllerOptions) *Controller {
	def := DefaultControllerOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharUUID == "" {
		opts.CharUUID = def.CharUUID
	}

	c := &Controller{
		gw:      gw,
		scanner: NewScanner(gw, ScannerOptions{Window: opts.ScanWindow}),
		opts:    opts,
	}
	c.subs = append(c.subs,
		c.scanner.Watch(func(ScanEvent) { c.publish() }),
		gw.OnStateChange(c.handleAdapterState),
	)
	return c
}

// Scanner returns the discovery coordinator.
func (c *Controller) Scanner() *Scanner { return c.scanner }

// StartScan begins a discovery run.
func (c *Controller) StartScan() error { return c.scanner.Start() }

// StopScan ends the active discovery run, if any.
func (c *Controller) StopScan() { c.scanner.Stop() }

// ResetList clears the discovery list and ends the session, leaving the
// adapter and any active discovery run alone.
func (c *Controller) ResetList() {
	c.end(nil, ErrConnectCancelled, true)
	c.scanner.Reset()
}

// ConnectID connects to a peripheral from the discovery list.
func (c *Controller) ConnectID(ctx context.Context, id string) error {
	p, ok := c.scanner.Lookup(id)
	if !ok {
		return ErrUnknownPeripheral
	}
	return c.Connect(ctx, p)
}

// Connect establishes the session: stop discovery, connect, discover services,
// read device information, then subscribe to the heart-rate stream. Any
// failure rolls the session back and leaves no transport connection behind.
func (c *Controller) Connect(ctx context.Context, p Peripheral) error {
	if st := c.gw.State(); st != AdapterPoweredOn {
		return &AdapterNotReadyError{State: st}
	}

	c.mu.Lock()
	if c.inFlight || (c.session != nil && c.session.state == Connecting) {
		c.mu.Unlock()
		return ErrAlreadyConnecting
	}
	if c.session != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess := &Session{
		ID:         uuid.NewString(),
		Peripheral: p,
		state:      Connecting,
		cancel:     cancel,
	}
	c.session = sess
	c.inFlight = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	c.publish()
	c.scanner.Stop()

	log := slog.With("session", sess.ID, "peripheral", p.ID)
	log.Info("[BLE] connecting", "name", p.Name)

	connectCtx, cancelConnect := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancelConnect()

	conn, err := c.gw.Connect(connectCtx, p.ID)
	if err != nil {
		return c.abort(sess, nil, StageConnect, err)
	}
	conn.OnDisconnect(func() { c.end(sess, ErrLinkLost, false) })
	if err := conn.DiscoverServices(connectCtx); err != nil {
		return c.abort(sess, conn, StageDiscover, err)
	}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return c.abort(sess, conn, StageDiscover, ErrConnectCancelled)
	}
	sess.conn = conn
	sess.state = Connected
	c.mu.Unlock()
	log.Info("[BLE] connected")
	c.publish()

	info := ReadDeviceInfo(ctx, conn, c.opts.ReadTimeout)
	if !c.update(sess, func() { sess.info = &info }) {
		return c.abort(sess, conn, StageSubscribe, ErrConnectCancelled)
	}
	log.Info("[BLE] device info", "manufacturer", info.Manufacturer, "battery", info.BatteryString())
	c.publish()

	subscribeCtx, cancelSubscribe := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancelSubscribe()
	stream, err := Subscribe(subscribeCtx, conn, c.opts.ServiceUUID, c.opts.CharUUID, func(bpm int) {
		c.recordHeartRate(sess, bpm)
	})
	if err != nil {
		return c.abort(sess, conn, StageSubscribe, err)
	}
	if !c.update(sess, func() { sess.stream = stream }) {
		stream.Close()
		return c.abort(sess, conn, StageSubscribe, ErrConnectCancelled)
	}
	log.Info("[BLE] streaming", "char", c.opts.CharUUID)
	return nil
}

// update runs fn under the lock if sess is still the connected session.
func (c *Controller) update(sess *Session, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess || sess.state != Connected {
		return false
	}
	fn()
	return true
}

// abort rolls back a failed Connect. If another path already ended the
// session, that path owns the transport unless it never saw it.
func (c *Controller) abort(sess *Session, conn Connection, stage string, cause error) error {
	c.mu.Lock()
	owned := c.session == sess && sess.state != Disconnecting
	if owned {
		c.session = nil
		sess.state = Disconnected
	}
	handedOff := sess.conn != nil
	if !owned && sess.reason != nil {
		cause = sess.reason
	}
	c.mu.Unlock()

	if conn != nil && (owned || !handedOff) {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect after failed connect", "session", sess.ID, "error", err)
		}
	}
	if owned && errors.Is(cause, context.DeadlineExceeded) {
		slog.Warn("[BLE] connect timed out", "session", sess.ID, "stage", stage, "timeout", c.opts.ConnectTimeout)
	}

	err := &ConnectionFailedError{PeripheralID: sess.Peripheral.ID, Stage: stage, Err: cause}
	slog.Error("[BLE] connection failed", "session", sess.ID, "error", err)
	c.publish()
	return err
}

// Disconnect ends the session. It is a no-op when there is none, cancels an
// attempt that is still connecting, and otherwise releases the stream before
// disconnecting the transport. Errors are logged, never returned.
func (c *Controller) Disconnect() {
	c.end(nil, ErrConnectCancelled, true)
}

// end tears down sess, or the current session when sess is nil.
func (c *Controller) end(sess *Session, reason error, disconnect bool) {
	c.mu.Lock()
	if sess == nil {
		sess = c.session
	}
	if sess == nil || c.session != sess || sess.state == Disconnecting {
		c.mu.Unlock()
		return
	}
	sess.reason = reason

	if sess.state == Connecting {
		c.session = nil
		sess.state = Disconnected
		c.mu.Unlock()
		sess.cancel()
		slog.Info("[BLE] connection attempt cancelled", "session", sess.ID, "reason", reason)
		c.publish()
		return
	}

	sess.state = Disconnecting
	stream, conn := sess.stream, sess.conn
	sess.stream = nil
	c.mu.Unlock()
	c.publish()

	if stream != nil {
		stream.Close()
	}
	if disconnect && conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "session", sess.ID, "error", err)
		}
	}

	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	sess.state = Disconnected
	c.mu.Unlock()

	if errors.Is(reason, ErrLinkLost) {
		slog.Warn("[BLE] link lost", "session", sess.ID, "peripheral", sess.Peripheral.ID)
	} else {
		slog.Info("[BLE] disconnected", "session", sess.ID, "peripheral", sess.Peripheral.ID)
	}
	c.publish()
}

func (c *Controller) recordHeartRate(sess *Session, bpm int) {
	if !c.update(sess, func() { sess.heartRate = bpm }) {
		return
	}
	c.publish()
}

func (c *Controller) handleAdapterState(st AdapterState) {
	slog.Info("[BLE] adapter state changed", "state", st)
	if st != AdapterPoweredOn {
		c.scanner.Stop()
		c.end(nil, &AdapterNotReadyError{State: st}, true)
	}
	c.publish()
}

// Status returns a snapshot of the observable state.
func (c *Controller) Status() Status {
	st := Status{
		Adapter:     c.gw.State(),
		Scanning:    c.scanner.Scanning(),
		Peripherals: c.scanner.Peripherals(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sess := c.session; sess != nil {
		ss := &SessionStatus{
			ID:         sess.ID,
			Peripheral: sess.Peripheral,
			State:      sess.state,
			HeartRate:  sess.heartRate,
		}
		if sess.info != nil {
			info := *sess.info
			ss.DeviceInfo = &info
		}
		st.Session = ss
	}
	return st
}

// Watch registers fn to receive a Status after every observable change, until
// the Subscription is released. fn runs on the goroutine that made the change,
// one snapshot at a time, and must not call Controller methods other than
// Status.
func (c *Controller) Watch(fn func(Status)) Subscription {
	return c.watchers.add(fn)
}

func (c *Controller) publish() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	c.watchers.emit(c.Status())
}

// Close ends the session, stops discovery and detaches from the gateway.
func (c *Controller) Close() {
	c.Disconnect()
	c.scanner.Stop()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}
