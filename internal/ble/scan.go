package ble

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultScanWindow is how long a discovery run lasts before it stops itself.
const DefaultScanWindow = 5 * time.Second

// Peripheral is a named peripheral seen during discovery. It is never
// modified after it is recorded.
type Peripheral struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	RSSI int    `json:"rssi"`
	Raw  []byte `json:"-"`
}

// ScanEventType identifies a Scanner event.
type ScanEventType int

const (
	ScanStarted ScanEventType = iota
	PeripheralFound
	ScanStopped
	ListReset
)

func (t ScanEventType) String() string {
	switch t {
	case ScanStarted:
		return "scan-started"
	case PeripheralFound:
		return "peripheral-found"
	case ScanStopped:
		return "scan-stopped"
	case ListReset:
		return "list-reset"
	default:
		return fmt.Sprintf("ScanEventType(%d)", int(t))
	}
}

// ScanEvent is delivered to Scanner watchers. Peripheral is set only for
// PeripheralFound.
type ScanEvent struct {
	Type       ScanEventType
	Peripheral Peripheral
}

// ScannerOptions configures a Scanner.
type ScannerOptions struct {
	Window time.Duration // discovery window per Start (default 5s)
}

// DefaultScannerOptions returns the production defaults.
func DefaultScannerOptions() ScannerOptions {
	return ScannerOptions{Window: DefaultScanWindow}
}

// scanRun is the token for one discovery run. Advertisements and the window
// timer are accepted only while their run is the active one.
type scanRun struct {
	timer *time.Timer
}

// Scanner runs time-bounded discovery and keeps the ordered, de-duplicated
// list of named peripherals found by the most recent run.
type Scanner struct {
	gw     Gateway
	window time.Duration

	// radioMu serializes StartDiscovery/StopDiscovery calls. It is never held
	// by the advertisement path.
	radioMu sync.Mutex

	mu    sync.Mutex
	run   *scanRun
	found []Peripheral
	seen  map[string]struct{}

	events listeners[ScanEvent]
}

// NewScanner creates a Scanner on top of gw.
func NewScanner(gw Gateway, opts ScannerOptions) *Scanner {
	if opts.Window <= 0 {
		opts.Window = DefaultScanWindow
	}
	return &Scanner{
		gw:     gw,
		window: opts.Window,
		seen:   make(map[string]struct{}),
	}
}

// Start clears the discovery list and begins a discovery run that stops
// automatically after the configured window. Calling Start while a run is
// active does nothing.
func (s *Scanner) Start() error {
	if st := s.gw.State(); st != AdapterPoweredOn {
		return &AdapterNotReadyError{State: st}
	}

	s.radioMu.Lock()
	defer s.radioMu.Unlock()

	s.mu.Lock()
	if s.run != nil {
		s.mu.Unlock()
		return nil
	}
	run := &scanRun{}
	s.run = run
	s.found = nil
	s.seen = make(map[string]struct{})
	run.timer = time.AfterFunc(s.window, func() { s.stop(run, "window elapsed") })
	s.mu.Unlock()

	err := s.gw.StartDiscovery(DiscoveryOptions{LowLatency: true}, func(adv Advertisement) {
		s.handleAdvertisement(run, adv)
	})
	if err != nil {
		s.mu.Lock()
		if s.run == run {
			run.timer.Stop()
			s.run = nil
		}
		s.mu.Unlock()
		return fmt.Errorf("ble: start discovery: %w", err)
	}

	slog.Info("[BLE] scan started", "window", s.window)
	s.events.emit(ScanEvent{Type: ScanStarted})
	return nil
}

// Stop ends the active discovery run, if any. Safe to call at any time.
func (s *Scanner) Stop() {
	s.stop(nil, "stopped")
}

// stop ends run, or whichever run is active when run is nil. Window expiry
// and Stop both come through here.
func (s *Scanner) stop(run *scanRun, reason string) {
	s.radioMu.Lock()
	defer s.radioMu.Unlock()

	s.mu.Lock()
	if s.run == nil || (run != nil && s.run != run) {
		s.mu.Unlock()
		return
	}
	s.run.timer.Stop()
	s.run = nil
	found := len(s.found)
	s.mu.Unlock()

	if err := s.gw.StopDiscovery(); err != nil {
		slog.Warn("[BLE] stop discovery failed", "error", err)
	}
	slog.Info("[BLE] scan stopped", "reason", reason, "found", found)
	s.events.emit(ScanEvent{Type: ScanStopped})
}

func (s *Scanner) handleAdvertisement(run *scanRun, adv Advertisement) {
	if adv.Name == "" {
		return
	}

	s.mu.Lock()
	if s.run != run {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[adv.ID]; dup {
		s.mu.Unlock()
		return
	}
	p := Peripheral{
		ID:   adv.ID,
		Name: adv.Name,
		RSSI: adv.RSSI,
		Raw:  bytes.Clone(adv.Raw),
	}
	s.seen[adv.ID] = struct{}{}
	s.found = append(s.found, p)
	s.mu.Unlock()

	slog.Debug("[BLE] peripheral found", "id", p.ID, "name", p.Name, "rssi", p.RSSI)
	s.events.emit(ScanEvent{Type: PeripheralFound, Peripheral: p})
}

// Reset empties the discovery list. An active run keeps going and may
// repopulate it.
func (s *Scanner) Reset() {
	s.mu.Lock()
	s.found = nil
	s.seen = make(map[string]struct{})
	s.mu.Unlock()
	s.events.emit(ScanEvent{Type: ListReset})
}

// Scanning reports whether a discovery run is active.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Peripherals returns the discovery list in first-seen order.
func (s *Scanner) Peripherals() []Peripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peripheral, len(s.found))
	copy(out, s.found)
	return out
}

// Lookup returns the listed peripheral with the given ID.
func (s *Scanner) Lookup(id string) (Peripheral, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.found {
		if p.ID == id {
			return p, true
		}
	}
	return Peripheral{}, false
}

// Watch registers fn for scan events until the Subscription is released.
func (s *Scanner) Watch(fn func(ScanEvent)) Subscription {
	return s.events.add(fn)
}
