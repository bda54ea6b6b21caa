package ble

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func peripheralIDs(ps []Peripheral) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}

func newTestScanner(gw Gateway) *Scanner {
	return NewScanner(gw, ScannerOptions{Window: time.Minute})
}

func TestScannerDedupesInFirstSeenOrder(t *testing.T) {
	gw := newMockGateway()
	s := newTestScanner(gw)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, adv := range []Advertisement{
		{ID: "AA", Name: "Polar H10"},
		{ID: "BB", Name: "Wahoo TICKR"},
		{ID: "AA", Name: "Polar H10", RSSI: -40},
		{ID: "CC", Name: "Garmin HRM"},
		{ID: "BB", Name: "Wahoo TICKR renamed"},
		{ID: "AA", Name: "Polar H10"},
	} {
		gw.SimulateAdvertisement(adv)
	}

	got := peripheralIDs(s.Peripherals())
	want := []string{"AA", "BB", "CC"}
	if !slices.Equal(got, want) {
		t.Errorf("Peripherals() = %v, want %v", got, want)
	}
	if name := s.Peripherals()[1].Name; name != "Wahoo TICKR" {
		t.Errorf("second peripheral name = %q, want first-seen %q", name, "Wahoo TICKR")
	}
}

func TestScannerDropsUnnamed(t *testing.T) {
	gw := newMockGateway()
	s := newTestScanner(gw)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	gw.SimulateAdvertisement(Advertisement{ID: "AA"})
	gw.SimulateAdvertisement(Advertisement{ID: "BB", Name: "Polar H10"})
	gw.SimulateAdvertisement(Advertisement{ID: "CC", Name: ""})

	got := peripheralIDs(s.Peripherals())
	if !slices.Equal(got, []string{"BB"}) {
		t.Errorf("Peripherals() = %v, want [BB]", got)
	}

	// A named advertisement from a previously unnamed peripheral is accepted.
	gw.SimulateAdvertisement(Advertisement{ID: "AA", Name: "Late Name"})
	got = peripheralIDs(s.Peripherals())
	if !slices.Equal(got, []string{"BB", "AA"}) {
		t.Errorf("Peripherals() = %v, want [BB AA]", got)
	}
}

func TestScannerRequestsLowLatency(t *testing.T) {
	gw := newMockGateway()
	s := newTestScanner(gw)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !gw.lastOpts.LowLatency {
		t.Error("StartDiscovery should be asked for low-latency mode")
	}
}

func TestScannerStartWhileScanningIsNoop(t *testing.T) {
	gw := newMockGateway()
	s := newTestScanner(gw)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	gw.SimulateAdvertisement(Advertisement{ID: "AA", Name: "Polar H10"})

	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	if err := s.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	if start, _ := gw.counts(); start != 1 {
		t.Errorf("StartDiscovery calls = %d, want 1", start)
	}
	if got := peripheralIDs(s.Peripherals()); !slices.Equal(got, []string{"AA"}) {
		t.Errorf("Peripherals() = %v, want [AA] (list must not be cleared)", got)
	}
	s.mu.Lock()
	same := s.run == run
	s.mu.Unlock()
	if !same {
		t.Error("second Start() replaced the active run and its timer")
	}
}

func TestScannerWindowExpiry(t *testing.T) {
	gw := newMockGateway()
	s := NewScanner(gw, ScannerOptions{Window: 30 * time.Millisecond})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	gw.SimulateAdvertisement(Advertisement{ID: "AA", Name: "Polar H10"})

	waitFor(t, "scan window to elapse", func() bool { return !s.Scanning() })

	if _, stop := gw.counts(); stop != 1 {
		t.Errorf("StopDiscovery calls = %d, want 1", stop)
	}

	// The radio may still deliver reports after it was told to stop.
	gw.SimulateAdvertisement(Advertisement{ID: "BB", Name: "Wahoo TICKR"})
	if got := peripheralIDs(s.Peripherals()); !slices.Equal(got, []string{"AA"}) {
		t.Errorf("Peripherals() = %v, want [AA] after window", got)
	}
}

func TestScannerStopIsIdempotent(t *testing.T) {
	gw := newMockGateway()
	s := newTestScanner(gw)

	s.Stop()
	if _, stop := gw.counts(); stop != 0 {
		t.Errorf("Stop() while idle called StopDiscovery %d times, want 0", stop)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
	s.Stop()
	if _, stop := gw.counts(); stop != 1 {
		t.Errorf("StopDiscovery calls = %d, want 1", stop)
	}

	gw.SimulateAdvertisement(Advertisement{ID: "AA", Name: "Polar H10"})
	if n := len(s.Peripherals()); n != 0 {
		t.Errorf("stale advertisement after Stop() was recorded (%d peripherals)", n)
	}
}

func TestScannerNewRunStartsEmpty(t *testing.T) {
	gw := newMockGateway()
	s := newTestScanner(gw)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	gw.SimulateAdvertisement(Advertisement{ID: "AA", Name: "Polar H10"})
	s.Stop()

	if got := len(s.Peripherals()); got != 1 {
		t.Fatalf("Peripherals() after stop = %d, want 1 (list survives stop)", got)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := len(s.Peripherals()); got != 0 {
		t.Errorf("Peripherals() after restart = %d, want 0", got)
	}
	// The earlier identity is new again for this run.
	gw.SimulateAdvertisement(Advertisement{ID: "AA", Name: "Polar H10"})
	if got := peripheralIDs(s.Peripherals()); !slices.Equal(got, []string{"AA"}) {
		t.Errorf("Peripherals() = %v, want [AA]", got)
	}
}

func TestScannerAdapterNotReady(t *testing.T) {
	for _, st := range []AdapterState{AdapterUnknown, AdapterResetting, AdapterUnsupported, AdapterUnauthorized, AdapterPoweredOff} {
		t.Run(st.String(), func(t *testing.T) {
			gw := newMockGateway()
			gw.state = st
			s := newTestScanner(gw)

			err := s.Start()
			if !errors.Is(err, ErrAdapterNotReady) {
				t.Fatalf("Start() error = %v, want ErrAdapterNotReady", err)
			}
			var notReady *AdapterNotReadyError
			if !errors.As(err, &notReady) || notReady.State != st {
				t.Errorf("Start() error = %#v, want AdapterNotReadyError{State: %v}", err, st)
			}
			if notReady != nil && notReady.Remedy() == "" {
				t.Error("Remedy() should not be empty")
			}
			if start, _ := gw.counts(); start != 0 {
				t.Errorf("StartDiscovery calls = %d, want 0", start)
			}
			if s.Scanning() {
				t.Error("Scanning() = true after refused Start()")
			}
		})
	}
}

func TestScannerStartDiscoveryError(t *testing.T) {
	gw := newMockGateway()
	gw.startErr = errMock
	s := newTestScanner(gw)

	err := s.Start()
	if !errors.Is(err, errMock) {
		t.Fatalf("Start() error = %v, want wrapped errMock", err)
	}
	if s.Scanning() {
		t.Error("Scanning() = true after failed Start()")
	}

	gw.startErr = nil
	if err := s.Start(); err != nil {
		t.Fatalf("Start() after failure error = %v", err)
	}
	if !s.Scanning() {
		t.Error("Scanning() = false after successful retry")
	}
}

func TestScannerReset(t *testing.T) {
	gw := newMockGateway()
	s := newTestScanner(gw)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	gw.SimulateAdvertisement(Advertisement{ID: "AA", Name: "Polar H10"})

	s.Reset()
	if n := len(s.Peripherals()); n != 0 {
		t.Errorf("Peripherals() after Reset() = %d, want 0", n)
	}
	if !s.Scanning() {
		t.Error("Reset() should not stop the active run")
	}
	if _, ok := s.Lookup("AA"); ok {
		t.Error("Lookup(AA) should fail after Reset()")
	}

	gw.SimulateAdvertisement(Advertisement{ID: "AA", Name: "Polar H10"})
	if _, ok := s.Lookup("AA"); !ok {
		t.Error("Lookup(AA) should succeed once it advertises again")
	}
}

func TestScannerWatch(t *testing.T) {
	gw := newMockGateway()
	s := newTestScanner(gw)

	var mu sync.Mutex
	var got []ScanEventType
	sub := s.Watch(func(ev ScanEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type)
		if ev.Type == PeripheralFound && ev.Peripheral.ID != "AA" {
			t.Errorf("PeripheralFound for %q, want AA", ev.Peripheral.ID)
		}
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	gw.SimulateAdvertisement(Advertisement{ID: "AA", Name: "Polar H10"})
	gw.SimulateAdvertisement(Advertisement{ID: "AA", Name: "Polar H10"})
	s.Stop()
	s.Reset()

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []ScanEventType{ScanStarted, PeripheralFound, ScanStopped, ListReset}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestScannerConcurrentDuplicates(t *testing.T) {
	gw := newMockGateway()
	s := newTestScanner(gw)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gw.SimulateAdvertisement(Advertisement{ID: "AA", Name: "Polar H10"})
		}()
	}
	wg.Wait()

	if n := len(s.Peripherals()); n != 1 {
		t.Errorf("Peripherals() = %d entries, want 1", n)
	}
}
