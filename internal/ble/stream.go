package ble

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/pulsewatch/internal/ble/gatt"
)

// Stream is the live heart-rate subscription of a session. Samples stop being
// delivered as soon as Close is called, even if the transport still has
// notifications in flight.
type Stream struct {
	charUUID string
	onSample func(bpm int)

	mu     sync.Mutex
	sub    Subscription
	closed bool

	received atomic.Uint64
	skipped  atomic.Uint64
}

// Subscribe enables heart-rate measurement notifications on conn and calls
// onSample with each decoded beats-per-minute value.
func Subscribe(ctx context.Context, conn Connection, serviceUUID, charUUID string, onSample func(bpm int)) (*Stream, error) {
	s := &Stream{charUUID: charUUID, onSample: onSample}
	sub, err := conn.Subscribe(ctx, serviceUUID, charUUID, s.handle)
	if err != nil {
		return nil, fmt.Errorf("ble: subscribe %s: %w", charUUID, err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return s, nil
}

func (s *Stream) handle(data []byte) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.received.Add(1)
	bpm, err := gatt.DecodeHeartRate(data)
	if err != nil {
		s.skipped.Add(1)
		slog.Debug("[BLE] skipping notification",
			"error", &NotificationDecodeError{Payload: bytes.Clone(data), Err: err})
		return
	}
	s.onSample(bpm)
}

// Close releases the subscription. It is idempotent and never fails; a
// transport error while unsubscribing is logged.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		s.release(sub)
	}
	slog.Debug("[BLE] stream closed", "char", s.charUUID,
		"received", s.received.Load(), "skipped", s.skipped.Load())
}

func (s *Stream) release(sub Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		slog.Warn("[BLE] unsubscribe failed", "char", s.charUUID, "error", err)
	}
}

// Skipped returns how many notifications failed to decode.
func (s *Stream) Skipped() uint64 { return s.skipped.Load() }
