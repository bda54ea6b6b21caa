// Package gatt holds the Bluetooth SIG assigned numbers pulsewatch depends on
// and decoders for the standard characteristic payloads it consumes.
package gatt

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Assigned-number UUIDs in their 128-bit Bluetooth base form.
const (
	DeviceInformationServiceUUID = "0000180a-0000-1000-8000-00805f9b34fb"
	ManufacturerNameCharUUID     = "00002a29-0000-1000-8000-00805f9b34fb"
	BatteryServiceUUID           = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelCharUUID         = "00002a19-0000-1000-8000-00805f9b34fb"
	HeartRateServiceUUID         = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementCharUUID = "00002a37-0000-1000-8000-00805f9b34fb"
)

var (
	// ErrEmptyPayload is returned when a characteristic value has no bytes.
	ErrEmptyPayload = errors.New("gatt: empty payload")
	// ErrShortPayload is returned when a payload is shorter than its layout.
	ErrShortPayload = errors.New("gatt: payload too short")
	// ErrOutOfRange is returned when a decoded value violates its declared range.
	ErrOutOfRange = errors.New("gatt: value out of range")
	// ErrInvalidText is returned when a string characteristic is not UTF-8.
	ErrInvalidText = errors.New("gatt: invalid UTF-8 text")
)

// MaxBatteryPercent is the upper bound of the Battery Level characteristic.
const MaxBatteryPercent = 100

// DecodeManufacturerName decodes the Manufacturer Name String (0x2A29).
// Some peripherals pad the value with trailing NUL bytes; those are dropped.
func DecodeManufacturerName(data []byte) (string, error) {
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return "", ErrEmptyPayload
	}
	if !utf8.Valid(data) {
		return "", ErrInvalidText
	}
	return string(data), nil
}

// DecodeBatteryLevel decodes the Battery Level characteristic (0x2A19): a
// single uint8 percentage in [0, 100].
func DecodeBatteryLevel(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, ErrEmptyPayload
	}
	level := int(data[0])
	if level > MaxBatteryPercent {
		return 0, fmt.Errorf("%w: battery level %d", ErrOutOfRange, level)
	}
	return level, nil
}

// DecodeHeartRate decodes a Heart Rate Measurement notification (0x2A37).
//
//	byte 0: flags (not interpreted)
//	byte 1: beats per minute, uint8
func DecodeHeartRate(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: need 2 bytes, got %d", ErrShortPayload, len(data))
	}
	return int(data[1]), nil
}
