package ble

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/chaz8081/pulsewatch/internal/ble/gatt"
)

// NotAvailable stands in for a device information field that could not be read.
const NotAvailable = "N/A"

// DefaultReadTimeout bounds each device information read.
const DefaultReadTimeout = 3 * time.Second

// BatteryUnknown is the DeviceInfo.Battery value when the level could not be read.
const BatteryUnknown = -1

// DeviceInfo is read once after a session connects.
type DeviceInfo struct {
	Manufacturer string // NotAvailable when the read failed
	Battery      int    // percent, or BatteryUnknown
}

// HasBattery reports whether Battery holds a real reading.
func (d DeviceInfo) HasBattery() bool { return d.Battery >= 0 }

// BatteryString renders the battery level as "67%" or NotAvailable.
func (d DeviceInfo) BatteryString() string {
	if !d.HasBattery() {
		return NotAvailable
	}
	return strconv.Itoa(d.Battery) + "%"
}

// MarshalJSON encodes an unknown battery level as "N/A" rather than -1.
func (d DeviceInfo) MarshalJSON() ([]byte, error) {
	var battery any = NotAvailable
	if d.HasBattery() {
		battery = d.Battery
	}
	return json.Marshal(struct {
		Manufacturer string `json:"manufacturer"`
		Battery      any    `json:"battery"`
	}{d.Manufacturer, battery})
}

// ReadDeviceInfo reads the manufacturer name and battery level. Each read is
// independent and gets its own timeout (DefaultReadTimeout when timeout <= 0):
// a failure or a hang yields NotAvailable for that field only.
func ReadDeviceInfo(ctx context.Context, conn Connection, timeout time.Duration) DeviceInfo {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	info := DeviceInfo{Manufacturer: NotAvailable, Battery: BatteryUnknown}

	readCtx, cancel := context.WithTimeout(ctx, timeout)
	name, err := readManufacturer(readCtx, conn)
	cancel()
	if err != nil {
		slog.Info("[BLE] manufacturer name unavailable", "error", err)
	} else {
		info.Manufacturer = name
	}

	readCtx, cancel = context.WithTimeout(ctx, timeout)
	level, err := readBattery(readCtx, conn)
	cancel()
	if err != nil {
		slog.Info("[BLE] battery level unavailable", "error", err)
	} else {
		info.Battery = level
	}

	return info
}

func readManufacturer(ctx context.Context, conn Connection) (string, error) {
	data, err := conn.Read(ctx, gatt.DeviceInformationServiceUUID, gatt.ManufacturerNameCharUUID)
	if err != nil {
		return "", &ReadFailedError{CharUUID: gatt.ManufacturerNameCharUUID, Err: err}
	}
	name, err := gatt.DecodeManufacturerName(data)
	if err != nil {
		return "", &ReadFailedError{CharUUID: gatt.ManufacturerNameCharUUID, Err: err}
	}
	return name, nil
}

func readBattery(ctx context.Context, conn Connection) (int, error) {
	data, err := conn.Read(ctx, gatt.BatteryServiceUUID, gatt.BatteryLevelCharUUID)
	if err != nil {
		return 0, &ReadFailedError{CharUUID: gatt.BatteryLevelCharUUID, Err: err}
	}
	level, err := gatt.DecodeBatteryLevel(data)
	if err != nil {
		return 0, &ReadFailedError{CharUUID: gatt.BatteryLevelCharUUID, Err: err}
	}
	return level, nil
}
