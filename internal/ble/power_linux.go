//go:build linux

package ble

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName       = "org.bluez"
	bluezAdapterIface  = "org.bluez.Adapter1"
	propertiesIface    = "org.freedesktop.DBus.Properties"
	propertiesChanged  = propertiesIface + ".PropertiesChanged"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// bluezPower follows org.bluez.Adapter1.Powered on a private system bus
// connection.
type bluezPower struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
	done    chan struct{}
}

// watchPower reports the first BlueZ adapter's power state to update, now and
// on every change, until the returned Closer is closed.
func watchPower(update func(AdapterState)) (io.Closer, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}

	path, powered, err := findAdapter(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ble: watch %s: %w", path, err)
	}

	p := &bluezPower{
		conn:    conn,
		signals: make(chan *dbus.Signal, 16),
		done:    make(chan struct{}),
	}
	conn.Signal(p.signals)
	update(poweredState(powered))
	slog.Debug("[BLE] watching adapter power", "path", path, "powered", powered)

	go func() {
		for {
			select {
			case <-p.done:
				return
			case sig, ok := <-p.signals:
				if !ok {
					return
				}
				if on, changed := poweredChange(sig, path); changed {
					update(poweredState(on))
				}
			}
		}
	}()
	return p, nil
}

func (p *bluezPower) Close() error {
	close(p.done)
	p.conn.RemoveSignal(p.signals)
	return p.conn.Close()
}

// findAdapter returns the first adapter object (by path) and its Powered property.
func findAdapter(conn *dbus.Conn) (dbus.ObjectPath, bool, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := conn.Object(bluezBusName, "/")
	if err := obj.Call(objectManagerIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return "", false, fmt.Errorf("ble: list bluez objects: %w", err)
	}

	var paths []dbus.ObjectPath
	for path, ifaces := range objects {
		if _, ok := ifaces[bluezAdapterIface]; ok {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		return "", false, fmt.Errorf("ble: no bluez adapter found")
	}
	slices.Sort(paths)

	path := paths[0]
	powered, _ := objects[path][bluezAdapterIface]["Powered"].Value().(bool)
	return path, powered, nil
}

// poweredChange extracts a Powered update for path from a PropertiesChanged
// signal.
func poweredChange(sig *dbus.Signal, path dbus.ObjectPath) (powered, ok bool) {
	if sig == nil || sig.Path != path || sig.Name != propertiesChanged || len(sig.Body) < 2 {
		return false, false
	}
	if iface, _ := sig.Body[0].(string); iface != bluezAdapterIface {
		return false, false
	}
	changed, isMap := sig.Body[1].(map[string]dbus.Variant)
	if !isMap {
		return false, false
	}
	v, present := changed["Powered"]
	if !present {
		return false, false
	}
	powered, ok = v.Value().(bool)
	return powered, ok
}

func poweredState(powered bool) AdapterState {
	if powered {
		return AdapterPoweredOn
	}
	return AdapterPoweredOff
}
