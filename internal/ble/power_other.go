//go:build !linux

package ble

import (
	"errors"
	"io"
)

// watchPower has no platform monitor outside Linux; the gateway falls back
// to reporting PoweredOn once Enable succeeds.
func watchPower(func(AdapterState)) (io.Closer, error) {
	return nil, errors.ErrUnsupported
}
