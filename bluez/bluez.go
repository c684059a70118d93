// Package bluez reads host radio state from BlueZ over the system D-Bus.
package bluez

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	busName          = "org.bluez"
	adapterInterface = "org.bluez.Adapter1"

	DefaultAdapter = "hci0"
)

func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// Radio answers whether a BlueZ adapter is powered.
type Radio struct {
	adapter string
}

func NewRadio(adapter string) *Radio {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return &Radio{adapter: adapter}
}

// Powered reads Adapter1.Powered. Its signature matches
// kotlin.BluetoothAdapter.SetRadioProbe.
func (r *Radio) Powered() (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("connecting to system bus: %w", err)
	}
	// The system bus connection is shared; it is not closed here.
	obj := conn.Object(busName, AdapterPath(r.adapter))
	return property[bool](obj, adapterInterface, "Powered")
}

func property[T any](obj dbus.BusObject, iface, name string) (T, error) {
	var zero T
	variant, err := obj.GetProperty(iface + "." + name)
	if err != nil {
		return zero, fmt.Errorf("reading %s.%s: %w", iface, name, err)
	}
	v, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("%s.%s has unexpected type %T", iface, name, variant.Value())
	}
	return v, nil
}
