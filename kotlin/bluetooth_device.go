package kotlin

import (
	"github.com/hoppyshare/hoppyshare-ble/logger"
)

// BluetoothDevice is a remote device handle. Two handles with the same
// address refer to the same device.
type BluetoothDevice struct {
	address string
	manager *BluetoothManager
}

func (d *BluetoothDevice) GetAddress() string { return d.address }

// ConnectGatt opens a client connection. The outcome arrives on
// callback.OnConnectionStateChange. Returns nil if a client connection to
// this device is already open.
func (d *BluetoothDevice) ConnectGatt(autoConnect bool, callback BluetoothGattCallback) *BluetoothGatt {
	g := &BluetoothGatt{device: d, callback: callback, manager: d.manager}
	if !d.manager.registerClient(g) {
		return nil
	}

	go func() {
		link, err := d.manager.wire.Connect(d.address)
		if err != nil {
			logger.Warn(d.manager.prefix(), "connectGatt %s failed: %v", logger.Short(d.address), err)
			if g.markClosed() {
				d.manager.releaseClient(g)
				callback.OnConnectionStateChange(g, GATT_FAILURE, STATE_DISCONNECTED)
			}
			return
		}
		if !g.attach(link) {
			link.Close()
			return
		}
		callback.OnConnectionStateChange(g, GATT_SUCCESS, STATE_CONNECTED)
	}()
	return g
}
