package transport

import (
	"bytes"
	"sync/atomic"

	"github.com/hoppyshare/hoppyshare-ble/kotlin"
	"github.com/hoppyshare/hoppyshare-ble/logger"
	"github.com/hoppyshare/hoppyshare-ble/serviceid"
)

// Radio callbacks run on radio goroutines. They post to the loop and return.

type gattCallback struct {
	loop *eventLoop
}

func (c *gattCallback) OnConnectionStateChange(g *kotlin.BluetoothGatt, status int, newState int) {
	c.loop.post(clientStateEvent{gatt: g, status: status, state: newState})
}

func (c *gattCallback) OnServicesDiscovered(g *kotlin.BluetoothGatt, status int) {
	c.loop.post(discoveredEvent{gatt: g, status: status})
}

func (c *gattCallback) OnCharacteristicRead(*kotlin.BluetoothGatt, *kotlin.BluetoothGattCharacteristic, []byte, int) {
}

func (c *gattCallback) OnCharacteristicWrite(*kotlin.BluetoothGatt, *kotlin.BluetoothGattCharacteristic, int) {}

func (c *gattCallback) OnCharacteristicChanged(g *kotlin.BluetoothGatt, ch *kotlin.BluetoothGattCharacteristic, value []byte) {
	if ch.GetUuid() != serviceid.Characteristic {
		return
	}
	c.loop.post(chunkEvent{from: g.GetDevice().GetAddress(), data: value})
}

func (c *gattCallback) OnDescriptorWrite(g *kotlin.BluetoothGatt, d *kotlin.BluetoothGattDescriptor, status int) {
	if d.GetUuid() != serviceid.ClientConfigDescriptor {
		return
	}
	c.loop.post(subscribedEvent{gatt: g, status: status})
}

type serverCallback struct {
	loop   *eventLoop
	server atomic.Pointer[kotlin.BluetoothGattServer]
}

func (c *serverCallback) OnConnectionStateChange(d *kotlin.BluetoothDevice, status int, newState int) {
	c.loop.post(serverStateEvent{device: d, state: newState})
}

func (c *serverCallback) OnServiceAdded(status int, svc *kotlin.BluetoothGattService) {
	logger.Debug(c.loop.prefix, "service %s added with status %d", svc.GetUuid(), status)
}

func (c *serverCallback) OnCharacteristicReadRequest(d *kotlin.BluetoothDevice, requestID int, offset int, ch *kotlin.BluetoothGattCharacteristic) {
	if ch.GetUuid() != serviceid.Characteristic {
		c.respond(d, requestID, kotlin.GATT_READ_NOT_PERMITTED, 0, nil)
		return
	}
	value := ch.GetValue()
	if offset > len(value) {
		c.respond(d, requestID, kotlin.GATT_INVALID_OFFSET, 0, nil)
		return
	}
	c.respond(d, requestID, kotlin.GATT_SUCCESS, offset, value)
}

// OnCharacteristicWriteRequest accepts chunks written to us directly, the
// alternative to notifications.
func (c *serverCallback) OnCharacteristicWriteRequest(d *kotlin.BluetoothDevice, requestID int, ch *kotlin.BluetoothGattCharacteristic, preparedWrite bool, responseNeeded bool, offset int, value []byte) {
	status := kotlin.GATT_SUCCESS
	if ch.GetUuid() == serviceid.Characteristic {
		c.loop.post(chunkEvent{from: d.GetAddress(), data: value})
	} else {
		status = kotlin.GATT_WRITE_NOT_PERMITTED
	}
	if responseNeeded {
		c.respond(d, requestID, status, 0, nil)
	}
}

func (c *serverCallback) OnDescriptorWriteRequest(d *kotlin.BluetoothDevice, requestID int, desc *kotlin.BluetoothGattDescriptor, preparedWrite bool, responseNeeded bool, offset int, value []byte) {
	status := kotlin.GATT_SUCCESS
	if desc.GetUuid() == serviceid.ClientConfigDescriptor {
		desc.SetValue(value)
		c.loop.post(subscriptionEvent{device: d, enable: bytes.Equal(value, kotlin.ENABLE_NOTIFICATION_VALUE)})
	} else {
		status = kotlin.GATT_WRITE_NOT_PERMITTED
	}
	if responseNeeded {
		c.respond(d, requestID, status, 0, nil)
	}
}

func (c *serverCallback) respond(d *kotlin.BluetoothDevice, requestID, status, offset int, value []byte) {
	if s := c.server.Load(); s != nil {
		s.SendResponse(d, requestID, status, offset, value)
	}
}

const advertiseStarted = -1

type advertiseCallback struct {
	prefix string
	result chan int
}

func (c *advertiseCallback) OnStartSuccess(*kotlin.AdvertiseSettings) {
	c.report(advertiseStarted)
}

func (c *advertiseCallback) OnStartFailure(errorCode int) {
	c.report(errorCode)
}

func (c *advertiseCallback) report(code int) {
	select {
	case c.result <- code:
	default:
		logger.Warn(c.prefix, "late advertise result %d", code)
	}
}

type scanCallback struct {
	loop    *eventLoop
	failed  chan int
	started atomic.Bool
}

func (c *scanCallback) OnScanResult(_ int, result *kotlin.ScanResult) {
	c.loop.post(scanEvent{result: result})
}

// OnScanFailed is reported synchronously from StartScan for immediate
// failures; anything later is only logged.
func (c *scanCallback) OnScanFailed(errorCode int) {
	if c.started.Load() {
		logger.Error(c.loop.prefix, "scan failed with code %d", errorCode)
		return
	}
	select {
	case c.failed <- errorCode:
	default:
	}
}
