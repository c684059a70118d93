package kotlin

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hoppyshare/hoppyshare-ble/logger"
	"github.com/hoppyshare/hoppyshare-ble/wire"
	"github.com/hoppyshare/hoppyshare-ble/wire/att"
)

type pendingRequest struct {
	characteristic *BluetoothGattCharacteristic
	descriptor     *BluetoothGattDescriptor
	read           bool
}

// BluetoothGatt is a client connection to a remote GATT server. Only one
// request may be outstanding at a time; further requests return false.
type BluetoothGatt struct {
	device   *BluetoothDevice
	callback BluetoothGattCallback
	manager  *BluetoothManager

	mu        sync.Mutex
	link      *wire.Link
	closed    bool // Close called: no more callbacks
	dead      bool // link gone
	services  []*BluetoothGattService
	notifying map[uint16]bool
	pending   *pendingRequest
}

func (g *BluetoothGatt) GetDevice() *BluetoothDevice { return g.device }

func (g *BluetoothGatt) attach(link *wire.Link) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.dead {
		return false
	}
	g.link = link
	return true
}

// markClosed flags a connection that never came up. Reports whether the
// caller should deliver the failure callback.
func (g *BluetoothGatt) markClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.dead {
		return false
	}
	g.dead = true
	return true
}

func (g *BluetoothGatt) currentLink() *wire.Link {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	return g.link
}

func (g *BluetoothGatt) onLinkClosed(link *wire.Link) {
	g.mu.Lock()
	if g.link != nil && g.link != link {
		g.mu.Unlock()
		return
	}
	closed := g.closed
	g.dead = true
	g.link = nil
	g.pending = nil
	g.mu.Unlock()

	g.manager.releaseClient(g)
	if !closed {
		g.callback.OnConnectionStateChange(g, GATT_SUCCESS, STATE_DISCONNECTED)
	}
}

// Disconnect drops the link; OnConnectionStateChange reports STATE_DISCONNECTED.
func (g *BluetoothGatt) Disconnect() {
	if link := g.currentLink(); link != nil {
		link.Close()
	}
}

// Close releases the connection without further callbacks.
func (g *BluetoothGatt) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	link := g.link
	g.link = nil
	g.mu.Unlock()

	g.manager.releaseClient(g)
	if link != nil {
		link.Close()
	}
}

// DiscoverServices reads the remote attribute table; the result arrives on OnServicesDiscovered.
func (g *BluetoothGatt) DiscoverServices() bool {
	if g.currentLink() == nil {
		return false
	}
	go func() {
		table, err := g.manager.wire.ReadGATTTable(g.device.address)
		status := GATT_SUCCESS
		if err != nil {
			logger.Warn(g.manager.prefix(), "discovery on %s failed: %v", logger.Short(g.device.address), err)
			status = GATT_FAILURE
		} else {
			services := servicesFromTable(table)
			g.mu.Lock()
			g.services = services
			g.mu.Unlock()
		}

		g.mu.Lock()
		closed := g.closed
		g.mu.Unlock()
		if !closed {
			g.callback.OnServicesDiscovered(g, status)
		}
	}()
	return true
}

func servicesFromTable(table *wire.GATTTable) []*BluetoothGattService {
	var services []*BluetoothGattService
	for _, ts := range table.Services {
		id, err := uuid.Parse(ts.UUID)
		if err != nil {
			continue
		}
		svc := NewBluetoothGattService(id, SERVICE_TYPE_PRIMARY)
		svc.handle = ts.Handle
		for _, tc := range ts.Characteristics {
			cid, err := uuid.Parse(tc.UUID)
			if err != nil {
				continue
			}
			c := NewBluetoothGattCharacteristic(cid, tc.Properties, 0)
			c.handle = tc.Handle
			for _, td := range tc.Descriptors {
				did, err := uuid.Parse(td.UUID)
				if err != nil {
					continue
				}
				d := NewBluetoothGattDescriptor(did, 0)
				d.handle = td.Handle
				c.AddDescriptor(d)
			}
			svc.AddCharacteristic(c)
		}
		services = append(services, svc)
	}
	return services
}

func (g *BluetoothGatt) GetServices() []*BluetoothGattService {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.services
}

func (g *BluetoothGatt) GetService(id uuid.UUID) *BluetoothGattService {
	for _, s := range g.GetServices() {
		if s.uuid == id {
			return s
		}
	}
	return nil
}

// SetCharacteristicNotification enables local delivery of notifications for
// c. The remote CCCD still has to be written.
func (g *BluetoothGatt) SetCharacteristicNotification(c *BluetoothGattCharacteristic, enable bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.notifying == nil {
		g.notifying = make(map[uint16]bool)
	}
	g.notifying[c.handle] = enable
	return true
}

func (g *BluetoothGatt) WriteDescriptor(d *BluetoothGattDescriptor) bool {
	return g.request(&pendingRequest{descriptor: d}, &att.WriteRequest{Handle: d.handle, Value: d.GetValue()})
}

func (g *BluetoothGatt) ReadCharacteristic(c *BluetoothGattCharacteristic) bool {
	return g.request(&pendingRequest{characteristic: c, read: true}, &att.ReadRequest{Handle: c.handle})
}

func (g *BluetoothGatt) WriteCharacteristic(c *BluetoothGattCharacteristic) bool {
	if c.writeType != WRITE_TYPE_NO_RESPONSE {
		return g.request(&pendingRequest{characteristic: c}, &att.WriteRequest{Handle: c.handle, Value: c.GetValue()})
	}
	link := g.currentLink()
	if link == nil {
		return false
	}
	if err := link.Send(&att.WriteCommand{Handle: c.handle, Value: c.GetValue()}); err != nil {
		return false
	}
	go g.callback.OnCharacteristicWrite(g, c, GATT_SUCCESS)
	return true
}

func (g *BluetoothGatt) request(p *pendingRequest, pdu interface{}) bool {
	g.mu.Lock()
	if g.closed || g.link == nil || g.pending != nil {
		g.mu.Unlock()
		return false
	}
	g.pending = p
	link := g.link
	g.mu.Unlock()

	if err := link.Send(pdu); err != nil {
		g.mu.Lock()
		g.pending = nil
		g.mu.Unlock()
		return false
	}
	return true
}

func (g *BluetoothGatt) characteristicByHandle(handle uint16) *BluetoothGattCharacteristic {
	for _, s := range g.GetServices() {
		for _, c := range s.characteristics {
			if c.handle == handle {
				return c
			}
		}
	}
	return nil
}

func (g *BluetoothGatt) handlePDU(pdu interface{}) {
	switch p := pdu.(type) {
	case *att.HandleValueNotification:
		c := g.characteristicByHandle(p.Handle)
		g.mu.Lock()
		enabled := c != nil && g.notifying[p.Handle] && !g.closed
		g.mu.Unlock()
		if !enabled {
			logger.Trace(g.manager.prefix(), "dropping notification on handle 0x%04X", p.Handle)
			return
		}
		c.SetValue(p.Value)
		g.callback.OnCharacteristicChanged(g, c, p.Value)

	case *att.WriteResponse:
		if req := g.takePending(); req != nil {
			g.complete(req, nil, GATT_SUCCESS)
		}
	case *att.ReadResponse:
		if req := g.takePending(); req != nil {
			g.complete(req, p.Value, GATT_SUCCESS)
		}
	case *att.ErrorResponse:
		if req := g.takePending(); req != nil {
			g.complete(req, nil, int(p.ErrorCode))
		}
	}
}

func (g *BluetoothGatt) takePending() *pendingRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.pending
	g.pending = nil
	if g.closed {
		return nil
	}
	return p
}

func (g *BluetoothGatt) complete(req *pendingRequest, value []byte, status int) {
	switch {
	case req.descriptor != nil:
		g.callback.OnDescriptorWrite(g, req.descriptor, status)
	case req.read:
		if status == GATT_SUCCESS {
			req.characteristic.SetValue(value)
		}
		g.callback.OnCharacteristicRead(g, req.characteristic, value, status)
	default:
		g.callback.OnCharacteristicWrite(g, req.characteristic, status)
	}
}
