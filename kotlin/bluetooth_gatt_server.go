package kotlin

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hoppyshare/hoppyshare-ble/logger"
	"github.com/hoppyshare/hoppyshare-ble/wire"
	"github.com/hoppyshare/hoppyshare-ble/wire/att"
)

// notificationHeader is the ATT opcode plus handle preceding a notified value.
const notificationHeader = 3

// MaxNotificationSize is the largest value one notification carries at the
// highest negotiable MTU.
const MaxNotificationSize = wire.MaxMTU - notificationHeader

type serverRequest struct {
	peer   string
	opcode uint8
	handle uint16
}

// BluetoothGattServer is the local attribute server. Handles are assigned
// sequentially from 1 as services are added.
type BluetoothGattServer struct {
	manager  *BluetoothManager
	callback BluetoothGattServerCallback

	mu            sync.Mutex
	services      []*BluetoothGattService
	attributes    map[uint16]interface{}
	nextHandle    uint16
	requests      map[int]serverRequest
	nextRequestID int
	closed        bool
}

func newGattServer(m *BluetoothManager, cb BluetoothGattServerCallback) *BluetoothGattServer {
	return &BluetoothGattServer{
		manager:    m,
		callback:   cb,
		attributes: make(map[uint16]interface{}),
		nextHandle: 1,
		requests:   make(map[int]serverRequest),
	}
}

// AddService registers s and publishes the updated table. The result also
// arrives on OnServiceAdded.
func (s *BluetoothGattServer) AddService(svc *BluetoothGattService) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	svc.handle = s.allocate(svc)
	for _, c := range svc.characteristics {
		s.nextHandle++ // declaration
		c.handle = s.allocate(c)
		for _, d := range c.descriptors {
			d.handle = s.allocate(d)
		}
	}
	s.services = append(s.services, svc)
	table := s.tableLocked()
	s.mu.Unlock()

	status := GATT_SUCCESS
	if err := s.manager.wire.PublishGATTTable(table); err != nil {
		logger.Error(s.manager.prefix(), "publishing GATT table failed: %v", err)
		status = GATT_FAILURE
	}
	go s.callback.OnServiceAdded(status, svc)
	return status == GATT_SUCCESS
}

func (s *BluetoothGattServer) allocate(attr interface{}) uint16 {
	h := s.nextHandle
	s.attributes[h] = attr
	s.nextHandle++
	return h
}

func (s *BluetoothGattServer) tableLocked() *wire.GATTTable {
	table := &wire.GATTTable{}
	for _, svc := range s.services {
		ts := wire.GATTService{UUID: svc.uuid.String(), Handle: svc.handle}
		for _, c := range svc.characteristics {
			tc := wire.GATTCharacteristic{UUID: c.uuid.String(), Properties: c.properties, Handle: c.handle}
			for _, d := range c.descriptors {
				tc.Descriptors = append(tc.Descriptors, wire.GATTDescriptor{UUID: d.uuid.String(), Handle: d.handle})
			}
			ts.Characteristics = append(ts.Characteristics, tc)
		}
		table.Services = append(table.Services, ts)
	}
	return table
}

func (s *BluetoothGattServer) GetService(id uuid.UUID) *BluetoothGattService {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.uuid == id {
			return svc
		}
	}
	return nil
}

func (s *BluetoothGattServer) GetServices() []*BluetoothGattService {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*BluetoothGattService(nil), s.services...)
}

func (s *BluetoothGattServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *BluetoothGattServer) device(address string) *BluetoothDevice {
	return &BluetoothDevice{address: address, manager: s.manager}
}

func (s *BluetoothGattServer) onConnectionStateChange(peer string, state int) {
	if s.isClosed() {
		return
	}
	s.callback.OnConnectionStateChange(s.device(peer), GATT_SUCCESS, state)
}

func (s *BluetoothGattServer) handlePDU(link *wire.Link, pdu interface{}) {
	var (
		opcode         uint8
		handle         uint16
		value          []byte
		responseNeeded bool
	)
	switch p := pdu.(type) {
	case *att.WriteRequest:
		opcode, handle, value, responseNeeded = att.OpWriteRequest, p.Handle, p.Value, true
	case *att.WriteCommand:
		opcode, handle, value = att.OpWriteCommand, p.Handle, p.Value
	case *att.ReadRequest:
		opcode, handle, responseNeeded = att.OpReadRequest, p.Handle, true
	default:
		logger.Trace(s.manager.prefix(), "server ignoring %T from %s", pdu, logger.Short(link.Peer()))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	attr := s.attributes[handle]
	requestID := 0
	if responseNeeded {
		s.nextRequestID++
		requestID = s.nextRequestID
		s.requests[requestID] = serverRequest{peer: link.Peer(), opcode: opcode, handle: handle}
	}
	s.mu.Unlock()

	device := s.device(link.Peer())
	switch a := attr.(type) {
	case *BluetoothGattCharacteristic:
		if opcode == att.OpReadRequest {
			if a.properties&PROPERTY_READ == 0 {
				s.SendResponse(device, requestID, att.ErrReadNotPermitted, 0, nil)
				return
			}
			s.callback.OnCharacteristicReadRequest(device, requestID, 0, a)
			return
		}
		if a.properties&(PROPERTY_WRITE|PROPERTY_WRITE_NO_RESPONSE) == 0 {
			if responseNeeded {
				s.SendResponse(device, requestID, att.ErrWriteNotPermitted, 0, nil)
			}
			return
		}
		s.callback.OnCharacteristicWriteRequest(device, requestID, a, false, responseNeeded, 0, value)

	case *BluetoothGattDescriptor:
		if opcode == att.OpReadRequest {
			s.SendResponse(device, requestID, GATT_SUCCESS, 0, a.GetValue())
			return
		}
		s.callback.OnDescriptorWriteRequest(device, requestID, a, false, responseNeeded, 0, value)

	default:
		if responseNeeded {
			s.SendResponse(device, requestID, att.ErrInvalidHandle, 0, nil)
		}
	}
}

// SendResponse answers a request delivered with responseNeeded. Any status
// other than GATT_SUCCESS becomes an ATT error response.
func (s *BluetoothGattServer) SendResponse(device *BluetoothDevice, requestID int, status int, offset int, value []byte) bool {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	delete(s.requests, requestID)
	s.mu.Unlock()
	if !ok || req.peer != device.address {
		return false
	}

	link := s.manager.wire.Link(device.address, wire.RolePeripheral)
	if link == nil {
		return false
	}

	var pdu interface{}
	switch {
	case status != GATT_SUCCESS:
		code := uint8(att.ErrUnlikelyError)
		if status > 0 && status < 0x100 {
			code = uint8(status)
		}
		pdu = &att.ErrorResponse{RequestOpcode: req.opcode, Handle: req.handle, ErrorCode: code}
	case req.opcode == att.OpReadRequest:
		if offset > len(value) {
			offset = len(value)
		}
		pdu = &att.ReadResponse{Value: value[offset:]}
	default:
		pdu = &att.WriteResponse{}
	}
	return link.Send(pdu) == nil
}

// NotifyCharacteristicChanged sends value to one subscribed central. Values
// longer than the link's MTU allows are refused.
func (s *BluetoothGattServer) NotifyCharacteristicChanged(device *BluetoothDevice, c *BluetoothGattCharacteristic, confirm bool, value []byte) int {
	if s.isClosed() {
		return GATT_FAILURE
	}
	link := s.manager.wire.Link(device.address, wire.RolePeripheral)
	if link == nil {
		return GATT_FAILURE
	}
	if len(value) > link.MTU()-notificationHeader {
		logger.Warn(s.manager.prefix(), "notification of %d bytes exceeds MTU %d for %s",
			len(value), link.MTU(), logger.Short(device.address))
		return GATT_FAILURE
	}
	if err := link.Send(&att.HandleValueNotification{Handle: c.handle, Value: value}); err != nil {
		return GATT_FAILURE
	}
	return GATT_SUCCESS
}

// CancelConnection drops the link from a connected central.
func (s *BluetoothGattServer) CancelConnection(device *BluetoothDevice) {
	if link := s.manager.wire.Link(device.address, wire.RolePeripheral); link != nil {
		link.Close()
	}
}

// Close withdraws the attribute table and disconnects every central.
func (s *BluetoothGattServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.services = nil
	s.attributes = make(map[uint16]interface{})
	s.requests = make(map[int]serverRequest)
	s.mu.Unlock()

	s.manager.releaseServer(s)
	if err := s.manager.wire.WithdrawGATTTable(); err != nil {
		logger.Warn(s.manager.prefix(), "withdrawing GATT table failed: %v", err)
	}
	for _, link := range s.manager.wire.Links() {
		if link.Role() == wire.RolePeripheral {
			link.Close()
		}
	}
}
