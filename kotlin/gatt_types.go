package kotlin

import (
	"sync"

	"github.com/google/uuid"
)

type BluetoothGattService struct {
	uuid            uuid.UUID
	serviceType     int
	handle          uint16
	characteristics []*BluetoothGattCharacteristic
}

func NewBluetoothGattService(id uuid.UUID, serviceType int) *BluetoothGattService {
	return &BluetoothGattService{uuid: id, serviceType: serviceType}
}

func (s *BluetoothGattService) GetUuid() uuid.UUID { return s.uuid }

func (s *BluetoothGattService) GetType() int { return s.serviceType }

func (s *BluetoothGattService) AddCharacteristic(c *BluetoothGattCharacteristic) bool {
	c.service = s
	s.characteristics = append(s.characteristics, c)
	return true
}

func (s *BluetoothGattService) GetCharacteristic(id uuid.UUID) *BluetoothGattCharacteristic {
	for _, c := range s.characteristics {
		if c.uuid == id {
			return c
		}
	}
	return nil
}

func (s *BluetoothGattService) GetCharacteristics() []*BluetoothGattCharacteristic {
	return s.characteristics
}

type BluetoothGattCharacteristic struct {
	uuid        uuid.UUID
	properties  int
	permissions int
	writeType   int
	handle      uint16
	service     *BluetoothGattService
	descriptors []*BluetoothGattDescriptor

	mu    sync.RWMutex
	value []byte
}

func NewBluetoothGattCharacteristic(id uuid.UUID, properties, permissions int) *BluetoothGattCharacteristic {
	writeType := WRITE_TYPE_DEFAULT
	if properties&PROPERTY_WRITE_NO_RESPONSE != 0 && properties&PROPERTY_WRITE == 0 {
		writeType = WRITE_TYPE_NO_RESPONSE
	}
	return &BluetoothGattCharacteristic{uuid: id, properties: properties, permissions: permissions, writeType: writeType}
}

func (c *BluetoothGattCharacteristic) GetUuid() uuid.UUID { return c.uuid }

func (c *BluetoothGattCharacteristic) GetProperties() int { return c.properties }

func (c *BluetoothGattCharacteristic) GetPermissions() int { return c.permissions }

func (c *BluetoothGattCharacteristic) GetService() *BluetoothGattService { return c.service }

func (c *BluetoothGattCharacteristic) GetWriteType() int { return c.writeType }

func (c *BluetoothGattCharacteristic) SetWriteType(t int) { c.writeType = t }

func (c *BluetoothGattCharacteristic) AddDescriptor(d *BluetoothGattDescriptor) bool {
	d.characteristic = c
	c.descriptors = append(c.descriptors, d)
	return true
}

func (c *BluetoothGattCharacteristic) GetDescriptor(id uuid.UUID) *BluetoothGattDescriptor {
	for _, d := range c.descriptors {
		if d.uuid == id {
			return d
		}
	}
	return nil
}

func (c *BluetoothGattCharacteristic) GetValue() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *BluetoothGattCharacteristic) SetValue(v []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	return true
}

type BluetoothGattDescriptor struct {
	uuid           uuid.UUID
	permissions    int
	handle         uint16
	characteristic *BluetoothGattCharacteristic

	mu    sync.RWMutex
	value []byte
}

func NewBluetoothGattDescriptor(id uuid.UUID, permissions int) *BluetoothGattDescriptor {
	return &BluetoothGattDescriptor{uuid: id, permissions: permissions}
}

func (d *BluetoothGattDescriptor) GetUuid() uuid.UUID { return d.uuid }

func (d *BluetoothGattDescriptor) GetCharacteristic() *BluetoothGattCharacteristic {
	return d.characteristic
}

func (d *BluetoothGattDescriptor) GetValue() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.value
}

func (d *BluetoothGattDescriptor) SetValue(v []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value = v
	return true
}
