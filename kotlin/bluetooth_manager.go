// Package kotlin mirrors the Android BLE API on top of the simulated radio,
// so transport code reads like the Android client it interoperates with.
package kotlin

import (
	"sync"

	"github.com/hoppyshare/hoppyshare-ble/logger"
	"github.com/hoppyshare/hoppyshare-ble/wire"
)

// Context holds runtime permission grants.
type Context struct {
	mu      sync.RWMutex
	granted map[string]bool
}

func NewContext(granted ...string) *Context {
	c := &Context{granted: make(map[string]bool)}
	for _, p := range granted {
		c.granted[p] = true
	}
	return c
}

// AllPermissions is a context with every Bluetooth permission granted.
func AllPermissions() *Context {
	return NewContext(BLUETOOTH_SCAN, BLUETOOTH_ADVERTISE, BLUETOOTH_CONNECT)
}

func (c *Context) CheckSelfPermission(permission string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.granted[permission] {
		return PERMISSION_GRANTED
	}
	return PERMISSION_DENIED
}

func (c *Context) Grant(permission string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granted[permission] = true
}

func (c *Context) Revoke(permission string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.granted, permission)
}

// BluetoothManager owns the radio and routes its events to the open GATT
// server and client connections.
type BluetoothManager struct {
	wire    *wire.Wire
	adapter *BluetoothAdapter

	mu      sync.RWMutex
	server  *BluetoothGattServer
	clients map[string]*BluetoothGatt
}

func NewBluetoothManager(address string, opts ...wire.Option) *BluetoothManager {
	m := &BluetoothManager{
		wire:    wire.NewWire(address, opts...),
		clients: make(map[string]*BluetoothGatt),
	}
	m.adapter = &BluetoothAdapter{manager: m}
	m.adapter.advertiser = &BluetoothLeAdvertiser{adapter: m.adapter}
	m.adapter.scanner = &BluetoothLeScanner{adapter: m.adapter}

	m.wire.SetConnectCallback(m.handleConnect)
	m.wire.SetDisconnectCallback(m.handleDisconnect)
	m.wire.SetPDUHandler(m.handlePDU)
	return m
}

func (m *BluetoothManager) GetAdapter() *BluetoothAdapter { return m.adapter }

func (m *BluetoothManager) prefix() string {
	return logger.Prefix(m.wire.Address(), "Android")
}

// OpenGattServer returns nil when the adapter is off or a server is already open.
func (m *BluetoothManager) OpenGattServer(ctx *Context, callback BluetoothGattServerCallback) *BluetoothGattServer {
	if !m.adapter.IsEnabled() || ctx.CheckSelfPermission(BLUETOOTH_CONNECT) != PERMISSION_GRANTED {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		return nil
	}
	m.server = newGattServer(m, callback)
	return m.server
}

func (m *BluetoothManager) releaseServer(s *BluetoothGattServer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == s {
		m.server = nil
	}
}

func (m *BluetoothManager) currentServer() *BluetoothGattServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.server
}

func (m *BluetoothManager) registerClient(g *BluetoothGatt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clients[g.device.address]; exists {
		return false
	}
	m.clients[g.device.address] = g
	return true
}

func (m *BluetoothManager) releaseClient(g *BluetoothGatt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clients[g.device.address] == g {
		delete(m.clients, g.device.address)
	}
}

func (m *BluetoothManager) client(address string) *BluetoothGatt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[address]
}

func (m *BluetoothManager) handleConnect(link *wire.Link) {
	if link.Role() != wire.RolePeripheral {
		return
	}
	if s := m.currentServer(); s != nil {
		s.onConnectionStateChange(link.Peer(), STATE_CONNECTED)
	}
}

func (m *BluetoothManager) handleDisconnect(link *wire.Link) {
	if link.Role() == wire.RolePeripheral {
		if s := m.currentServer(); s != nil {
			s.onConnectionStateChange(link.Peer(), STATE_DISCONNECTED)
		}
		return
	}
	if g := m.client(link.Peer()); g != nil {
		g.onLinkClosed(link)
	}
}

func (m *BluetoothManager) handlePDU(link *wire.Link, pdu interface{}) {
	if link.Role() == wire.RolePeripheral {
		if s := m.currentServer(); s != nil {
			s.handlePDU(link, pdu)
		}
		return
	}
	if g := m.client(link.Peer()); g != nil {
		g.handlePDU(pdu)
	}
}

// BluetoothAdapter is the local radio.
type BluetoothAdapter struct {
	manager    *BluetoothManager
	advertiser *BluetoothLeAdvertiser
	scanner    *BluetoothLeScanner

	probeMu sync.RWMutex
	probe   func() (bool, error)
}

// Enable powers the radio on.
func (a *BluetoothAdapter) Enable() bool {
	if err := a.manager.wire.Start(); err != nil {
		logger.Error(a.manager.prefix(), "enable failed: %v", err)
		return false
	}
	return true
}

// Disable powers the radio off, dropping every link.
func (a *BluetoothAdapter) Disable() bool {
	a.scanner.stopAll()
	a.advertiser.reset()
	a.manager.wire.Stop()
	return true
}

// SetRadioProbe adds a host-level check (e.g. BlueZ Powered) to IsEnabled.
func (a *BluetoothAdapter) SetRadioProbe(probe func() (bool, error)) {
	a.probeMu.Lock()
	defer a.probeMu.Unlock()
	a.probe = probe
}

func (a *BluetoothAdapter) IsEnabled() bool {
	if !a.manager.wire.Running() {
		return false
	}
	a.probeMu.RLock()
	probe := a.probe
	a.probeMu.RUnlock()
	if probe == nil {
		return true
	}
	on, err := probe()
	if err != nil {
		logger.Warn(a.manager.prefix(), "radio probe failed: %v", err)
		return false
	}
	return on
}

func (a *BluetoothAdapter) GetAddress() string { return a.manager.wire.Address() }

func (a *BluetoothAdapter) GetBluetoothLeAdvertiser() *BluetoothLeAdvertiser { return a.advertiser }

func (a *BluetoothAdapter) GetBluetoothLeScanner() *BluetoothLeScanner { return a.scanner }

func (a *BluetoothAdapter) GetRemoteDevice(address string) *BluetoothDevice {
	return &BluetoothDevice{address: address, manager: a.manager}
}
