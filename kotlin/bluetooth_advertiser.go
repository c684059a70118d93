package kotlin

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hoppyshare/hoppyshare-ble/logger"
	"github.com/hoppyshare/hoppyshare-ble/wire"
)

type AdvertiseSettings struct {
	AdvertiseMode int
	TxPowerLevel  int
	Connectable   bool
	Timeout       int
}

type AdvertiseData struct {
	ServiceUuids        []uuid.UUID
	ServiceData         map[uuid.UUID][]byte
	IncludeDeviceName   bool
	IncludeTxPowerLevel bool
}

// BluetoothLeAdvertiser runs at most one advertising set.
type BluetoothLeAdvertiser struct {
	adapter *BluetoothAdapter

	mu     sync.Mutex
	active AdvertiseCallback
}

// StartAdvertising merges data and scanResponse into one record. The outcome
// arrives asynchronously on callback.
func (a *BluetoothLeAdvertiser) StartAdvertising(settings *AdvertiseSettings, data, scanResponse *AdvertiseData, callback AdvertiseCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active != nil {
		go callback.OnStartFailure(ADVERTISE_FAILED_ALREADY_STARTED)
		return
	}
	if !a.adapter.IsEnabled() {
		go callback.OnStartFailure(ADVERTISE_FAILED_FEATURE_UNSUPPORTED)
		return
	}

	record := &wire.AdvertisingData{
		TxPowerLevel:  txPowerDBm(settings.TxPowerLevel),
		IsConnectable: settings.Connectable,
		ServiceData:   make(map[string][]byte),
	}
	for _, d := range []*AdvertiseData{data, scanResponse} {
		if d == nil {
			continue
		}
		for _, id := range d.ServiceUuids {
			record.ServiceUUIDs = append(record.ServiceUUIDs, id.String())
		}
		for id, v := range d.ServiceData {
			record.ServiceData[id.String()] = v
		}
		if d.IncludeDeviceName {
			record.DeviceName = a.adapter.GetAddress()
		}
	}

	if err := a.adapter.manager.wire.StartAdvertising(record); err != nil {
		logger.Error(a.adapter.manager.prefix(), "advertising failed: %v", err)
		go callback.OnStartFailure(ADVERTISE_FAILED_INTERNAL_ERROR)
		return
	}
	a.active = callback
	go callback.OnStartSuccess(settings)
}

// StopAdvertising stops the set started with callback.
func (a *BluetoothLeAdvertiser) StopAdvertising(callback AdvertiseCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil || a.active != callback {
		return
	}
	a.active = nil
	if err := a.adapter.manager.wire.StopAdvertising(); err != nil {
		logger.Warn(a.adapter.manager.prefix(), "stop advertising failed: %v", err)
	}
}

func (a *BluetoothLeAdvertiser) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = nil
}

func txPowerDBm(level int) int {
	switch level {
	case ADVERTISE_TX_POWER_ULTRA_LOW:
		return -21
	case ADVERTISE_TX_POWER_LOW:
		return -15
	case ADVERTISE_TX_POWER_MEDIUM:
		return -7
	default:
		return 1
	}
}
