package kotlin

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hoppyshare/hoppyshare-ble/logger"
	"github.com/hoppyshare/hoppyshare-ble/wire"
)

type ScanFilter struct {
	ServiceUuid   *uuid.UUID
	DeviceAddress string
}

// NewServiceFilter matches advertisements listing id.
func NewServiceFilter(id uuid.UUID) *ScanFilter {
	return &ScanFilter{ServiceUuid: &id}
}

func (f *ScanFilter) matches(ad wire.Advertisement) bool {
	if f.DeviceAddress != "" && f.DeviceAddress != ad.Address {
		return false
	}
	if f.ServiceUuid == nil {
		return true
	}
	want := f.ServiceUuid.String()
	for _, s := range ad.Data.ServiceUUIDs {
		if s == want {
			return true
		}
	}
	return false
}

type ScanSettings struct {
	ScanMode int
}

func (s *ScanSettings) interval() time.Duration {
	if s == nil {
		return 250 * time.Millisecond
	}
	switch s.ScanMode {
	case SCAN_MODE_LOW_LATENCY:
		return 100 * time.Millisecond
	case SCAN_MODE_LOW_POWER:
		return time.Second
	default:
		return 250 * time.Millisecond
	}
}

type ScanRecord struct {
	data *wire.AdvertisingData
}

func (r *ScanRecord) GetDeviceName() string { return r.data.DeviceName }

func (r *ScanRecord) GetTxPowerLevel() int { return r.data.TxPowerLevel }

func (r *ScanRecord) GetServiceUuids() []uuid.UUID {
	var ids []uuid.UUID
	for _, s := range r.data.ServiceUUIDs {
		if id, err := uuid.Parse(s); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetServiceData returns the service data advertised under id, or nil.
func (r *ScanRecord) GetServiceData(id uuid.UUID) []byte {
	return r.data.ServiceData[id.String()]
}

type ScanResult struct {
	device *BluetoothDevice
	rssi   int
	record *ScanRecord
}

func (r *ScanResult) GetDevice() *BluetoothDevice { return r.device }

func (r *ScanResult) GetRssi() int { return r.rssi }

func (r *ScanResult) GetScanRecord() *ScanRecord { return r.record }

// MaxScanners is how many scans one adapter runs at once. Further
// StartScan calls fail with SCAN_FAILED_APPLICATION_REGISTRATION_FAILED.
const MaxScanners = 4

// BluetoothLeScanner polls the air for advertisements and reports every
// match on each pass, as CALLBACK_TYPE_ALL_MATCHES does.
type BluetoothLeScanner struct {
	adapter *BluetoothAdapter

	mu    sync.Mutex
	scans map[ScanCallback]chan struct{}
}

// StartScan begins reporting matches to callback. Failures detectable up
// front are reported on OnScanFailed before StartScan returns.
func (s *BluetoothLeScanner) StartScan(filters []*ScanFilter, settings *ScanSettings, callback ScanCallback) {
	if !s.adapter.IsEnabled() {
		callback.OnScanFailed(SCAN_FAILED_INTERNAL_ERROR)
		return
	}

	s.mu.Lock()
	if s.scans == nil {
		s.scans = make(map[ScanCallback]chan struct{})
	}
	if _, running := s.scans[callback]; running {
		s.mu.Unlock()
		callback.OnScanFailed(SCAN_FAILED_ALREADY_STARTED)
		return
	}
	if len(s.scans) >= MaxScanners {
		s.mu.Unlock()
		callback.OnScanFailed(SCAN_FAILED_APPLICATION_REGISTRATION_FAILED)
		return
	}
	stop := make(chan struct{})
	s.scans[callback] = stop
	s.mu.Unlock()

	go s.run(filters, settings.interval(), callback, stop)
}

func (s *BluetoothLeScanner) StopScan(callback ScanCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.scans[callback]; ok {
		close(stop)
		delete(s.scans, callback)
	}
}

func (s *BluetoothLeScanner) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cb, stop := range s.scans {
		close(stop)
		delete(s.scans, cb)
	}
}

func (s *BluetoothLeScanner) run(filters []*ScanFilter, interval time.Duration, callback ScanCallback, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ads, err := s.adapter.manager.wire.Scan()
		if err != nil {
			logger.Warn(s.adapter.manager.prefix(), "scan pass failed: %v", err)
		}
		for _, ad := range ads {
			select {
			case <-stop:
				return
			default:
			}
			if !matchesAny(filters, ad) {
				continue
			}
			callback.OnScanResult(CALLBACK_TYPE_ALL_MATCHES, &ScanResult{
				device: s.adapter.GetRemoteDevice(ad.Address),
				rssi:   ad.RSSI,
				record: &ScanRecord{data: ad.Data},
			})
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func matchesAny(filters []*ScanFilter, ad wire.Advertisement) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.matches(ad) {
			return true
		}
	}
	return false
}
