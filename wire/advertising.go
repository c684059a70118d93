package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hoppyshare/hoppyshare-ble/util"
)

const advertisingFile = "advertising.json"

// AdvertisingData is what a peripheral puts on the air. ServiceData is keyed
// by service UUID string and marshals as base64.
type AdvertisingData struct {
	DeviceName    string            `json:"device_name,omitempty"`
	ServiceUUIDs  []string          `json:"service_uuids,omitempty"`
	ServiceData   map[string][]byte `json:"service_data,omitempty"`
	TxPowerLevel  int               `json:"tx_power_level"`
	IsConnectable bool              `json:"is_connectable"`
}

// Advertisement is one scan hit.
type Advertisement struct {
	Address string
	Data    *AdvertisingData
	RSSI    int
}

// StartAdvertising publishes data until StopAdvertising or Stop.
func (w *Wire) StartAdvertising(data *AdvertisingData) error {
	if !w.Running() {
		return fmt.Errorf("wire: %s is not started", w.address)
	}
	dir := util.GetDeviceDir(w.address)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create device dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal advertising data: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, advertisingFile), raw)
}

// StopAdvertising withdraws the advertisement. Not advertising is not an error.
func (w *Wire) StopAdvertising() error {
	err := os.Remove(filepath.Join(util.GetDeviceDir(w.address), advertisingFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Scan returns every advertisement whose device is listening, including our
// own: a scanner can hear its own peripheral on loopback-capable stacks.
func (w *Wire) Scan() ([]Advertisement, error) {
	matches, err := filepath.Glob(filepath.Join(util.GetDataDir(), "devices", "*", advertisingFile))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []Advertisement
	for _, path := range matches {
		address := filepath.Base(filepath.Dir(path))
		if _, err := os.Stat(SocketPath(address)); err != nil {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var data AdvertisingData
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		out = append(out, Advertisement{Address: address, Data: &data, RSSI: -45 - len(out)*5})
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
