package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hoppyshare/hoppyshare-ble/util"
)

const gattFile = "gatt.json"

// GATTTable is the attribute layout a peripheral exposes. Centrals read it
// during service discovery to learn handles.
type GATTTable struct {
	Services []GATTService `json:"services"`
}

type GATTService struct {
	UUID            string               `json:"uuid"`
	Handle          uint16               `json:"handle"`
	Characteristics []GATTCharacteristic `json:"characteristics"`
}

type GATTCharacteristic struct {
	UUID        string           `json:"uuid"`
	Properties  int              `json:"properties"`
	Handle      uint16           `json:"handle"` // value handle
	Descriptors []GATTDescriptor `json:"descriptors,omitempty"`
}

type GATTDescriptor struct {
	UUID   string `json:"uuid"`
	Handle uint16 `json:"handle"`
}

// PublishGATTTable makes table discoverable by connected centrals.
func (w *Wire) PublishGATTTable(table *GATTTable) error {
	dir := util.GetDeviceDir(w.address)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create device dir: %w", err)
	}
	raw, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal gatt table: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, gattFile), raw)
}

// WithdrawGATTTable removes the published table.
func (w *Wire) WithdrawGATTTable() error {
	err := os.Remove(filepath.Join(util.GetDeviceDir(w.address), gattFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ReadGATTTable discovers the table of a connected peer.
func (w *Wire) ReadGATTTable(peer string) (*GATTTable, error) {
	if w.Link(peer, RoleCentral) == nil {
		return nil, fmt.Errorf("wire: not connected to %s", peer)
	}
	raw, err := os.ReadFile(filepath.Join(util.GetDeviceDir(peer), gattFile))
	if err != nil {
		return nil, fmt.Errorf("wire: %s has no GATT table: %w", peer, err)
	}
	var table GATTTable
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("wire: bad GATT table from %s: %w", peer, err)
	}
	return &table, nil
}
