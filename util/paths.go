package util

import (
	"os"
	"path/filepath"
)

// DataDirEnv overrides the default data directory.
const DataDirEnv = "HOPPYSHARE_BLE_DIR"

// GetDataDir returns the root directory shared by every simulated radio on this host.
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".hoppyshare-ble")
}

// GetDeviceDir returns the per-device directory holding advertising and GATT records.
func GetDeviceDir(address string) string {
	return filepath.Join(GetDataDir(), "devices", address)
}

// GetSocketDir returns the directory where Unix domain sockets are stored
func GetSocketDir() string {
	socketDir := filepath.Join(GetDataDir(), "sockets")
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		panic(err)
	}
	return socketDir
}
