package transport

import (
	"fmt"
	"time"

	"github.com/hoppyshare/hoppyshare-ble/chunk"
	"github.com/hoppyshare/hoppyshare-ble/kotlin"
)

const (
	DefaultChunkDelay = 20 * time.Millisecond
	DefaultStartWait  = 5 * time.Second

	// MaxChunkMTU is the largest chunk, header included, that fits one
	// notification.
	MaxChunkMTU = kotlin.MaxNotificationSize
)

// Config is the per-device configuration for one Transport.
type Config struct {
	// GroupID selects the ServiceId. Devices in different groups never see each other.
	GroupID string

	// DeviceID is advertised as service data and hashed into every envelope.
	DeviceID string

	MimeType string

	ChunkMTU   int
	ChunkDelay time.Duration

	ReassemblyTTL  time.Duration
	MaxPending     int
	MaxMessageSize int

	ScanMode         int
	AdvertiseMode    int
	AdvertiseTxPower int

	// StartWait bounds how long Start waits for the advertiser to confirm.
	StartWait time.Duration

	// SendToSelf delivers envelopes carrying our own DeviceID instead of dropping them.
	SendToSelf bool
}

// DefaultConfig returns a balanced radio profile for the given identity.
func DefaultConfig(groupID, deviceID string) Config {
	return Config{
		GroupID:          groupID,
		DeviceID:         deviceID,
		ScanMode:         kotlin.SCAN_MODE_BALANCED,
		AdvertiseMode:    kotlin.ADVERTISE_MODE_BALANCED,
		AdvertiseTxPower: kotlin.ADVERTISE_TX_POWER_MEDIUM,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.ChunkMTU == 0 {
		c.ChunkMTU = chunk.DefaultMTU
	}
	if c.ChunkDelay == 0 {
		c.ChunkDelay = DefaultChunkDelay
	}
	if c.ReassemblyTTL == 0 {
		c.ReassemblyTTL = chunk.DefaultTTL
	}
	if c.MaxPending == 0 {
		c.MaxPending = chunk.DefaultMaxPending
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = chunk.DefaultMaxMessageSize
	}
	if c.StartWait == 0 {
		c.StartWait = DefaultStartWait
	}
	if c.MimeType == "" {
		c.MimeType = "application/octet-stream"
	}
	return c
}

func (c Config) validate() error {
	if c.GroupID == "" {
		return newError(KindConfiguration, "group id is empty", nil)
	}
	if c.DeviceID == "" {
		return newError(KindConfiguration, "device id is empty", nil)
	}
	if c.ChunkMTU <= chunk.HeaderSize {
		return newError(KindConfiguration, fmt.Sprintf("chunk mtu %d leaves no room for data", c.ChunkMTU), nil)
	}
	if c.ChunkMTU > MaxChunkMTU {
		return newError(KindConfiguration, fmt.Sprintf("chunk mtu %d exceeds the %d-byte notification limit", c.ChunkMTU, MaxChunkMTU), nil)
	}
	if c.ChunkDelay < 0 {
		return newError(KindConfiguration, "chunk delay is negative", nil)
	}
	return nil
}
