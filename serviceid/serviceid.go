// Package serviceid derives the BLE service UUID a sync group advertises and
// scans for, and holds the fixed UUIDs every implementation shares.
package serviceid

import (
	"encoding/binary"

	"github.com/google/uuid"
)

var (
	// baseUUID is the Bluetooth SIG base UUID. The derived 16-bit alias is
	// written into bytes 2-3.
	baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805F9B34FB")

	// Characteristic is the single data characteristic carrying chunks.
	Characteristic = uuid.MustParse("0000FFF1-0000-1000-8000-00805F9B34FB")

	// ClientConfigDescriptor is the standard CCCD used to enable notifications.
	ClientConfigDescriptor = uuid.MustParse("00002902-0000-1000-8000-00805f9b34fb")
)

// Derive maps a group identifier to its service UUID. The 32-bit accumulator
// wraps on overflow and only its low 16 bits are kept, so unrelated groups
// collide with probability about 1/65536.
func Derive(groupID string) uuid.UUID {
	return FromAlias(Hash16(groupID))
}

// Hash16 returns the low 16 bits of hash*31+codepoint over groupID.
func Hash16(groupID string) uint16 {
	var hash int32
	for _, r := range groupID {
		hash = hash*31 + int32(r)
	}
	return uint16(hash)
}

// FromAlias expands a 16-bit alias into a full UUID on the SIG base.
func FromAlias(alias uint16) uuid.UUID {
	id := baseUUID
	binary.BigEndian.PutUint16(id[2:4], alias)
	return id
}
