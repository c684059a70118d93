package wire

import "time"

// ATT MTU bounds
const (
	DefaultMTU = 23
	MaxMTU     = 517
)

// Simulated link-layer latency (real LE connections take 30-100ms)
const (
	MinConnectionDelay = 30 * time.Millisecond
	MaxConnectionDelay = 100 * time.Millisecond
)

// Role is the local side of a link.
type Role string

const (
	RoleCentral    Role = "central"
	RolePeripheral Role = "peripheral"
)
