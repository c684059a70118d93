package transport

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// Snapshot is a point-in-time view of the transport for status surfaces.
type Snapshot struct {
	DeviceID    string
	GroupID     string
	ServiceID   string
	State       State
	Enabled     bool
	Connected   []string
	Connecting  []string
	Subscribers []string
	Pending     int
	InFlight    int
}

func (t *Transport) Snapshot() Snapshot {
	snap := Snapshot{
		DeviceID:  t.cfg.DeviceID,
		GroupID:   t.cfg.GroupID,
		ServiceID: t.serviceID.String(),
		State:     t.State(),
		Enabled:   t.Enabled(),
	}
	if s := t.current.Load(); s != nil {
		v := s.loop.query()
		snap.Connected = v.connected
		snap.Connecting = v.connecting
		snap.Subscribers = v.subscribers
		snap.Pending = v.pending
		snap.InFlight = int(s.inFlight.Load())
	}
	return snap
}

// Struct renders the snapshot for logger.DebugJSON and the events feed.
func (s Snapshot) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"device_id":   s.DeviceID,
		"group_id":    s.GroupID,
		"service_id":  s.ServiceID,
		"state":       s.State.String(),
		"enabled":     s.Enabled,
		"connected":   anySlice(s.Connected),
		"connecting":  anySlice(s.Connecting),
		"subscribers": anySlice(s.Subscribers),
		"pending":     s.Pending,
		"in_flight":   s.InFlight,
	})
}

func anySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
