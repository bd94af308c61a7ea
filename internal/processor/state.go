package processor

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// DwellTracker records how long a device has stayed inside one zone and which
// ladder thresholds already fired for that stay.
type DwellTracker struct {
	EntryTime time.Time `json:"entryTime"`
	LastSeen  time.Time `json:"lastSeen"`
	// Notified holds threshold minutes that already produced a dwell event.
	Notified []int64 `json:"notified,omitempty"`
}

func (t *DwellTracker) notified(minutes int64) bool {
	return slices.Contains(t.Notified, minutes)
}

// State is the per-device zone membership record: the set of zone IDs the
// device currently occupies, the timestamp of the last accepted state update,
// and one dwell tracker per occupied zone.
type State struct {
	Zones          []string                 `json:"zones"`
	LastAcceptedTs time.Time                `json:"lastAcceptedTs"`
	Dwell          map[string]*DwellTracker `json:"dwell,omitempty"`
}

func newState() *State {
	return &State{Dwell: map[string]*DwellTracker{}}
}

func (s *State) inZone(zoneID string) bool {
	return slices.Contains(s.Zones, zoneID)
}

func encodeState(s *State) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return b, nil
}

func decodeState(b []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if s.Dwell == nil {
		s.Dwell = map[string]*DwellTracker{}
	}
	return &s, nil
}
