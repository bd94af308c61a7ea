// Package schema defines the wire records exchanged between pipeline stages:
// the device-facing location fix, the internal raw fix, and the transition
// event, along with the canonical JSON encoding and HMAC signing that
// authenticate fixes at the edge.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

const Version = 1

// EventType is the kind of zone transition a device produced.
type EventType string

const (
	EventEnter EventType = "enter"
	EventExit  EventType = "exit"
	EventDwell EventType = "dwell"
)

func (t EventType) Valid() bool {
	switch t {
	case EventEnter, EventExit, EventDwell:
		return true
	}
	return false
}

// LocationFix is the payload a device publishes on the location subject.
// Sig covers the canonical form of every other field.
type LocationFix struct {
	V          int            `json:"v"`
	Ts         time.Time      `json:"ts"`
	Lat        float64        `json:"lat"`
	Lon        float64        `json:"lon"`
	SpeedMps   *float64       `json:"speedMps,omitempty"`
	AccuracyM  *float64       `json:"accuracyM,omitempty"`
	BatteryPct *float64       `json:"batteryPct,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
	Sig        string         `json:"sig"`
}

// ParseLocationFix decodes and validates a device payload. It does not verify
// the signature; that requires the device key.
func ParseLocationFix(data []byte) (LocationFix, error) {
	var fix LocationFix
	if err := json.Unmarshal(data, &fix); err != nil {
		return LocationFix{}, fmt.Errorf("failed to decode location fix: %w", err)
	}
	if fix.V != Version {
		return LocationFix{}, fmt.Errorf("unsupported fix version %d", fix.V)
	}
	if fix.Ts.IsZero() {
		return LocationFix{}, fmt.Errorf("missing timestamp")
	}
	if fix.Lat < -90 || fix.Lat > 90 {
		return LocationFix{}, fmt.Errorf("latitude %v out of range", fix.Lat)
	}
	if fix.Lon < -180 || fix.Lon > 180 {
		return LocationFix{}, fmt.Errorf("longitude %v out of range", fix.Lon)
	}
	return fix, nil
}

// RawFix is an authenticated fix on the raw fix stream, keyed by device ID so
// all fixes for one device land on one partition.
type RawFix struct {
	V          int            `json:"v"`
	AccountID  string         `json:"accountId"`
	DeviceID   string         `json:"deviceId"`
	Ts         time.Time      `json:"ts"`
	Lat        float64        `json:"lat"`
	Lon        float64        `json:"lon"`
	SpeedMps   *float64       `json:"speedMps,omitempty"`
	AccuracyM  *float64       `json:"accuracyM,omitempty"`
	BatteryPct *float64       `json:"batteryPct,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// TransitionEvent is an accepted change in a device's zone membership, or a
// crossed dwell threshold, on the transition stream.
type TransitionEvent struct {
	V            int       `json:"v"`
	ID           string    `json:"id"`
	AccountID    string    `json:"accountId"`
	DeviceID     string    `json:"deviceId"`
	GeofenceID   string    `json:"geofenceId"`
	Type         EventType `json:"type"`
	Ts           time.Time `json:"ts"`
	DwellSeconds int64     `json:"dwellSeconds,omitempty"`
	EventHash    string    `json:"eventHash"`
}
