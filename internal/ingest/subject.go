package ingest

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// SubjectPrefix is the device-facing location subject namespace. Devices
	// publish on geofence.<accountId>.<deviceKey>.
	SubjectPrefix = "geofence"
	// MirrorPrefix is the websocket-bridge mirror of the same namespace.
	MirrorPrefix = "ws.geofence"
)

// WildcardSubjects returns the subscription patterns the ingest service
// listens on.
func WildcardSubjects() []string {
	return []string{SubjectPrefix + ".*.*", MirrorPrefix + ".*.*"}
}

// ParseSubject extracts the tenant and device key from a location subject.
// The device key is opaque here; the account ID must be a UUID.
func ParseSubject(subject string) (uuid.UUID, string, error) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix+".")
	if !ok {
		rest, ok = strings.CutPrefix(subject, MirrorPrefix+".")
		if !ok {
			return uuid.Nil, "", fmt.Errorf("subject %q does not match the location pattern", subject)
		}
	}

	parts := strings.Split(rest, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return uuid.Nil, "", fmt.Errorf("subject %q does not match the location pattern", subject)
	}

	accountID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("subject %q has invalid account id: %w", subject, err)
	}
	return accountID, parts[1], nil
}
