package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// EventHash derives the dedup key for a transition. The same logical event
// always hashes to the same value, so replays collapse on the
// (account_id, event_hash) unique index. Dwell events include their ladder
// threshold (minutes): one fix can cross several thresholds at the same
// timestamp, and each is its own logical event. Enter/exit pass 0.
func EventHash(deviceID, geofenceID string, typ EventType, ts time.Time, dwellThreshold int64) string {
	kind := string(typ)
	if typ == EventDwell {
		kind = fmt.Sprintf("%s:%d", typ, dwellThreshold)
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s",
		deviceID, geofenceID, kind, ts.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(sum[:])[:16]
}
