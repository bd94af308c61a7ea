package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/zoneflow/zoneflow/internal/schema"
)

type Rule struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	GeofenceID      uuid.UUID
	DeviceID        *uuid.UUID
	AutomationID    uuid.UUID
	OnEvents        []string
	MinDwellSeconds int64
	DeviceFilter    map[string]string
	Enabled         bool
}

type Automation struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Kind      string
	Config    map[string]any
	Enabled   bool
}

// MatchedRule pairs an enabled rule with its enabled automation.
type MatchedRule struct {
	Rule       Rule
	Automation Automation
}

// MatchRules returns the rules a transition event fires: enabled rule and
// automation on the event's zone, event type selected, device either
// unscoped or equal to the event's device, and the dwell floor satisfied.
// Device-filter evaluation stays with the caller.
func (s *Store) MatchRules(ctx context.Context, ev schema.TransitionEvent) ([]MatchedRule, error) {
	dwell := ev.DwellSeconds
	if dwell < 0 {
		dwell = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.account_id, r.geofence_id, r.device_id, r.automation_id,
		       r.on_events, r.min_dwell_seconds, r.device_filter,
		       a.id, a.account_id, a.kind, a.config
		FROM automation_rules r
		JOIN automations a ON a.id = r.automation_id
		WHERE r.account_id = $1
		  AND r.geofence_id = $2
		  AND r.enabled
		  AND a.enabled
		  AND $3 = ANY(r.on_events)
		  AND (r.device_id IS NULL OR r.device_id = $4)
		  AND r.min_dwell_seconds <= $5`,
		ev.AccountID, ev.GeofenceID, string(ev.Type), ev.DeviceID, dwell,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to match rules: %w", err)
	}
	defer rows.Close()

	var matched []MatchedRule
	for rows.Next() {
		var (
			m      MatchedRule
			filter []byte
			config []byte
		)
		if err := rows.Scan(
			&m.Rule.ID, &m.Rule.AccountID, &m.Rule.GeofenceID, &m.Rule.DeviceID, &m.Rule.AutomationID,
			&m.Rule.OnEvents, &m.Rule.MinDwellSeconds, &filter,
			&m.Automation.ID, &m.Automation.AccountID, &m.Automation.Kind, &config,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		m.Rule.Enabled = true
		m.Automation.Enabled = true
		if len(filter) > 0 {
			if err := json.Unmarshal(filter, &m.Rule.DeviceFilter); err != nil {
				return nil, fmt.Errorf("failed to decode device filter: %w", err)
			}
		}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &m.Automation.Config); err != nil {
				return nil, fmt.Errorf("failed to decode automation config: %w", err)
			}
		}
		matched = append(matched, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return matched, nil
}
