package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/zoneflow/zoneflow/internal/geo"
)

type ZoneKind string

const (
	ZonePolygon ZoneKind = "polygon"
	ZoneCircle  ZoneKind = "circle"
	ZonePoint   ZoneKind = "point"
)

type Zone struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Name      string
	Kind      ZoneKind
	Ring      []geo.Point
	Center    geo.Point
	RadiusM   float64
	Active    bool
}

// Contains reports precise containment of p in the zone. Point zones behave
// as small circles with their configured radius.
func (z Zone) Contains(p geo.Point) bool {
	switch z.Kind {
	case ZonePolygon:
		return geo.PointInPolygon(p, z.Ring)
	case ZoneCircle, ZonePoint:
		return geo.HaversineM(z.Center, p) <= z.RadiusM
	}
	return false
}

// ActiveZonesNear returns the tenant's active zones whose geometry lies
// within radiusM of p. The spatial index does the prefilter; precise
// containment stays with the caller.
func (s *Store) ActiveZonesNear(ctx context.Context, accountID uuid.UUID, p geo.Point, radiusM float64) ([]Zone, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, name, kind, ring, center_lat, center_lon, radius_m, active
		FROM geofences
		WHERE account_id = $1
		  AND active
		  AND ST_DWithin(geom, ST_SetSRID(ST_MakePoint($3, $2), 4326)::geography, $4)`,
		accountID, p.Lat, p.Lon, radiusM,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		var (
			z         Zone
			ring      []byte
			centerLat *float64
			centerLon *float64
			radius    *float64
		)
		if err := rows.Scan(&z.ID, &z.AccountID, &z.Name, &z.Kind, &ring, &centerLat, &centerLon, &radius, &z.Active); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		if len(ring) > 0 {
			if err := json.Unmarshal(ring, &z.Ring); err != nil {
				return nil, fmt.Errorf("failed to decode zone ring: %w", err)
			}
		}
		if centerLat != nil {
			z.Center.Lat = *centerLat
		}
		if centerLon != nil {
			z.Center.Lon = *centerLon
		}
		if radius != nil {
			z.RadiusM = *radius
		}
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read zones: %w", err)
	}
	return zones, nil
}
