// Package geo provides the planar/spherical geometry used by the geofence
// processor: haversine distance, ray-casting point-in-polygon, and the
// bounding-box prefilter applied before precise containment checks.
package geo

import "math"

const earthRadiusM = 6371008.8

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// PointInPolygon reports whether p lies inside the ring using ray casting.
// The ring may be open or closed; vertices on an edge count as inside enough
// for geofencing purposes.
func PointInPolygon(p Point, ring []Point) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	// Drop an explicit closing vertex.
	if ring[0] == ring[n-1] {
		n--
		if n < 3 {
			return false
		}
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := ring[i], ring[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) {
			x := (vj.Lon-vi.Lon)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
	}
	return inside
}

// BoundingBox returns the lat/lon envelope radiusM meters around center.
// Longitude spread widens toward the poles; at the poles the box covers all
// longitudes.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func BoundingBox(center Point, radiusM float64) Box {
	dLat := radiusM / earthRadiusM * 180 / math.Pi
	cosLat := math.Cos(center.Lat * math.Pi / 180)

	var dLon float64
	if cosLat < 1e-9 {
		dLon = 180
	} else {
		dLon = dLat / cosLat
	}

	return Box{
		MinLat: math.Max(center.Lat-dLat, -90),
		MaxLat: math.Min(center.Lat+dLat, 90),
		MinLon: math.Max(center.Lon-dLon, -180),
		MaxLon: math.Min(center.Lon+dLon, 180),
	}
}

// Contains reports whether p falls within the box.
func (b Box) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}
