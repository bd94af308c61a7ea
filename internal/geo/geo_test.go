package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeo_HaversineM(t *testing.T) {
	t.Parallel()

	sf := Point{Lat: 37.7749, Lon: -122.4194}

	// Same point.
	require.Zero(t, HaversineM(sf, sf))

	// One degree of latitude is ~111.2 km.
	north := Point{Lat: 38.7749, Lon: -122.4194}
	d := HaversineM(sf, north)
	require.InDelta(t, 111195, d, 200)

	// ~0.01 degrees of latitude is ~1.1 km, the processor's candidate radius.
	near := Point{Lat: 37.7849, Lon: -122.4194}
	require.InDelta(t, 1112, HaversineM(sf, near), 5)

	// Symmetry.
	require.Equal(t, HaversineM(sf, north), HaversineM(north, sf))
}

func TestGeo_PointInPolygon(t *testing.T) {
	t.Parallel()

	square := []Point{
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 10},
		{Lat: 10, Lon: 10},
		{Lat: 10, Lon: 0},
	}

	tests := []struct {
		name string
		ring []Point
		p    Point
		want bool
	}{
		{name: "center of square", ring: square, p: Point{Lat: 5, Lon: 5}, want: true},
		{name: "outside square", ring: square, p: Point{Lat: 15, Lon: 5}, want: false},
		{name: "outside west", ring: square, p: Point{Lat: 5, Lon: -1}, want: false},
		{name: "closed ring accepted", ring: append(append([]Point{}, square...), square[0]), p: Point{Lat: 5, Lon: 5}, want: true},
		{name: "degenerate two-vertex ring", ring: square[:2], p: Point{Lat: 0, Lon: 5}, want: false},
		{
			name: "concave notch excluded",
			ring: []Point{
				{Lat: 0, Lon: 0}, {Lat: 0, Lon: 10}, {Lat: 10, Lon: 10},
				{Lat: 10, Lon: 6}, {Lat: 2, Lon: 5}, {Lat: 10, Lon: 4}, {Lat: 10, Lon: 0},
			},
			p:    Point{Lat: 8, Lon: 5},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, PointInPolygon(tt.p, tt.ring))
		})
	}
}

func TestGeo_BoundingBox(t *testing.T) {
	t.Parallel()

	center := Point{Lat: 37.7749, Lon: -122.4194}
	box := BoundingBox(center, 1000)

	require.True(t, box.Contains(center))
	// A point 500 m north is inside the 1 km box.
	require.True(t, box.Contains(Point{Lat: 37.7794, Lon: -122.4194}))
	// A point ~2 km east is outside.
	require.False(t, box.Contains(Point{Lat: 37.7749, Lon: -122.3967}))

	// Near the pole the box spans all longitudes.
	polar := BoundingBox(Point{Lat: 89.9999, Lon: 0}, 1000)
	require.True(t, polar.Contains(Point{Lat: 89.9999, Lon: 179}))
}
