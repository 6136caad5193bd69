// Package geo holds the geographic input types consumed by the mosaic
// assembler and the bounding-box approximation that turns a center point
// plus a side length into box corners.
package geo

import (
	"fmt"
	"math"

	"aerial-imagery/internal/tilesystem"
)

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Clamped returns the point with latitude clipped to the Mercator
// validity range and longitude clipped to [-180, 180].
func (p Point) Clamped() Point {
	return Point{
		Lat: tilesystem.Clip(p.Lat, tilesystem.MinLatitude, tilesystem.MaxLatitude),
		Lon: tilesystem.Clip(p.Lon, tilesystem.MinLongitude, tilesystem.MaxLongitude),
	}
}

// Validate reports whether the point is a usable coordinate.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) {
		return fmt.Errorf("coordinate (%v, %v) is not finite", p.Lat, p.Lon)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", p.Lat)
	}
	if p.Lon < tilesystem.MinLongitude || p.Lon > tilesystem.MaxLongitude {
		return fmt.Errorf("longitude %v out of range [-180, 180]", p.Lon)
	}
	return nil
}

// BoundingBox is a requested ground area: upper-left corner (Lat1, Lon1)
// and lower-right corner (Lat2, Lon2), in degrees.
type BoundingBox struct {
	Lat1 float64
	Lon1 float64
	Lat2 float64
	Lon2 float64
}

// ComputeBoundingBox returns a square bounding box of the given side
// length in meters centered on the given point, using a spherical
// approximation: angular height size/R, angular width widened by
// 1/cos(lat) to account for meridian convergence.
func ComputeBoundingBox(center Point, sizeMeters float64) (BoundingBox, error) {
	if err := center.Validate(); err != nil {
		return BoundingBox{}, err
	}
	if sizeMeters <= 0 || math.IsNaN(sizeMeters) || math.IsInf(sizeMeters, 0) {
		return BoundingBox{}, fmt.Errorf("box size %v must be a positive number of meters", sizeMeters)
	}

	center = center.Clamped()
	latRad := center.Lat * math.Pi / 180
	lonRad := center.Lon * math.Pi / 180

	dLat := sizeMeters / tilesystem.EarthRadius
	dLon := sizeMeters / (tilesystem.EarthRadius * math.Cos(latRad))

	toDeg := 180 / math.Pi
	return BoundingBox{
		Lat1: (latRad + dLat/2) * toDeg,
		Lon1: (lonRad - dLon/2) * toDeg,
		Lat2: (latRad - dLat/2) * toDeg,
		Lon2: (lonRad + dLon/2) * toDeg,
	}, nil
}
