// Package tilesystem implements the Bing Maps quadtree tile addressing
// scheme: the bidirectional mapping between WGS84 coordinates, the global
// pixel space of a zoom level, tile indices, and quadkeys.
//
// All functions are pure and safe for concurrent use. Inputs are clipped
// to the projectable range inside each function, so callers never have to
// pre-validate coordinates to stay addressable.
package tilesystem

import (
	"fmt"
	"math"
	"strings"
)

const (
	// EarthRadius is the Earth radius in meters used by the spherical
	// Mercator model (WGS84 semi-major axis).
	EarthRadius = 6378137.0

	// MinLatitude and MaxLatitude bound the latitudes representable in
	// spherical Mercator.
	MinLatitude = -85.05112878
	MaxLatitude = 85.05112878

	MinLongitude = -180.0
	MaxLongitude = 180.0

	// TileSize is the edge length of one tile in pixels.
	TileSize = 256

	// MaxLevel is the finest zoom level of the tile pyramid. At level 23
	// the ground resolution is sub-meter everywhere.
	MaxLevel = 23
)

// Clip clamps v into [min, max].
func Clip(v, min, max float64) float64 {
	return math.Min(math.Max(v, min), max)
}

// MapSize returns the width and height, in pixels, of the world map at
// the given level of detail.
func MapSize(level int) int {
	return TileSize << uint(level)
}

// GroundResolution returns the ground distance in meters covered by a
// single pixel at the given latitude and level. Resolution is finest at
// the equator and at high levels.
func GroundResolution(latitude float64, level int) float64 {
	latitude = Clip(latitude, MinLatitude, MaxLatitude)
	return math.Cos(latitude*math.Pi/180) * 2 * math.Pi * EarthRadius / float64(MapSize(level))
}

// LatLongToPixelXY projects a WGS84 coordinate into the global pixel
// space of the given level. Longitude maps linearly, latitude through the
// Mercator sine/log transform. The result is clipped into
// [0, MapSize(level)-1] on both axes.
func LatLongToPixelXY(latitude, longitude float64, level int) (pixelX, pixelY int) {
	latitude = Clip(latitude, MinLatitude, MaxLatitude)
	longitude = Clip(longitude, MinLongitude, MaxLongitude)

	x := (longitude + 180) / 360
	sinLat := math.Sin(latitude * math.Pi / 180)
	y := 0.5 - math.Log((1+sinLat)/(1-sinLat))/(4*math.Pi)

	size := float64(MapSize(level))
	pixelX = int(Clip(x*size+0.5, 0, size-1))
	pixelY = int(Clip(y*size+0.5, 0, size-1))
	return pixelX, pixelY
}

// PixelXYToLatLong is the inverse of LatLongToPixelXY: it converts a
// global pixel coordinate at the given level back to WGS84 degrees.
func PixelXYToLatLong(pixelX, pixelY, level int) (latitude, longitude float64) {
	size := float64(MapSize(level))
	x := Clip(float64(pixelX), 0, size-1)/size - 0.5
	y := 0.5 - Clip(float64(pixelY), 0, size-1)/size

	latitude = 90 - 360*math.Atan(math.Exp(-y*2*math.Pi))/math.Pi
	longitude = 360 * x
	return latitude, longitude
}

// PixelXYToTileXY returns the index of the tile containing the given
// pixel. Tile indices are level-independent given pixel coordinates of
// that level.
func PixelXYToTileXY(pixelX, pixelY int) (tileX, tileY int) {
	return pixelX / TileSize, pixelY / TileSize
}

// TileXYToPixelXY returns the global pixel coordinate of the upper-left
// corner of the given tile.
func TileXYToPixelXY(tileX, tileY int) (pixelX, pixelY int) {
	return tileX * TileSize, tileY * TileSize
}

// TileXYToQuadKey encodes a tile index at the given level as a quadkey:
// one base-4 digit per level, most significant first, where each digit is
// 2*bit(tileY) + bit(tileX) at that bit position.
func TileXYToQuadKey(tileX, tileY, level int) string {
	var b strings.Builder
	b.Grow(level)
	for i := level; i > 0; i-- {
		digit := byte('0')
		mask := 1 << (i - 1)
		if tileX&mask != 0 {
			digit++
		}
		if tileY&mask != 0 {
			digit += 2
		}
		b.WriteByte(digit)
	}
	return b.String()
}

// QuadKeyToTileXY decodes a quadkey back into its tile index and level.
// The level equals the key length. Digits outside 0-3 are an error.
func QuadKeyToTileXY(quadKey string) (tileX, tileY, level int, err error) {
	level = len(quadKey)
	for i := level; i > 0; i-- {
		mask := 1 << (i - 1)
		switch quadKey[level-i] {
		case '0':
		case '1':
			tileX |= mask
		case '2':
			tileY |= mask
		case '3':
			tileX |= mask
			tileY |= mask
		default:
			return 0, 0, 0, fmt.Errorf("invalid quadkey %q: bad digit at index %d", quadKey, level-i)
		}
	}
	return tileX, tileY, level, nil
}
