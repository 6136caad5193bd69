// Package batch retrieves mosaics for a list of coordinates and writes
// one output image per coordinate. Failures are local to each item: a
// coordinate that fails is reported and the rest of the batch continues.
package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"aerial-imagery/internal/geo"
	"aerial-imagery/internal/mosaic"
	"aerial-imagery/internal/tilesystem"
)

// Assembler is the part of the mosaic assembler the batch runner needs.
type Assembler interface {
	Assemble(ctx context.Context, box geo.BoundingBox) (*mosaic.Mosaic, error)
}

// Processor runs a batch of coordinate retrievals.
type Processor struct {
	Assembler Assembler

	// OutputDir receives one JPEG per successful coordinate.
	OutputDir string

	// SizeMeters is the side length of the square ground area around
	// each coordinate.
	SizeMeters float64

	// Crop trims each mosaic to the exact bounding box instead of
	// keeping the tile-aligned raster.
	Crop bool

	// GeoJSONPath, when set, receives a FeatureCollection with the
	// geographic footprint of every successful mosaic.
	GeoJSONPath string
}

// Result records the outcome for one coordinate.
type Result struct {
	Point  geo.Point
	Path   string
	Level  int
	Mosaic *mosaic.Mosaic
	Err    error
}

// ReadCoordinates parses a coordinate list: one "lat,lon" pair per line,
// with blank lines and #-comments skipped.
func ReadCoordinates(r io.Reader) ([]geo.Point, error) {
	var points []geo.Point
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.Split(text, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: want \"lat,lon\", got %q", line, text)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad latitude: %v", line, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad longitude: %v", line, err)
		}
		p := geo.Point{Lat: lat, Lon: lon}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %v", line, err)
		}
		points = append(points, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

// LoadCoordinates reads a coordinate list from a file.
func LoadCoordinates(path string) ([]geo.Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCoordinates(f)
}

// Run retrieves a mosaic for every point. It returns one Result per
// point in input order, and a non-nil error only when at least one item
// failed (the others still ran) or when the batch could not start at
// all. The caller may abort between items through ctx.
func (p *Processor) Run(ctx context.Context, points []geo.Point) ([]Result, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("no coordinates to process")
	}
	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	results := make([]Result, 0, len(points))
	failed := 0
	for _, pt := range points {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := p.runOne(ctx, pt)
		if res.Err != nil {
			failed++
			log.Printf("coordinate (%v, %v): %v", pt.Lat, pt.Lon, res.Err)
		} else {
			log.Printf("coordinate (%v, %v): level %d, %dx%d tiles -> %s",
				pt.Lat, pt.Lon, res.Level, res.Mosaic.Cols(), res.Mosaic.Rows(), res.Path)
		}
		results = append(results, res)
	}

	if p.GeoJSONPath != "" {
		if err := p.writeFootprints(results); err != nil {
			return results, fmt.Errorf("write footprints: %w", err)
		}
	}

	if failed > 0 {
		return results, fmt.Errorf("%d of %d coordinates failed", failed, len(points))
	}
	return results, nil
}

func (p *Processor) runOne(ctx context.Context, pt geo.Point) Result {
	res := Result{Point: pt}

	box, err := geo.ComputeBoundingBox(pt, p.SizeMeters)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", mosaic.ErrInvalidInput, err)
		return res
	}

	m, err := p.Assembler.Assemble(ctx, box)
	if err != nil {
		res.Err = err
		return res
	}
	res.Mosaic = m
	res.Level = m.Level

	var img image.Image = m.Image
	if p.Crop {
		img = m.Crop()
	}

	res.Path = filepath.Join(p.OutputDir, FileName(pt))
	if err := writeJPEG(res.Path, img); err != nil {
		res.Err = err
		res.Path = ""
	}
	return res
}

// FileName returns the deterministic output name for a coordinate.
func FileName(pt geo.Point) string {
	return fmt.Sprintf("aerialImage_%s_%s.jpeg",
		strconv.FormatFloat(pt.Lat, 'f', -1, 64),
		strconv.FormatFloat(pt.Lon, 'f', -1, 64))
}

func writeJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeFootprints emits a GeoJSON FeatureCollection with one polygon per
// successful mosaic: the geographic extent of its tile range, tagged with
// the level used and the quadkey of its origin tile.
func (p *Processor) writeFootprints(results []Result) error {
	fc := geojson.NewFeatureCollection()
	for _, res := range results {
		if res.Err != nil || res.Mosaic == nil {
			continue
		}
		m := res.Mosaic
		b := m.Bounds()
		bound := orb.Bound{
			Min: orb.Point{b.Lon1, b.Lat2},
			Max: orb.Point{b.Lon2, b.Lat1},
		}
		feature := geojson.NewFeature(bound.ToPolygon())
		feature.Properties = geojson.Properties{
			"center":  []float64{res.Point.Lon, res.Point.Lat},
			"level":   m.Level,
			"quadkey": tilesystem.TileXYToQuadKey(m.TileX1, m.TileY1, m.Level),
			"cols":    m.Cols(),
			"rows":    m.Rows(),
			"image":   filepath.Base(res.Path),
		}
		fc.Append(feature)
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.GeoJSONPath, data, 0o644)
}
