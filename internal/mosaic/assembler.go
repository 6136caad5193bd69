// Package mosaic finds the finest usable zoom level for a bounding box,
// fetches the covering tiles through an injected fetch port, and stitches
// them into one raster.
package mosaic

import (
	"context"
	"fmt"
	"image"
	"image/draw"

	"golang.org/x/sync/errgroup"

	"aerial-imagery/internal/geo"
	"aerial-imagery/internal/tilesystem"
)

// Tile is one fetched 256x256 tile: the decoded raster plus the raw
// encoded bytes as served, which the placeholder check compares against
// the sentinel.
type Tile struct {
	Image image.Image
	Data  []byte
}

// TileFetcher retrieves the tile bitmap identified by a quadkey.
type TileFetcher interface {
	FetchTile(ctx context.Context, quadKey string) (*Tile, error)
}

// PlaceholderChecker reports whether a fetched tile equals the service's
// "no imagery available" sentinel tile.
type PlaceholderChecker interface {
	IsPlaceholder(ctx context.Context, t *Tile) (bool, error)
}

// Options tune the resolution search. Zero values select the reference
// behavior.
type Options struct {
	// MaxLevel is the finest level tried first. Defaults to
	// tilesystem.MaxLevel.
	MaxLevel int

	// MinLevel is the coarsest level the search may descend to.
	// Defaults to 1.
	MinLevel int

	// MaxImagePixels caps the raster area of a candidate level; levels
	// whose pixel span exceeds it are skipped and the search continues
	// coarser. Defaults to 8192*8192*8.
	MaxImagePixels int64

	// Workers sets how many tiles of one mosaic are fetched
	// concurrently. Defaults to 1 (sequential, row-major). Any value
	// preserves the fail-fast all-or-nothing semantics: the first
	// failed or placeholder tile aborts the whole assembly.
	Workers int
}

const defaultMaxImagePixels = 8192 * 8192 * 8

func (o Options) withDefaults() Options {
	if o.MaxLevel <= 0 || o.MaxLevel > tilesystem.MaxLevel {
		o.MaxLevel = tilesystem.MaxLevel
	}
	if o.MinLevel <= 0 {
		o.MinLevel = 1
	}
	if o.MaxImagePixels <= 0 {
		o.MaxImagePixels = defaultMaxImagePixels
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

// Mosaic is an assembled raster: a tile-aligned RGBA image whose
// dimensions are exact multiples of 256, together with the level used and
// the tile range it covers. Box is the requested bounding box's pixel
// rectangle relative to the raster origin.
type Mosaic struct {
	Image *image.RGBA
	Level int

	TileX1, TileY1 int
	TileX2, TileY2 int

	Box image.Rectangle
}

// Cols returns the number of tile columns in the mosaic.
func (m *Mosaic) Cols() int { return m.TileX2 - m.TileX1 + 1 }

// Rows returns the number of tile rows in the mosaic.
func (m *Mosaic) Rows() int { return m.TileY2 - m.TileY1 + 1 }

// Crop returns the sub-image covering exactly the requested bounding
// box. The returned image shares pixels with the full mosaic.
func (m *Mosaic) Crop() image.Image {
	return m.Image.SubImage(m.Box)
}

// Bounds returns the geographic extent of the full tile-aligned raster.
func (m *Mosaic) Bounds() geo.BoundingBox {
	px1, py1 := tilesystem.TileXYToPixelXY(m.TileX1, m.TileY1)
	px2, py2 := tilesystem.TileXYToPixelXY(m.TileX2+1, m.TileY2+1)
	lat1, lon1 := tilesystem.PixelXYToLatLong(px1, py1, m.Level)
	lat2, lon2 := tilesystem.PixelXYToLatLong(px2-1, py2-1, m.Level)
	return geo.BoundingBox{Lat1: lat1, Lon1: lon1, Lat2: lat2, Lon2: lon2}
}

// Assembler orchestrates the resolution search and stitching for one
// bounding box at a time. Safe for concurrent use as long as its ports
// are.
type Assembler struct {
	fetcher TileFetcher
	checker PlaceholderChecker
	opts    Options
}

// New returns an assembler using the given fetch and placeholder-check
// ports.
func New(fetcher TileFetcher, checker PlaceholderChecker, opts Options) *Assembler {
	return &Assembler{
		fetcher: fetcher,
		checker: checker,
		opts:    opts.withDefaults(),
	}
}

// Assemble retrieves the highest-resolution mosaic available for the
// bounding box.
//
// Levels are tried from the finest down. A level whose raster would
// exceed MaxImagePixels is skipped; a level where the box spans at most
// one pixel in either axis terminates the search with ErrNoImagery,
// since the span only shrinks at coarser levels. At the selected level
// every covering tile is fetched and checked; the first fetch failure or
// placeholder tile aborts the whole assembly with a
// *TileUnavailableError. Partial mosaics are never produced.
func (a *Assembler) Assemble(ctx context.Context, box geo.BoundingBox) (*Mosaic, error) {
	for _, p := range []geo.Point{{Lat: box.Lat1, Lon: box.Lon1}, {Lat: box.Lat2, Lon: box.Lon2}} {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	for level := a.opts.MaxLevel; level >= a.opts.MinLevel; level-- {
		px1, py1 := tilesystem.LatLongToPixelXY(box.Lat1, box.Lon1, level)
		px2, py2 := tilesystem.LatLongToPixelXY(box.Lat2, box.Lon2, level)
		if px1 > px2 {
			px1, px2 = px2, px1
		}
		if py1 > py2 {
			py1, py2 = py2, py1
		}

		// The box collapses to at most one pixel per axis. Coarser
		// levels only shrink the span further, so the search is over.
		if px2-px1 <= 1 || py2-py1 <= 1 {
			return nil, fmt.Errorf("%w: box spans %dx%d pixels at level %d", ErrNoImagery, px2-px1, py2-py1, level)
		}

		if int64(px2-px1)*int64(py2-py1) > a.opts.MaxImagePixels {
			continue
		}

		tileX1, tileY1 := tilesystem.PixelXYToTileXY(px1, py1)
		tileX2, tileY2 := tilesystem.PixelXYToTileXY(px2, py2)

		m := &Mosaic{
			Image:  image.NewRGBA(image.Rect(0, 0, (tileX2-tileX1+1)*tilesystem.TileSize, (tileY2-tileY1+1)*tilesystem.TileSize)),
			Level:  level,
			TileX1: tileX1,
			TileY1: tileY1,
			TileX2: tileX2,
			TileY2: tileY2,
			Box:    image.Rect(px1-tileX1*tilesystem.TileSize, py1-tileY1*tilesystem.TileSize, px2-tileX1*tilesystem.TileSize, py2-tileY1*tilesystem.TileSize),
		}

		var err error
		if a.opts.Workers > 1 {
			err = a.fetchConcurrent(ctx, m)
		} else {
			err = a.fetchSequential(ctx, m)
		}
		if err != nil {
			return nil, err
		}
		return m, nil
	}

	return nil, fmt.Errorf("%w: no level in [%d, %d] fits the bounding box", ErrNoImagery, a.opts.MinLevel, a.opts.MaxLevel)
}

// fetchSequential walks the tile range in row-major order, one tile at a
// time, placing each into the mosaic as it arrives.
func (a *Assembler) fetchSequential(ctx context.Context, m *Mosaic) error {
	for tileY := m.TileY1; tileY <= m.TileY2; tileY++ {
		for tileX := m.TileX1; tileX <= m.TileX2; tileX++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := a.fetchOne(ctx, m, tileX, tileY); err != nil {
				return err
			}
		}
	}
	return nil
}

// fetchConcurrent fetches the same tile set with a bounded worker group.
// Placement is a pure function of the tile index, so completion order
// does not matter; the first failure cancels the rest of the group.
func (a *Assembler) fetchConcurrent(ctx context.Context, m *Mosaic) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)
	for tileY := m.TileY1; tileY <= m.TileY2; tileY++ {
		for tileX := m.TileX1; tileX <= m.TileX2; tileX++ {
			tileX, tileY := tileX, tileY
			g.Go(func() error {
				return a.fetchOne(ctx, m, tileX, tileY)
			})
		}
	}
	return g.Wait()
}

// fetchOne fetches and validates a single tile and draws it at its slot.
// Concurrent calls write disjoint rectangles of the mosaic.
func (a *Assembler) fetchOne(ctx context.Context, m *Mosaic, tileX, tileY int) error {
	quadKey := tilesystem.TileXYToQuadKey(tileX, tileY, m.Level)

	t, err := a.fetcher.FetchTile(ctx, quadKey)
	if err != nil {
		return &TileUnavailableError{QuadKey: quadKey, Level: m.Level, TileX: tileX, TileY: tileY, Err: err}
	}

	placeholder, err := a.checker.IsPlaceholder(ctx, t)
	if err != nil {
		return &TileUnavailableError{QuadKey: quadKey, Level: m.Level, TileX: tileX, TileY: tileY, Err: err}
	}
	if placeholder {
		return &TileUnavailableError{QuadKey: quadKey, Level: m.Level, TileX: tileX, TileY: tileY}
	}

	b := t.Image.Bounds()
	if b.Dx() != tilesystem.TileSize || b.Dy() != tilesystem.TileSize {
		return &TileUnavailableError{
			QuadKey: quadKey, Level: m.Level, TileX: tileX, TileY: tileY,
			Err: fmt.Errorf("got %dx%d tile, want %dx%d", b.Dx(), b.Dy(), tilesystem.TileSize, tilesystem.TileSize),
		}
	}

	xoff := (tileX - m.TileX1) * tilesystem.TileSize
	yoff := (tileY - m.TileY1) * tilesystem.TileSize
	dst := image.Rect(xoff, yoff, xoff+tilesystem.TileSize, yoff+tilesystem.TileSize)
	draw.Draw(m.Image, dst, t.Image, b.Min, draw.Src)
	return nil
}
