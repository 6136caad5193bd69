package mosaic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aerial-imagery/internal/geo"
	"aerial-imagery/internal/tilesystem"
)

// fakeFetcher synthesizes a solid-color tile per quadkey, and can be told
// to fail or serve the placeholder payload for specific quadkeys.
type fakeFetcher struct {
	mu          sync.Mutex
	calls       int
	failWith    map[string]error
	placeholder map[string]bool
}

const placeholderPayload = "placeholder-tile-bytes"

func (f *fakeFetcher) FetchTile(ctx context.Context, quadKey string) (*Tile, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.failWith[quadKey]; ok {
		return nil, err
	}

	data := []byte(quadKey)
	if f.placeholder[quadKey] {
		data = []byte(placeholderPayload)
	}

	img := image.NewRGBA(image.Rect(0, 0, tilesystem.TileSize, tilesystem.TileSize))
	shade := color.RGBA{R: uint8(len(quadKey) * 10), G: quadKey[len(quadKey)-1], B: 0x40, A: 0xFF}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = shade.R
		img.Pix[i+1] = shade.G
		img.Pix[i+2] = shade.B
		img.Pix[i+3] = shade.A
	}
	return &Tile{Image: img, Data: data}, nil
}

// fakeChecker flags tiles whose raw payload equals the placeholder bytes.
type fakeChecker struct{}

func (fakeChecker) IsPlaceholder(ctx context.Context, t *Tile) (bool, error) {
	return bytes.Equal(t.Data, []byte(placeholderPayload)), nil
}

// bangkokBox returns a box of the given side length around the reference
// coordinate (13.736717, 100.523186).
func bangkokBox(t *testing.T, sizeMeters float64) geo.BoundingBox {
	t.Helper()
	box, err := geo.ComputeBoundingBox(geo.Point{Lat: 13.736717, Lon: 100.523186}, sizeMeters)
	require.NoError(t, err)
	return box
}

// coveringRange returns the tile range of a box at a level, min-ordered.
func coveringRange(box geo.BoundingBox, level int) (tileX1, tileY1, tileX2, tileY2 int) {
	px1, py1 := tilesystem.LatLongToPixelXY(box.Lat1, box.Lon1, level)
	px2, py2 := tilesystem.LatLongToPixelXY(box.Lat2, box.Lon2, level)
	tileX1, tileY1 = tilesystem.PixelXYToTileXY(min(px1, px2), min(py1, py2))
	tileX2, tileY2 = tilesystem.PixelXYToTileXY(max(px1, px2), max(py1, py2))
	return
}

func TestAssembleFinestLevel(t *testing.T) {
	fetcher := &fakeFetcher{}
	a := New(fetcher, fakeChecker{}, Options{})

	m, err := a.Assemble(context.Background(), bangkokBox(t, 20))
	require.NoError(t, err)

	// A small box resolves at the finest level.
	assert.Equal(t, tilesystem.MaxLevel, m.Level)

	// Raster dimensions are exact multiples of the tile size.
	b := m.Image.Bounds()
	assert.Zero(t, b.Dx()%tilesystem.TileSize)
	assert.Zero(t, b.Dy()%tilesystem.TileSize)
	assert.Equal(t, m.Cols()*tilesystem.TileSize, b.Dx())
	assert.Equal(t, m.Rows()*tilesystem.TileSize, b.Dy())

	// The requested box lies inside the raster and spans > 1 pixel.
	assert.True(t, m.Box.In(b))
	assert.Greater(t, m.Box.Dx(), 1)
	assert.Greater(t, m.Box.Dy(), 1)

	// One fetch per tile in the range.
	assert.Equal(t, m.Cols()*m.Rows(), fetcher.calls)
}

func TestAssembleScenario200m(t *testing.T) {
	box := bangkokBox(t, 200)

	// The reference 200 m box spans well over one pixel per axis at the
	// finest level.
	px1, py1 := tilesystem.LatLongToPixelXY(box.Lat1, box.Lon1, tilesystem.MaxLevel)
	px2, py2 := tilesystem.LatLongToPixelXY(box.Lat2, box.Lon2, tilesystem.MaxLevel)
	assert.Greater(t, max(px1, px2)-min(px1, px2), 1)
	assert.Greater(t, max(py1, py2)-min(py1, py2), 1)

	// Assemble with a raster-area cap to keep the test raster small; the
	// assembler still fetches a multi-tile grid and returns a raster
	// whose dimensions are exact multiples of 256.
	fetcher := &fakeFetcher{}
	a := New(fetcher, fakeChecker{}, Options{MaxImagePixels: 4_000_000})

	m, err := a.Assemble(context.Background(), box)
	require.NoError(t, err)
	assert.Greater(t, m.Cols()*m.Rows(), 1)
	assert.Zero(t, m.Image.Bounds().Dx()%tilesystem.TileSize)
	assert.Zero(t, m.Image.Bounds().Dy()%tilesystem.TileSize)
	assert.Equal(t, m.Cols()*m.Rows(), fetcher.calls)
}

func TestAssembleDegenerateBox(t *testing.T) {
	// A centimeter-scale box collapses to at most one pixel even at the
	// finest level.
	fetcher := &fakeFetcher{}
	a := New(fetcher, fakeChecker{}, Options{})

	m, err := a.Assemble(context.Background(), bangkokBox(t, 0.01))
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrNoImagery)
	// The search terminates before fetching anything.
	assert.Zero(t, fetcher.calls)
}

func TestAssemblePlaceholderTileFailsWhole(t *testing.T) {
	box := bangkokBox(t, 20)

	// Mark a tile in the middle of the covering range as the placeholder.
	tileX1, tileY1, tileX2, tileY2 := coveringRange(box, tilesystem.MaxLevel)
	midKey := tilesystem.TileXYToQuadKey((tileX1+tileX2)/2, (tileY1+tileY2)/2, tilesystem.MaxLevel)

	fetcher := &fakeFetcher{placeholder: map[string]bool{midKey: true}}
	a := New(fetcher, fakeChecker{}, Options{})

	m, err := a.Assemble(context.Background(), box)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrTileUnavailable)

	var tileErr *TileUnavailableError
	require.ErrorAs(t, err, &tileErr)
	assert.Equal(t, midKey, tileErr.QuadKey)
	assert.Equal(t, tilesystem.MaxLevel, tileErr.Level)
	assert.NoError(t, tileErr.Err)
}

func TestAssembleFetchErrorFailsWhole(t *testing.T) {
	box := bangkokBox(t, 20)

	tileX1, tileY1, _, _ := coveringRange(box, tilesystem.MaxLevel)
	key := tilesystem.TileXYToQuadKey(tileX1, tileY1, tilesystem.MaxLevel)

	cause := errors.New("connection reset")
	fetcher := &fakeFetcher{failWith: map[string]error{key: cause}}
	a := New(fetcher, fakeChecker{}, Options{})

	m, err := a.Assemble(context.Background(), box)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrTileUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestAssembleSkipsOversizedLevels(t *testing.T) {
	fetcher := &fakeFetcher{}
	// Cap the raster area so the finest level is skipped and the search
	// descends to a coarser one.
	a := New(fetcher, fakeChecker{}, Options{MaxImagePixels: 1_000_000})

	m, err := a.Assemble(context.Background(), bangkokBox(t, 20))
	require.NoError(t, err)
	assert.Less(t, m.Level, tilesystem.MaxLevel)
	assert.LessOrEqual(t, int64(m.Box.Dx())*int64(m.Box.Dy()), int64(1_000_000))
	assert.Greater(t, m.Box.Dx(), 1)
	assert.Greater(t, m.Box.Dy(), 1)
}

func TestAssembleConcurrentMatchesSequential(t *testing.T) {
	box := bangkokBox(t, 20)

	seq, err := New(&fakeFetcher{}, fakeChecker{}, Options{Workers: 1}).Assemble(context.Background(), box)
	require.NoError(t, err)
	par, err := New(&fakeFetcher{}, fakeChecker{}, Options{Workers: 8}).Assemble(context.Background(), box)
	require.NoError(t, err)

	assert.Equal(t, seq.Level, par.Level)
	assert.Equal(t, seq.Image.Bounds(), par.Image.Bounds())
	assert.True(t, bytes.Equal(seq.Image.Pix, par.Image.Pix))
}

func TestAssembleConcurrentFailsFast(t *testing.T) {
	box := bangkokBox(t, 20)

	tileX1, tileY1, _, _ := coveringRange(box, tilesystem.MaxLevel)
	key := tilesystem.TileXYToQuadKey(tileX1, tileY1, tilesystem.MaxLevel)

	fetcher := &fakeFetcher{failWith: map[string]error{key: errors.New("boom")}}
	a := New(fetcher, fakeChecker{}, Options{Workers: 8})

	m, err := a.Assemble(context.Background(), box)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrTileUnavailable)
}

func TestAssembleInvalidInput(t *testing.T) {
	a := New(&fakeFetcher{}, fakeChecker{}, Options{})
	_, err := a.Assemble(context.Background(), geo.BoundingBox{Lat1: 91, Lon1: 0, Lat2: 0, Lon2: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAssembleContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(&fakeFetcher{}, fakeChecker{}, Options{})
	_, err := a.Assemble(ctx, bangkokBox(t, 20))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMosaicCrop(t *testing.T) {
	a := New(&fakeFetcher{}, fakeChecker{}, Options{})
	m, err := a.Assemble(context.Background(), bangkokBox(t, 20))
	require.NoError(t, err)

	crop := m.Crop()
	assert.Equal(t, m.Box.Dx(), crop.Bounds().Dx())
	assert.Equal(t, m.Box.Dy(), crop.Bounds().Dy())
}

func TestMosaicBounds(t *testing.T) {
	a := New(&fakeFetcher{}, fakeChecker{}, Options{})
	box := bangkokBox(t, 20)
	m, err := a.Assemble(context.Background(), box)
	require.NoError(t, err)

	// The tile-aligned raster contains the requested box.
	extent := m.Bounds()
	assert.GreaterOrEqual(t, extent.Lat1, box.Lat1)
	assert.LessOrEqual(t, extent.Lat2, box.Lat2)
	assert.LessOrEqual(t, extent.Lon1, box.Lon1)
	assert.GreaterOrEqual(t, extent.Lon2, box.Lon2)
}

func TestTileUnavailableErrorMessage(t *testing.T) {
	e := &TileUnavailableError{QuadKey: "1320", Level: 4, TileX: 6, TileY: 10}
	assert.Contains(t, e.Error(), "1320")
	assert.Contains(t, e.Error(), "placeholder")

	e.Err = fmt.Errorf("HTTP 503")
	assert.Contains(t, e.Error(), "HTTP 503")
}
