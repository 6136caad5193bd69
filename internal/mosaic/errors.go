package mosaic

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks malformed or out-of-range geographic input.
var ErrInvalidInput = errors.New("invalid input")

// ErrNoImagery marks a bounding box that collapses to a degenerate pixel
// span at every tried level.
var ErrNoImagery = errors.New("no imagery available for bounding box")

// ErrTileUnavailable marks an assembly aborted because a tile could not
// be fetched or came back as the placeholder sentinel. Use errors.Is with
// this value; errors.As with *TileUnavailableError exposes the tile.
var ErrTileUnavailable = errors.New("tile unavailable")

// TileUnavailableError reports the first tile that failed an assembly.
// Err is nil when the tile was fetched but matched the placeholder.
type TileUnavailableError struct {
	QuadKey string
	Level   int
	TileX   int
	TileY   int
	Err     error
}

func (e *TileUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tile %s (level %d, %d/%d) unavailable: %v", e.QuadKey, e.Level, e.TileX, e.TileY, e.Err)
	}
	return fmt.Sprintf("tile %s (level %d, %d/%d) has no imagery (placeholder tile)", e.QuadKey, e.Level, e.TileX, e.TileY)
}

func (e *TileUnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTileUnavailable) match regardless of cause.
func (e *TileUnavailableError) Is(target error) bool { return target == ErrTileUnavailable }
