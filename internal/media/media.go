// Package media opens per-asset decoder handles and caches them for the compositor's callers.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"

	"github.com/ivlev/vidcomposer/internal/scene"
)

var (
	// ErrAssetMissing means the source file does not exist. Retrying will not help.
	ErrAssetMissing = errors.New("asset missing")
	// ErrNotVisual is returned for assets that have no pixels to decode.
	ErrNotVisual = errors.New("asset has no visual stream")
)

// Decoder is an open handle on one asset. Implementations are safe for concurrent use.
// Returned images must be treated as read-only by callers.
type Decoder interface {
	Frame(ctx context.Context, t float64) (image.Image, error)
	Close() error
}

// Opener creates decoder handles
type Opener interface {
	Open(ctx context.Context, a scene.MediaAsset) (Decoder, error)
}

// FileOpener opens assets from the local filesystem.
type FileOpener struct {
	FFmpeg  string
	FFprobe string
	DPI     int // PDF page raster density
}

func NewFileOpener(ffmpeg, ffprobe string) *FileOpener {
	return &FileOpener{FFmpeg: ffmpeg, FFprobe: ffprobe, DPI: 150}
}

func (o *FileOpener) Open(ctx context.Context, a scene.MediaAsset) (Decoder, error) {
	loc := ParseLocator(a.Source)
	if _, err := os.Stat(loc.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", loc.Path, ErrAssetMissing)
		}
		return nil, err
	}

	var (
		d   Decoder
		err error
	)
	switch {
	case a.Kind == scene.KindImage && loc.IsPDF():
		d, err = openPDF(loc, o.DPI)
	case a.Kind == scene.KindImage:
		d, err = openImage(loc.Path)
	case a.Kind == scene.KindVideo:
		d, err = openVideo(ctx, o.FFmpeg, o.FFprobe, a, loc.Path)
	default:
		return nil, fmt.Errorf("%s (%s): %w", a.ID, a.Kind, ErrNotVisual)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Locator is a parsed asset source: a path with an optional 1-based page fragment, e.g. "deck.pdf#page=3".
type Locator struct {
	Path string
	Page int
}

func ParseLocator(src string) Locator {
	path, frag, found := strings.Cut(src, "#")
	loc := Locator{Path: path, Page: 1}
	if !found {
		return loc
	}
	if v, ok := strings.CutPrefix(frag, "page="); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			loc.Page = n
		}
	}
	return loc
}

func (l Locator) IsPDF() bool {
	return strings.HasSuffix(strings.ToLower(l.Path), ".pdf")
}
