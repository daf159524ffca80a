package media

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// stillDecoder serves one decoded image for every timestamp
type stillDecoder struct {
	img image.Image
}

func openImage(path string) (*stillDecoder, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	return &stillDecoder{img: img}, nil
}

func (d *stillDecoder) Frame(ctx context.Context, _ float64) (image.Image, error) {
	return d.img, ctx.Err()
}

func (d *stillDecoder) Close() error {
	d.img = nil
	return nil
}
