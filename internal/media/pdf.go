package media

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"
)

// pdfDecoder rasterizes one page of a PDF on first use. fitz documents are not
// safe for concurrent use, so every call holds mu.
type pdfDecoder struct {
	mu   sync.Mutex
	doc  *fitz.Document
	page int // 0-based
	dpi  int
	img  image.Image
}

func openPDF(loc Locator, dpi int) (*pdfDecoder, error) {
	doc, err := fitz.New(loc.Path)
	if err != nil {
		return nil, err
	}
	if loc.Page > doc.NumPage() {
		doc.Close()
		return nil, fmt.Errorf("%s: page %d of %d", loc.Path, loc.Page, doc.NumPage())
	}
	if dpi <= 0 {
		dpi = 150
	}
	return &pdfDecoder{doc: doc, page: loc.Page - 1, dpi: dpi}, nil
}

func (d *pdfDecoder) Frame(ctx context.Context, _ float64) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.img != nil {
		return d.img, nil
	}
	if d.doc == nil {
		return nil, fmt.Errorf("pdf page %d: decoder closed", d.page+1)
	}
	img, err := d.doc.ImageDPI(d.page, float64(d.dpi))
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", d.page+1, err)
	}
	d.img = img
	return img, nil
}

// PageSize returns the page bounds in points at 72 dpi.
func (d *pdfDecoder) PageSize() (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rect, err := d.doc.Bound(d.page)
	if err != nil {
		return 0, 0, err
	}
	return rect.Dx(), rect.Dy(), nil
}

func (d *pdfDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.img = nil
	if d.doc == nil {
		return nil
	}
	err := d.doc.Close()
	d.doc = nil
	return err
}
