package compositor

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/ivlev/vidcomposer/internal/scene"
)

// layer is one clip rendered in its own local space before placement. The content
// rectangle sits inside img at rect, surrounded by pad pixels for shadow and outline.
type layer struct {
	img  *image.RGBA
	rect image.Rectangle
	k    float64

	radius       float64 // px
	clipPath     bool
	shadow       *scene.Shadow
	blur         float64 // px
	brightness   float64 // factor
	opacity      float64 // 0..1
	outlineColor string
	outlineWidth float64 // px
}

// paint is what a content stage produces: layer-sized pixels plus the silhouette used
// for the shadow. A nil silhouette means the clip shape.
type paint struct {
	img        *image.RGBA
	silhouette *image.Alpha
}

type contentFunc func(l *layer) (paint, error)

// stage is one step of the effect chain. Stages run in the fixed order of effectStages.
type stage func(l *layer, p *paint, shape *image.Alpha)

var effectStages = []stage{shadowStage, clipPathStage, filterStage, contentStage, outlineStage}

func newLayer(c scene.Clip, wpx, hpx, k float64) *layer {
	if wpx <= 0 || hpx <= 0 {
		return nil
	}
	cw := max(1, int(math.Round(wpx)))
	ch := max(1, int(math.Round(hpx)))

	l := &layer{k: k, brightness: 1, opacity: clamp01(c.Transform.Opacity / 100)}
	extent := 0.0
	switch {
	case c.Text != nil:
		l.shadow = c.Text.Style.Shadow
		extent = c.Text.Style.StrokeWidth * k
	case c.Style != nil:
		st := c.Style
		l.radius = st.BorderRadius * k
		l.clipPath = true
		l.shadow = st.Shadow
		l.blur = st.Blur * k
		if st.Brightness > 0 {
			l.brightness = st.Brightness / 100
		}
		l.outlineColor = st.OutlineColor
		l.outlineWidth = st.OutlineWidth * k
		extent = l.outlineWidth / 2
	default:
		l.clipPath = true
	}
	if l.shadow != nil {
		sh := l.shadow
		extent = math.Max(extent, (math.Max(math.Abs(sh.X), math.Abs(sh.Y))+1.5*sh.Blur)*k)
	}
	pad := int(math.Ceil(extent)) + 1

	l.img = image.NewRGBA(image.Rect(0, 0, cw+2*pad, ch+2*pad))
	l.rect = image.Rect(pad, pad, pad+cw, pad+ch)
	return l
}

// run produces the content and applies the effect stages
func (l *layer) run(content contentFunc) error {
	p, err := content(l)
	if err != nil {
		return err
	}
	shape := l.shapeMask(0)
	for _, st := range effectStages {
		st(l, &p, shape)
	}
	return nil
}

// shapeMask rasterizes the clip rectangle, rounded by radius, grown by d pixels on every side.
func (l *layer) shapeMask(d float64) *image.Alpha {
	r := l.rect
	return roundRectMask(l.img.Bounds().Size(),
		float64(r.Min.X)-d, float64(r.Min.Y)-d, float64(r.Max.X)+d, float64(r.Max.Y)+d,
		math.Max(0, l.radius+d))
}

func shadowStage(l *layer, p *paint, shape *image.Alpha) {
	if l.shadow == nil {
		return
	}
	sil := p.silhouette
	if sil == nil {
		sil = shape
	}
	col := parseColorOr(l.shadow.Color, color.NRGBA{A: 128})
	b := l.img.Bounds()
	off := image.Pt(int(math.Round(l.shadow.X*l.k)), int(math.Round(l.shadow.Y*l.k)))

	tmp := image.NewRGBA(b)
	draw.DrawMask(tmp, b.Add(off), image.NewUniform(col), image.Point{}, sil, b.Min, draw.Over)

	var src image.Image = tmp
	if sigma := l.shadow.Blur * l.k / 2; sigma > 0 {
		src = imaging.Blur(tmp, sigma)
	}
	draw.Draw(l.img, b, src, b.Min, draw.Over)
}

// clipPathStage restricts the content to the clip shape. Text keeps the full layer.
func clipPathStage(l *layer, p *paint, shape *image.Alpha) {
	// Без скругления форма совпадает с прямоугольником контента
	if !l.clipPath || l.radius <= 0 {
		return
	}
	maskInto(p.img, shape)
}

func filterStage(l *layer, p *paint, _ *image.Alpha) {
	var img image.Image = p.img
	changed := false
	if l.brightness != 1 {
		f := l.brightness
		img = imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
			return color.NRGBA{R: scaleByte(c.R, f), G: scaleByte(c.G, f), B: scaleByte(c.B, f), A: c.A}
		})
		changed = true
	}
	if l.blur > 0 {
		img = imaging.Blur(img, l.blur)
		changed = true
	}
	if changed {
		out := image.NewRGBA(p.img.Bounds())
		draw.Draw(out, out.Bounds(), img, image.Point{}, draw.Src)
		p.img = out
	}
	if l.opacity < 1 {
		scalePremultiplied(p.img, l.opacity)
	}
}

func contentStage(l *layer, p *paint, _ *image.Alpha) {
	draw.Draw(l.img, l.img.Bounds(), p.img, image.Point{}, draw.Over)
}

// outlineStage strokes the shape edge. The stroke straddles the edge like a centred line.
func outlineStage(l *layer, _ *paint, _ *image.Alpha) {
	if l.outlineWidth <= 0 || l.outlineColor == "" {
		return
	}
	col, ok := ParseColor(l.outlineColor)
	if !ok {
		return
	}
	half := l.outlineWidth / 2
	ring := l.shapeMask(half)
	subtractMask(ring, l.shapeMask(-half))
	draw.DrawMask(l.img, l.img.Bounds(), image.NewUniform(col), image.Point{}, ring, image.Point{}, draw.Over)
}

// mediaContent scales the asset image, or its crop rectangle, onto the content rect.
// X and Y scale independently, so a crop may change the aspect ratio.
func mediaContent(src image.Image, crop *scene.Crop) contentFunc {
	return func(l *layer) (paint, error) {
		out := image.NewRGBA(l.img.Bounds())
		sr := src.Bounds()
		if crop != nil && crop.Width > 0 && crop.Height > 0 {
			cr := image.Rect(
				int(math.Round(crop.X)), int(math.Round(crop.Y)),
				int(math.Round(crop.X+crop.Width)), int(math.Round(crop.Y+crop.Height)),
			).Add(sr.Min)
			if cr = cr.Intersect(sr); !cr.Empty() {
				sr = cr
			}
		}
		draw.BiLinear.Scale(out, l.rect, src, sr, draw.Src, nil)
		return paint{img: out}, nil
	}
}

func roundRectMask(size image.Point, x0, y0, x1, y1, r float64) *image.Alpha {
	mask := image.NewAlpha(image.Rectangle{Max: size})
	if x1 <= x0 || y1 <= y0 {
		return mask
	}
	r = math.Min(r, math.Min((x1-x0)/2, (y1-y0)/2))

	z := vector.NewRasterizer(size.X, size.Y)
	ax, ay, bx, by, rr := float32(x0), float32(y0), float32(x1), float32(y1), float32(r)
	if rr <= 0 {
		z.MoveTo(ax, ay)
		z.LineTo(bx, ay)
		z.LineTo(bx, by)
		z.LineTo(ax, by)
	} else {
		// Четверть окружности кубической кривой Безье
		c := rr * (1 - 0.5523)
		z.MoveTo(ax+rr, ay)
		z.LineTo(bx-rr, ay)
		z.CubeTo(bx-c, ay, bx, ay+c, bx, ay+rr)
		z.LineTo(bx, by-rr)
		z.CubeTo(bx, by-c, bx-c, by, bx-rr, by)
		z.LineTo(ax+rr, by)
		z.CubeTo(ax+c, by, ax, by-c, ax, by-rr)
		z.LineTo(ax, ay+rr)
		z.CubeTo(ax, ay+c, ax+c, ay, ax+rr, ay)
	}
	z.ClosePath()
	z.DrawOp = draw.Src
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return mask
}

func subtractMask(a, b *image.Alpha) {
	for i := range a.Pix {
		if b.Pix[i] >= a.Pix[i] {
			a.Pix[i] = 0
		} else {
			a.Pix[i] -= b.Pix[i]
		}
	}
}

// maskInto multiplies premultiplied pixels by the mask coverage.
func maskInto(img *image.RGBA, m *image.Alpha) {
	for i, a := range m.Pix {
		if a == 0xff {
			continue
		}
		j := i * 4
		for c := 0; c < 4; c++ {
			img.Pix[j+c] = uint8(uint16(img.Pix[j+c]) * uint16(a) / 0xff)
		}
	}
}

func scalePremultiplied(img *image.RGBA, f float64) {
	for i, v := range img.Pix {
		img.Pix[i] = uint8(math.Round(float64(v) * f))
	}
}

func scaleByte(v uint8, f float64) uint8 {
	return uint8(math.Round(math.Min(255, float64(v)*f)))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
