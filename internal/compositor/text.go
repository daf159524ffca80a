package compositor

import (
	"image"
	"image/color"
	"math"
	"strings"
	"unicode"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/ivlev/vidcomposer/internal/scene"
)

const (
	DefaultFontSize = 64.0
	LineHeightRatio = 1.6
)

// Decoration offsets from the baseline, in multiples of the font size (positive is down).
const (
	underlineOffset   = 0.1
	lineThroughOffset = -0.3
	overlineOffset    = -0.9
)

// ApplyCase transforms s before layout. Capitalize upper-cases the first letter of every word.
func ApplyCase(s string, c scene.TextCase) string {
	switch c {
	case scene.CaseUpper:
		return strings.ToUpper(s)
	case scene.CaseLower:
		return strings.ToLower(s)
	case scene.CaseCapitalize:
		rs := []rune(s)
		start := true
		for i, r := range rs {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				if start {
					rs[i] = unicode.ToUpper(r)
				}
				start = false
			} else {
				start = unicode.IsSpace(r) || r == '-'
			}
		}
		return string(rs)
	}
	return s
}

// WrapLines splits on literal newlines, then breaks each line greedily rune by rune so that
// no line is wider than maxWidth. A single rune wider than maxWidth still gets its own line.
func WrapLines(face font.Face, s string, maxWidth fixed.Int26_6) []string {
	var out []string
	for _, para := range strings.Split(s, "\n") {
		var (
			line  []rune
			width fixed.Int26_6
			prev  rune = -1
		)
		for _, r := range para {
			adv, _ := face.GlyphAdvance(r)
			if prev >= 0 {
				adv += face.Kern(prev, r)
			}
			if len(line) > 0 && width+adv > maxWidth {
				out = append(out, string(line))
				line, width = line[:0:0], 0
				adv, _ = face.GlyphAdvance(r)
			}
			line = append(line, r)
			width += adv
			prev = r
		}
		out = append(out, string(line))
	}
	return out
}

// textLine is a positioned line in layer pixels
type textLine struct {
	text     string
	x        fixed.Int26_6
	baseline fixed.Int26_6
	width    fixed.Int26_6
}

// layoutText wraps text into box (in layer pixels) and centres the block vertically.
func layoutText(face font.Face, s string, box image.Rectangle, size float64, align scene.TextAlign) []textLine {
	lines := WrapLines(face, s, fixed.I(box.Dx()))
	lh := size * LineHeightRatio
	top := float64(box.Min.Y) + (float64(box.Dy())-float64(len(lines))*lh)/2

	m := face.Metrics()
	ascent, descent := fix2f(m.Ascent), fix2f(m.Descent)

	out := make([]textLine, 0, len(lines))
	for i, s := range lines {
		w := font.MeasureString(face, s)
		var x fixed.Int26_6
		switch align {
		case scene.AlignCenter:
			x = fixed.I(box.Min.X) + (fixed.I(box.Dx())-w)/2
		case scene.AlignRight:
			x = fixed.I(box.Max.X) - w
		default:
			x = fixed.I(box.Min.X)
		}
		baseline := top + float64(i)*lh + (lh-(ascent+descent))/2 + ascent
		out = append(out, textLine{text: s, x: x, baseline: f2fix(baseline), width: w})
	}
	return out
}

// textContent renders a text payload: stroke beneath fill, then decorations.
func (c *Compositor) textContent(txt scene.Text) contentFunc {
	return func(l *layer) (paint, error) {
		st := txt.Style
		size := st.FontSize
		if size <= 0 {
			size = DefaultFontSize
		}
		px := size * l.k

		face, err := c.fonts.Face(st.FontFamily, st.Bold, st.Italic, px)
		if err != nil {
			return paint{}, err
		}
		defer face.Close()

		b := l.img.Bounds()
		lines := layoutText(face, ApplyCase(txt.Content, st.Case), l.rect, px, st.Align)

		fill := image.NewAlpha(b)
		d := font.Drawer{Dst: fill, Src: image.Opaque, Face: face}
		for _, ln := range lines {
			d.Dot = fixed.Point26_6{X: ln.x, Y: ln.baseline}
			d.DrawString(ln.text)
		}
		deco := decorationMask(b, lines, st, px)

		out := image.NewRGBA(b)
		sil := maxMask(fill, deco)
		if st.StrokeWidth > 0 && st.StrokeColor != "" {
			if sc, ok := ParseColor(st.StrokeColor); ok {
				stroke := dilate(sil, st.StrokeWidth*l.k)
				draw.DrawMask(out, b, image.NewUniform(sc), image.Point{}, stroke, image.Point{}, draw.Over)
				sil = stroke
			}
		}

		fc := parseColorOr(st.Color, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		draw.DrawMask(out, b, image.NewUniform(fc), image.Point{}, fill, image.Point{}, draw.Over)
		draw.DrawMask(out, b, image.NewUniform(fc), image.Point{}, deco, image.Point{}, draw.Over)
		return paint{img: out, silhouette: sil}, nil
	}
}

// decorationMask draws underline, line-through and overline segments spanning each line.
func decorationMask(b image.Rectangle, lines []textLine, st scene.TextStyle, px float64) *image.Alpha {
	m := image.NewAlpha(b)
	var offsets []float64
	if st.Underline {
		offsets = append(offsets, underlineOffset)
	}
	if st.LineThrough {
		offsets = append(offsets, lineThroughOffset)
	}
	if st.Overline {
		offsets = append(offsets, overlineOffset)
	}
	if len(offsets) == 0 {
		return m
	}

	thick := math.Max(1, px/15)
	for _, ln := range lines {
		if ln.width <= 0 {
			continue
		}
		x0 := fix2f(ln.x)
		x1 := x0 + fix2f(ln.width)
		for _, off := range offsets {
			y := fix2f(ln.baseline) + off*px - thick/2
			r := image.Rect(int(math.Round(x0)), int(math.Round(y)), int(math.Round(x1)), int(math.Round(y+thick)))
			draw.Draw(m, r, image.Opaque, image.Point{}, draw.Src)
		}
	}
	return m
}

// dilate grows a coverage mask by a disc of radius r. The result is the outline a centred
// stroke of width 2r would cover.
func dilate(m *image.Alpha, r float64) *image.Alpha {
	ri := int(math.Ceil(r))
	out := image.NewAlpha(m.Bounds())
	copy(out.Pix, m.Pix)
	if ri <= 0 {
		return out
	}

	type off struct{ dx, dy int }
	var disc []off
	for dy := -ri; dy <= ri; dy++ {
		for dx := -ri; dx <= ri; dx++ {
			if float64(dx*dx+dy*dy) <= r*r+0.5 {
				disc = append(disc, off{dx, dy})
			}
		}
	}

	w, h := m.Rect.Dx(), m.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := m.Pix[y*m.Stride+x]
			if a == 0 {
				continue
			}
			for _, o := range disc {
				nx, ny := x+o.dx, y+o.dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				if i := ny*out.Stride + nx; out.Pix[i] < a {
					out.Pix[i] = a
				}
			}
		}
	}
	return out
}

func maxMask(a, b *image.Alpha) *image.Alpha {
	out := image.NewAlpha(a.Rect)
	for i := range out.Pix {
		out.Pix[i] = max(a.Pix[i], b.Pix[i])
	}
	return out
}

func fix2f(v fixed.Int26_6) float64 {
	return float64(v) / 64
}

func f2fix(v float64) fixed.Int26_6 {
	return fixed.Int26_6(math.Round(v * 64))
}
