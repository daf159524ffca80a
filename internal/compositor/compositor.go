// Package compositor turns a scene at a point in time into pixels.
//
// Rendering is a pure function of (scene, time, size): a Compositor holds only read-only
// configuration, so preview and export may render concurrently through one instance.
// All clip geometry lives in the virtual canvas of the scene's aspect ratio and is mapped
// to the output by a single uniform factor targetWidth / virtualWidth.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/ivlev/vidcomposer/internal/scene"
)

// FrameSource provides decoded asset pixels at a source time
type FrameSource interface {
	Frame(ctx context.Context, a scene.MediaAsset, t float64) (image.Image, error)
}

// SkippedClip records a clip left out of a frame because its asset could not be decoded.
type SkippedClip struct {
	ClipID  string
	AssetID string
	Err     error
}

// Frame is one composited raster
type Frame struct {
	Image   *image.RGBA
	Time    float64
	Skipped []SkippedClip
}

// Options tunes a Compositor. Zero values take the defaults.
type Options struct {
	// DefaultFraction caps the derived size of clips stored without width/height.
	DefaultFraction float64
	Background      color.Color
}

// Compositor turns a scene at a point in time into pixels.
type Compositor struct {
	src   FrameSource
	fonts *FontSet
	opts  Options
	log   zerolog.Logger
}

// New creates a Compositor. A nil fonts set uses the built-in Go fonts.
func New(src FrameSource, fonts *FontSet, log zerolog.Logger, opts Options) *Compositor {
	if opts.DefaultFraction <= 0 {
		opts.DefaultFraction = scene.PreviewDefaultFraction
	}
	if opts.Background == nil {
		opts.Background = color.Black
	}
	if fonts == nil {
		fonts = DefaultFonts()
	}
	return &Compositor{src: src, fonts: fonts, opts: opts, log: log}
}

// OutputSize returns the raster size for a target width, keeping the canvas aspect ratio.
func OutputSize(aspect scene.AspectRatio, width int) image.Point {
	vw, vh := aspect.VirtualSize()
	if width <= 0 {
		return image.Pt(vw, vh)
	}
	h := int(math.Round(float64(width) * float64(vh) / float64(vw)))
	return image.Pt(width, max(1, h))
}

// Render allocates a raster of size and composites the scene at time t into it.
func (c *Compositor) Render(ctx context.Context, s scene.Scene, t float64, size image.Point) (*Frame, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid output size %v", size)
	}
	return c.RenderInto(ctx, image.NewRGBA(image.Rectangle{Max: size}), s, t)
}

// RenderInto composites into dst, overwriting it entirely.
func (c *Compositor) RenderInto(ctx context.Context, dst *image.RGBA, s scene.Scene, t float64) (*Frame, error) {
	vw, _ := s.Aspect.VirtualSize()
	k := float64(dst.Bounds().Dx()) / float64(vw)

	draw.Draw(dst, dst.Bounds(), image.NewUniform(c.opts.Background), image.Point{}, draw.Src)
	frame := &Frame{Image: dst, Time: t}

	for _, clip := range ActiveClips(s, t) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := c.drawClip(ctx, dst, s, clip, t, k)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		frame.Skipped = append(frame.Skipped, SkippedClip{ClipID: clip.ID, AssetID: clip.AssetID, Err: err})
		c.log.Warn().Err(err).Str("clip", clip.ID).Str("asset", clip.AssetID).Float64("t", t).Msg("clip skipped")
	}
	return frame, nil
}

// ActiveClips returns the visual clips whose [start, end) contains t, in paint order:
// descending track index, so track 0 is painted last and sits on top.
func ActiveClips(s scene.Scene, t float64) []scene.Clip {
	var out []scene.Clip
	for _, c := range s.Clips {
		if !c.Active(t) {
			continue
		}
		if kind, ok := s.KindOf(c); ok && !kind.IsVisual() {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Track > out[j].Track })
	return out
}

// PlayPosition maps timeline time to source time: trimStart + (t - start) * speed,
// clamped to [trimStart, trimEnd].
func PlayPosition(c scene.Clip, t float64) float64 {
	p := c.TrimStart + (t-c.Start)*c.EffectiveSpeed()
	if p < c.TrimStart {
		return c.TrimStart
	}
	if c.TrimEnd > c.TrimStart && p > c.TrimEnd {
		return c.TrimEnd
	}
	return p
}

var errNoAsset = errors.New("clip has no asset")

func (c *Compositor) drawClip(ctx context.Context, dst *image.RGBA, s scene.Scene, clip scene.Clip, t, k float64) error {
	w, h := s.ResolvedSize(clip, c.opts.DefaultFraction)
	tr := clip.Transform
	if tr.Scale == 0 {
		tr.Scale = 1
	}

	l := newLayer(clip, w*k, h*k, k)
	if l == nil {
		return nil
	}

	var content contentFunc
	kind, ok := s.KindOf(clip)
	switch {
	case !ok:
		return fmt.Errorf("%w: %q", errNoAsset, clip.AssetID)
	case kind == scene.KindText:
		txt := clip.Text
		if txt == nil {
			a, _ := s.Asset(clip.AssetID)
			txt = &scene.Text{Content: a.Source}
		}
		content = c.textContent(*txt)
	default:
		a, _ := s.Asset(clip.AssetID)
		srcT := 0.0
		if a.HasTrim() {
			srcT = PlayPosition(clip, t)
		}
		img, err := c.src.Frame(ctx, a, srcT)
		if err != nil {
			return err
		}
		content = mediaContent(img, clip.Crop)
	}

	if err := l.run(content); err != nil {
		return err
	}

	// Центр клипа в пикселях вывода: translate -> rotate -> scale вокруг собственного центра
	cx := (tr.X + w/2) * k
	cy := (tr.Y + h/2) * k
	place(dst, l.img, cx, cy, tr.Rotation, tr.Scale)
	return nil
}

// place draws layer centred at (cx, cy), rotated by deg about its centre and scaled by scale.
func place(dst *image.RGBA, layer *image.RGBA, cx, cy, deg, scale float64) {
	lb := layer.Bounds()
	hw, hh := float64(lb.Dx())/2, float64(lb.Dy())/2

	if deg == 0 && scale == 1 {
		x0, y0 := cx-hw, cy-hh
		if x0 == math.Trunc(x0) && y0 == math.Trunc(y0) {
			r := lb.Add(image.Pt(int(x0), int(y0)))
			draw.Draw(dst, r, layer, lb.Min, draw.Over)
			return
		}
	}

	rad := deg * math.Pi / 180
	sin, cos := math.Sincos(rad)
	a, b := scale*cos, -scale*sin
	d, e := scale*sin, scale*cos
	m := f64.Aff3{
		a, b, cx - (a*hw + b*hh),
		d, e, cy - (d*hw + e*hh),
	}
	draw.ApproxBiLinear.Transform(dst, m, layer, lb, draw.Over, nil)
}
