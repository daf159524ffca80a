package scene

// Default size fractions of the virtual canvas used when a clip has no explicit size.
const (
	PreviewDefaultFraction   = 0.8
	PlacementDefaultFraction = 0.5
)

// DefaultSize derives a clip size from the asset aspect ratio, capped at fraction of the canvas.
// Assets without natural dimensions (text, audio, unprobed media) get a 16:9 box.
func DefaultSize(a MediaAsset, canvasW, canvasH int, fraction float64) (float64, float64) {
	maxW := float64(canvasW) * fraction
	maxH := float64(canvasH) * fraction

	if a.Width <= 0 || a.Height <= 0 {
		w, h := maxW, maxW*9/16
		if h > maxH {
			h = maxH
			w = maxH * 16 / 9
		}
		return w, h
	}

	aspect := float64(a.Width) / float64(a.Height)
	w := maxW
	h := w / aspect
	if h > maxH {
		h = maxH
		w = h * aspect
	}
	return w, h
}

// ResolvedSize returns the clip's explicit size, or the default derived from its asset.
func (s Scene) ResolvedSize(c Clip, fraction float64) (float64, float64) {
	if c.Transform.Width > 0 && c.Transform.Height > 0 {
		return c.Transform.Width, c.Transform.Height
	}
	a, _ := s.Asset(c.AssetID)
	cw, ch := s.Aspect.VirtualSize()
	return DefaultSize(a, cw, ch, fraction)
}
