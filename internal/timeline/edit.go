package timeline

import (
	"fmt"
	"math"

	"github.com/ivlev/vidcomposer/internal/scene"
)

// Edge selects which side of a clip a resize moves
type Edge string

const (
	EdgeLeft  Edge = "left"
	EdgeRight Edge = "right"
)

// SameTrack keeps the clip on its current track in MoveClip.
const SameTrack = -1

// ResizeClip moves one edge of a clip. The opposite edge stays fixed: for EdgeLeft only newStart
// is used, for EdgeRight only newEnd. Trim intervals of video/audio follow the edge and are
// clamped to the source bounds; the timeline edge is then recomputed from the clamped trim.
func (e *Engine) ResizeClip(s scene.Scene, clipID string, newStart, newEnd float64, edge Edge) (scene.Scene, error) {
	const op = "resize"
	i, c, a, err := lookup(op, s, clipID)
	if err != nil {
		return s, err
	}

	sp := c.EffectiveSpeed()
	minSrc := e.MinDuration * sp

	switch edge {
	case EdgeLeft:
		start := math.Max(0, math.Min(newStart, c.End-e.MinDuration))
		if a.HasTrim() {
			lo, hi := 0.0, c.TrimEnd-minSrc
			if hi < lo {
				return s, reject(op, clipID, ErrInvalidTrim)
			}
			trimStart := clamp(c.TrimStart+(start-c.Start)*sp, lo, hi)
			start = c.Start + (trimStart-c.TrimStart)/sp
			c.TrimStart = trimStart
		}
		c.Start = start

	case EdgeRight:
		end := math.Max(newEnd, c.Start+e.MinDuration)
		if a.HasTrim() {
			lo, hi := c.TrimStart+minSrc, e.trimCeiling(c, a)
			if hi < lo {
				return s, reject(op, clipID, ErrInvalidTrim)
			}
			trimEnd := clamp(c.TrimEnd+(end-c.End)*sp, lo, hi)
			end = c.End + (trimEnd-c.TrimEnd)/sp
			c.TrimEnd = trimEnd
		}
		c.End = end

	default:
		return s, reject(op, clipID, fmt.Errorf("%w: edge %q", ErrInvalidValue, edge))
	}

	if c.Start < 0 || c.End-c.Start < e.MinDuration-snapTolerance {
		return s, reject(op, clipID, ErrInvalidInterval)
	}
	if CheckCollision(s, clipID, c.Track, c.Start, c.End) {
		return s, reject(op, clipID, ErrWouldCollide)
	}
	return replace(s, i, c), nil
}

// trimCeiling is the largest trimEnd the right edge may reach.
func (e *Engine) trimCeiling(c scene.Clip, a scene.MediaAsset) float64 {
	if a.Duration > 0 {
		return a.Duration
	}
	if e.TrimPolicy == TrimBounded {
		return c.TrimEnd
	}
	return math.Inf(1)
}

// SplitResult names the two clips that replaced the split one
type SplitResult struct {
	LeftID  string
	RightID string
}

// SplitClip cuts a clip at atTime. atTime must lie strictly inside the clip, otherwise
// the scene is returned unchanged with an empty result. The left trim end and the right
// trim start are the same value, so the two trims concatenate back to the original.
func (e *Engine) SplitClip(s scene.Scene, clipID string, atTime float64) (scene.Scene, SplitResult, error) {
	const op = "split"
	i, c, a, err := lookup(op, s, clipID)
	if err != nil {
		return s, SplitResult{}, err
	}
	if !(c.Start < atTime && atTime < c.End) {
		return s, SplitResult{}, nil
	}

	left := c.Clone()
	right := c.Clone()
	left.ID = e.NewID()
	right.ID = e.NewID()

	left.End = atTime
	right.Start = atTime
	if a.HasTrim() {
		boundary := c.TrimStart + (atTime-c.Start)*c.EffectiveSpeed()
		left.TrimEnd = boundary
		right.TrimStart = boundary
	}

	out := s.Clone()
	clips := make([]scene.Clip, 0, len(out.Clips)+1)
	clips = append(clips, out.Clips[:i]...)
	clips = append(clips, left, right)
	clips = append(clips, out.Clips[i+1:]...)
	out.Clips = clips
	if out.Selected == clipID {
		out.Selected = left.ID
	}
	return out, SplitResult{LeftID: left.ID, RightID: right.ID}, nil
}

// MoveClip translates a clip by deltaTime and optionally puts it on targetTrack.
// The start is clamped at zero; the length never changes. A track equal to the current
// track count opens a new bottom track. Emptied tracks are left for CompactTracks.
func (e *Engine) MoveClip(s scene.Scene, clipID string, deltaTime float64, targetTrack int) (scene.Scene, error) {
	const op = "move"
	i, c, _, err := lookup(op, s, clipID)
	if err != nil {
		return s, err
	}

	track := c.Track
	if targetTrack != SameTrack {
		if targetTrack < 0 || targetTrack > s.TrackCount() {
			return s, reject(op, clipID, ErrInvalidTrack)
		}
		track = targetTrack
	}

	d := c.Duration()
	start := math.Max(0, c.Start+deltaTime)
	if CheckCollision(s, clipID, track, start, start+d) {
		return s, reject(op, clipID, ErrWouldCollide)
	}

	c.Start, c.End, c.Track = start, start+d, track
	return replace(s, i, c), nil
}

// SetSpeed changes playback speed. For video/audio the trim is kept and the timeline
// length becomes trim length / speed.
func (e *Engine) SetSpeed(s scene.Scene, clipID string, speed float64) (scene.Scene, error) {
	const op = "speed"
	i, c, a, err := lookup(op, s, clipID)
	if err != nil {
		return s, err
	}
	if speed < scene.MinSpeed || speed > scene.MaxSpeed {
		return s, reject(op, clipID, fmt.Errorf("%w: speed %g", ErrInvalidValue, speed))
	}

	c.Speed = speed
	if a.HasTrim() {
		c.End = c.Start + (c.TrimEnd-c.TrimStart)/speed
	}
	if c.Duration() < e.MinDuration-snapTolerance {
		return s, reject(op, clipID, ErrInvalidInterval)
	}
	if CheckCollision(s, clipID, c.Track, c.Start, c.End) {
		return s, reject(op, clipID, ErrWouldCollide)
	}
	return replace(s, i, c), nil
}

// AddClip places a new clip of assetID at start. It takes track 0 when that is free,
// otherwise a new track 0 is inserted and every other clip shifts down one track.
func (e *Engine) AddClip(s scene.Scene, assetID string, start float64) (scene.Scene, string, error) {
	const op = "add"
	a, ok := s.Asset(assetID)
	if !ok {
		return s, "", reject(op, "", fmt.Errorf("%w: %s", ErrAssetNotFound, assetID))
	}
	if start < 0 {
		return s, "", reject(op, "", ErrInvalidInterval)
	}

	d := DefaultStillDuration
	if a.HasTrim() && a.Duration > 0 {
		d = a.Duration
	}

	cw, ch := s.Aspect.VirtualSize()
	w, h := scene.DefaultSize(a, cw, ch, e.PlacementFraction)
	c := scene.Clip{
		ID:      e.NewID(),
		AssetID: a.ID,
		Start:   start,
		End:     start + d,
		Transform: scene.Transform{
			X: (float64(cw) - w) / 2, Y: (float64(ch) - h) / 2,
			Width: w, Height: h,
			Scale: 1, Opacity: 100,
		},
		Volume: 100,
		Speed:  1,
	}
	if a.HasTrim() {
		c.TrimEnd = d
	}
	if a.Kind == scene.KindText {
		content := a.Source
		if content == "" {
			content = "Text"
		}
		c.Text = &scene.Text{Content: content, Style: scene.TextStyle{FontSize: 64, Color: "#ffffff", Align: scene.AlignCenter}}
	}

	out := s.Clone()
	if CheckCollision(out, "", 0, c.Start, c.End) {
		for j := range out.Clips {
			out.Clips[j].Track++
		}
	}
	out.Clips = append(out.Clips, c)
	return out, c.ID, nil
}

// RemoveClip deletes a clip. Emptied tracks are left for CompactTracks.
func (e *Engine) RemoveClip(s scene.Scene, clipID string) (scene.Scene, error) {
	i := s.ClipIndex(clipID)
	if i < 0 {
		return s, reject("remove", clipID, ErrClipNotFound)
	}
	out := s.Clone()
	out.Clips = append(out.Clips[:i], out.Clips[i+1:]...)
	if out.Selected == clipID {
		out.Selected = ""
	}
	return out, nil
}

// UpdateClip applies fn to a copy of the clip and commits it only if the scene stays valid.
// fn must not change the clip id.
func (e *Engine) UpdateClip(s scene.Scene, clipID string, fn func(*scene.Clip)) (scene.Scene, error) {
	const op = "update"
	i := s.ClipIndex(clipID)
	if i < 0 {
		return s, reject(op, clipID, ErrClipNotFound)
	}

	c := s.Clips[i].Clone()
	fn(&c)
	if c.ID != clipID {
		return s, reject(op, clipID, fmt.Errorf("%w: id change", ErrInvalidValue))
	}
	if c.Start < 0 || c.End-c.Start < e.MinDuration-snapTolerance {
		return s, reject(op, clipID, ErrInvalidInterval)
	}
	if a, ok := s.Asset(c.AssetID); ok && a.HasTrim() {
		if c.TrimStart < 0 || c.TrimEnd <= c.TrimStart || (a.Duration > 0 && c.TrimEnd > a.Duration) {
			return s, reject(op, clipID, ErrInvalidTrim)
		}
	}
	if CheckCollision(s, clipID, c.Track, c.Start, c.End) {
		return s, reject(op, clipID, ErrWouldCollide)
	}

	out := replace(s, i, c)
	if err := out.Validate(true); err != nil {
		return s, reject(op, clipID, fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
