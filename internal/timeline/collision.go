package timeline

import (
	"math"
	"sort"

	"github.com/ivlev/vidcomposer/internal/scene"
)

// CheckCollision reports whether [start, end) on track intersects any clip other than excludeID.
// Touching endpoints do not collide.
func CheckCollision(s scene.Scene, excludeID string, track int, start, end float64) bool {
	for _, c := range s.Clips {
		if c.ID == excludeID || c.Track != track {
			continue
		}
		if start < c.End && end > c.Start {
			return true
		}
	}
	return false
}

// SnapResult is the outcome of a snap query
type SnapResult struct {
	Time    float64
	Snapped bool
	Markers []float64 // marker positions that caused the snap, for visual feedback
}

// markers collects the playhead and every other clip's edges.
func markers(s scene.Scene, excludeID string) []float64 {
	out := []float64{s.Playhead}
	for _, c := range s.Clips {
		if c.ID == excludeID {
			continue
		}
		out = append(out, c.Start, c.End)
	}
	sort.Float64s(out)
	return out
}

// SnapPosition moves candidate to the nearest marker within the threshold.
// A candidate exactly at the threshold distance snaps.
func (e *Engine) SnapPosition(candidate float64, s scene.Scene, excludeID string) SnapResult {
	res := SnapResult{Time: candidate}
	best := math.Inf(1)
	for _, m := range markers(s, excludeID) {
		d := math.Abs(candidate - m)
		if d <= e.SnapThreshold+snapTolerance && d < best-snapTolerance {
			best = d
			res.Time = m
			res.Snapped = true
		}
	}
	if !res.Snapped {
		return res
	}
	for _, m := range markers(s, excludeID) {
		if math.Abs(m-res.Time) <= snapTolerance && !containsTime(res.Markers, m) {
			res.Markers = append(res.Markers, m)
		}
	}
	return res
}

// SnapRange snaps a dragged interval by whichever edge is closer to a marker.
// The returned start keeps the interval length.
func (e *Engine) SnapRange(s scene.Scene, start, end float64, excludeID string) (float64, SnapResult) {
	a := e.SnapPosition(start, s, excludeID)
	b := e.SnapPosition(end, s, excludeID)

	switch {
	case a.Snapped && (!b.Snapped || math.Abs(a.Time-start) <= math.Abs(b.Time-end)):
		return a.Time, a
	case b.Snapped:
		return start + (b.Time - end), b
	}
	return start, SnapResult{Time: start}
}

func containsTime(list []float64, v float64) bool {
	for _, x := range list {
		if math.Abs(x-v) <= snapTolerance {
			return true
		}
	}
	return false
}
