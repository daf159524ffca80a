// Package timeline implements the temporal editing operations over a scene.Scene.
//
// Every operation is a pure function of its inputs: it returns a new Scene, or the
// unchanged input Scene together with an error when the edit would break an invariant.
package timeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ivlev/vidcomposer/internal/scene"
)

const (
	// MinClipDuration is the floor for any clip length, in seconds.
	MinClipDuration = 0.1
	// SnapThreshold is the distance within which a candidate time snaps to a marker.
	SnapThreshold = 0.1
	// DefaultStillDuration is used for images, text and media of unknown length.
	DefaultStillDuration = 5.0

	// snapTolerance absorbs float noise like 1.1-1.0 so the threshold itself snaps.
	snapTolerance = 1e-9
)

var (
	ErrWouldCollide    = errors.New("would-collide")
	ErrInvalidTrim     = errors.New("invalid-trim")
	ErrClipNotFound    = errors.New("clip-not-found")
	ErrAssetNotFound   = errors.New("asset-not-found")
	ErrInvalidInterval = errors.New("invalid-interval")
	ErrInvalidTrack    = errors.New("invalid-track")
	ErrInvalidValue    = errors.New("invalid-value")
)

// EditError is returned by rejected edits. The scene passed in is returned unchanged alongside it.
type EditError struct {
	Op     string
	ClipID string
	Err    error
}

func (e *EditError) Error() string {
	if e.ClipID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ClipID, e.Err)
}

func (e *EditError) Unwrap() error { return e.Err }

// ReasonCode maps an edit error to its stable reason string, or "" for nil.
func ReasonCode(err error) string {
	for _, s := range []error{ErrWouldCollide, ErrInvalidTrim, ErrClipNotFound, ErrAssetNotFound,
		ErrInvalidInterval, ErrInvalidTrack, ErrInvalidValue} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	if err != nil {
		return "unknown"
	}
	return ""
}

func reject(op, clipID string, err error) error {
	return &EditError{Op: op, ClipID: clipID, Err: err}
}

// TrimPolicy decides how far a right edge may be extended when the asset duration is unknown.
type TrimPolicy string

const (
	// TrimUnbounded lets trimEnd grow indefinitely for open-ended sources.
	TrimUnbounded TrimPolicy = "unbounded"
	// TrimBounded never extends trimEnd past its current value when the duration is unknown.
	TrimBounded TrimPolicy = "bounded"
)

// Engine carries the tunables of the edit operations. It holds no scene state.
type Engine struct {
	MinDuration   float64
	SnapThreshold float64
	TrimPolicy    TrimPolicy
	NewID         func() string

	// PlacementFraction caps the size of newly added clips relative to the canvas.
	PlacementFraction float64
}

// Option configures an Engine.
type Option func(*Engine)

func WithTrimPolicy(p TrimPolicy) Option {
	return func(e *Engine) { e.TrimPolicy = p }
}

func WithSnapThreshold(v float64) Option {
	return func(e *Engine) { e.SnapThreshold = v }
}

func WithMinDuration(v float64) Option {
	return func(e *Engine) { e.MinDuration = v }
}

func WithPlacementFraction(v float64) Option {
	return func(e *Engine) { e.PlacementFraction = v }
}

// WithIDGenerator replaces uuid-based clip ids, mostly for deterministic tests.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.NewID = fn }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		MinDuration:   MinClipDuration,
		SnapThreshold: SnapThreshold,
		TrimPolicy:    TrimUnbounded,
		NewID:         uuid.NewString,

		PlacementFraction: scene.PlacementDefaultFraction,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lookup returns the clip and its asset kind, or an EditError.
func lookup(op string, s scene.Scene, clipID string) (int, scene.Clip, scene.MediaAsset, error) {
	i := s.ClipIndex(clipID)
	if i < 0 {
		return -1, scene.Clip{}, scene.MediaAsset{}, reject(op, clipID, ErrClipNotFound)
	}
	c := s.Clips[i]
	a, ok := s.Asset(c.AssetID)
	if !ok {
		if c.Text == nil {
			return -1, scene.Clip{}, scene.MediaAsset{}, reject(op, clipID, ErrAssetNotFound)
		}
		a = scene.MediaAsset{Kind: scene.KindText}
	}
	return i, c, a, nil
}

// replace returns a copy of s with clip i swapped for c.
func replace(s scene.Scene, i int, c scene.Clip) scene.Scene {
	out := s.Clone()
	out.Clips[i] = c
	return out
}
