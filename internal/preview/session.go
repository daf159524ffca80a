// Package preview keeps the live editing state: the committed scene, swapped atomically,
// and a transient drag overlay that rendering reads until the drag is committed.
package preview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ivlev/vidcomposer/internal/compositor"
	"github.com/ivlev/vidcomposer/internal/scene"
	"github.com/ivlev/vidcomposer/internal/timeline"
)

type Renderer interface {
	Render(ctx context.Context, s scene.Scene, t float64, size image.Point) (*compositor.Frame, error)
}

// Syncer releases decoder handles of assets the scene no longer references (media.Cache).
type Syncer interface {
	Sync(s scene.Scene) int
}

type DragMode int

const (
	DragMove DragMode = iota
	DragResizeLeft
	DragResizeRight
)

var ErrNoDrag = errors.New("no drag in progress")

// DragPreview is what the UI shows while dragging
type DragPreview struct {
	Clip  scene.Clip
	Snap  timeline.SnapResult
	Valid bool // false when releasing here would be rejected
}

type drag struct {
	mode   DragMode
	origin scene.Clip
	base   scene.Scene

	overlay scene.Clip
	delta   float64 // snapped move delta
	track   int
	edge    float64 // snapped edge time for resizes
	valid   bool
}

type Session struct {
	engine *timeline.Engine
	render Renderer
	cache  Syncer
	log    zerolog.Logger

	current atomic.Pointer[scene.Scene]

	mu   sync.Mutex // serializes writers and guards drag
	drag *drag
}

// NewSession starts a session on s. cache may be nil.
func NewSession(s scene.Scene, engine *timeline.Engine, r Renderer, cache Syncer, log zerolog.Logger) *Session {
	ses := &Session{engine: engine, render: r, cache: cache, log: log}
	ses.store(s)
	return ses
}

// Scene returns the committed scene. The drag overlay is never visible here.
func (ses *Session) Scene() scene.Scene {
	return *ses.current.Load()
}

func (ses *Session) store(s scene.Scene) {
	s = s.Clone()
	ses.current.Store(&s)
	if ses.cache != nil {
		if n := ses.cache.Sync(s); n > 0 {
			ses.log.Debug().Int("closed", n).Msg("released decoders")
		}
	}
}

// Replace swaps in a new scene, e.g. after the document was edited on disk. A drag in
// progress is dropped.
func (ses *Session) Replace(s scene.Scene) {
	ses.mu.Lock()
	defer ses.mu.Unlock()
	ses.drag = nil
	ses.store(s)
}

// Apply commits an edit. A rejected edit leaves the session unchanged.
func (ses *Session) Apply(edit func(scene.Scene) (scene.Scene, error)) (scene.Scene, error) {
	ses.mu.Lock()
	defer ses.mu.Unlock()
	cur := ses.Scene()
	next, err := edit(cur)
	if err != nil {
		return cur, err
	}
	ses.store(next)
	return next, nil
}

func (ses *Session) SetPlayhead(t float64) {
	ses.mu.Lock()
	defer ses.mu.Unlock()
	s := ses.Scene()
	s.Playhead = max(0, t)
	ses.current.Store(&s)
}

func (ses *Session) BeginDrag(clipID string, mode DragMode) error {
	ses.mu.Lock()
	defer ses.mu.Unlock()
	s := ses.Scene()
	c, ok := s.Clip(clipID)
	if !ok {
		return &timeline.EditError{Op: "drag", ClipID: clipID, Err: timeline.ErrClipNotFound}
	}
	ses.drag = &drag{mode: mode, origin: c, base: s, overlay: c, track: c.Track, valid: true}
	return nil
}

// UpdateDrag moves the overlay by deltaTime from where the drag began. track applies to
// moves only; timeline.SameTrack keeps the clip's track. Nothing is committed.
func (ses *Session) UpdateDrag(deltaTime float64, track int) (DragPreview, error) {
	ses.mu.Lock()
	defer ses.mu.Unlock()
	d := ses.drag
	if d == nil {
		return DragPreview{}, ErrNoDrag
	}
	o, e := d.origin, ses.engine

	var snap timeline.SnapResult
	var next scene.Scene
	var err error
	switch d.mode {
	case DragMove:
		if track == timeline.SameTrack {
			track = o.Track
		}
		start := max(0, o.Start+deltaTime)
		var snapped float64
		snapped, snap = e.SnapRange(d.base, start, start+o.Duration(), o.ID)
		d.delta, d.track = snapped-o.Start, track
		next, err = e.MoveClip(d.base, o.ID, d.delta, track)
		if err != nil {
			d.overlay = o
			d.overlay.Start, d.overlay.End, d.overlay.Track = max(0, snapped), max(0, snapped)+o.Duration(), track
		}
	case DragResizeLeft:
		snap = e.SnapPosition(o.Start+deltaTime, d.base, o.ID)
		d.edge = snap.Time
		next, err = e.ResizeClip(d.base, o.ID, d.edge, o.End, timeline.EdgeLeft)
	case DragResizeRight:
		snap = e.SnapPosition(o.End+deltaTime, d.base, o.ID)
		d.edge = snap.Time
		next, err = e.ResizeClip(d.base, o.ID, o.Start, d.edge, timeline.EdgeRight)
	default:
		return DragPreview{}, fmt.Errorf("unknown drag mode %d", d.mode)
	}

	// Отклонённый ресайз остаётся на последней допустимой позиции
	d.valid = err == nil
	if d.valid {
		d.overlay, _ = next.Clip(o.ID)
	}
	return DragPreview{Clip: d.overlay, Snap: snap, Valid: d.valid}, nil
}

// EndDrag commits the drag through the engine against the current scene, then compacts
// tracks. A rejected commit returns the unchanged scene and the edit error.
func (ses *Session) EndDrag() (scene.Scene, error) {
	ses.mu.Lock()
	defer ses.mu.Unlock()
	d := ses.drag
	ses.drag = nil
	cur := ses.Scene()
	if d == nil {
		return cur, ErrNoDrag
	}

	var next scene.Scene
	var err error
	switch d.mode {
	case DragMove:
		next, err = ses.engine.MoveClip(cur, d.origin.ID, d.delta, d.track)
	case DragResizeLeft:
		next, err = ses.engine.ResizeClip(cur, d.origin.ID, d.edge, d.origin.End, timeline.EdgeLeft)
	case DragResizeRight:
		next, err = ses.engine.ResizeClip(cur, d.origin.ID, d.origin.Start, d.edge, timeline.EdgeRight)
	}
	if err != nil {
		ses.log.Debug().Err(err).Str("clip", d.origin.ID).Str("reason", timeline.ReasonCode(err)).Msg("drag rejected")
		return cur, err
	}
	next, _ = timeline.CompactTracks(next)
	ses.store(next)
	return next, nil
}

func (ses *Session) CancelDrag() {
	ses.mu.Lock()
	ses.drag = nil
	ses.mu.Unlock()
}

// Render composites the committed scene with the drag overlay applied.
func (ses *Session) Render(ctx context.Context, t float64, size image.Point) (*compositor.Frame, error) {
	s := ses.Scene()

	ses.mu.Lock()
	if d := ses.drag; d != nil {
		if i := s.ClipIndex(d.overlay.ID); i >= 0 {
			s = s.Clone()
			s.Clips[i] = d.overlay.Clone()
		}
	}
	ses.mu.Unlock()

	return ses.render.Render(ctx, s, t, size)
}
