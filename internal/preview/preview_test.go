package preview

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivlev/vidcomposer/internal/compositor"
	"github.com/ivlev/vidcomposer/internal/scene"
	"github.com/ivlev/vidcomposer/internal/timeline"
)

// sceneRenderer remembers the scene of the last render
type sceneRenderer struct{ last scene.Scene }

func (r *sceneRenderer) Render(_ context.Context, s scene.Scene, t float64, size image.Point) (*compositor.Frame, error) {
	r.last = s
	return &compositor.Frame{Image: image.NewRGBA(image.Rectangle{Max: size}), Time: t}, nil
}

type countingSyncer struct{ calls int }

func (c *countingSyncer) Sync(scene.Scene) int { c.calls++; return 0 }

func editScene() scene.Scene {
	return scene.Scene{
		Aspect: scene.Aspect16x9,
		Assets: []scene.MediaAsset{{ID: "img", Kind: scene.KindImage, Source: "/i.png"}},
		Clips: []scene.Clip{
			{ID: "a", AssetID: "img", Track: 0, Start: 0, End: 2},
			{ID: "b", AssetID: "img", Track: 0, Start: 5, End: 7},
			{ID: "c", AssetID: "img", Track: 1, Start: 0, End: 3},
		},
	}
}

func newSession(t *testing.T) (*Session, *sceneRenderer, *countingSyncer) {
	t.Helper()
	r, c := &sceneRenderer{}, &countingSyncer{}
	return NewSession(editScene(), timeline.New(), r, c, zerolog.Nop()), r, c
}

func TestDragMoveSnapsAndCommits(t *testing.T) {
	ses, r, _ := newSession(t)
	if err := ses.BeginDrag("a", DragMove); err != nil {
		t.Fatal(err)
	}
	// end lands at 4.95, 0.05 from b's start
	p, err := ses.UpdateDrag(2.95, timeline.SameTrack)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Valid || !p.Snap.Snapped || p.Clip.Start != 3 || p.Clip.End != 5 {
		t.Fatalf("preview = %+v", p)
	}

	if c, _ := ses.Scene().Clip("a"); c.Start != 0 {
		t.Errorf("drag leaked into committed scene: %+v", c)
	}
	if _, err := ses.Render(context.Background(), 3.5, image.Pt(64, 36)); err != nil {
		t.Fatal(err)
	}
	if c, _ := r.last.Clip("a"); c.Start != 3 {
		t.Errorf("render did not use overlay: %+v", c)
	}

	s, err := ses.EndDrag()
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := s.Clip("a"); c.Start != 3 || c.End != 5 {
		t.Errorf("committed = %+v", c)
	}
	if _, err := ses.UpdateDrag(1, timeline.SameTrack); !errors.Is(err, ErrNoDrag) {
		t.Errorf("update after end = %v", err)
	}
}

func TestDragRejectedLeavesSceneUnchanged(t *testing.T) {
	ses, _, _ := newSession(t)
	before := ses.Scene()
	if err := ses.BeginDrag("a", DragMove); err != nil {
		t.Fatal(err)
	}
	p, err := ses.UpdateDrag(4.5, timeline.SameTrack)
	if err != nil {
		t.Fatal(err)
	}
	if p.Valid || p.Clip.Start != 4.5 {
		t.Errorf("preview = %+v, want invalid at 4.5", p)
	}
	_, err = ses.EndDrag()
	if timeline.ReasonCode(err) != "would-collide" {
		t.Fatalf("err = %v", err)
	}
	if c, _ := ses.Scene().Clip("a"); c != before.Clips[0] {
		t.Errorf("scene changed: %+v", c)
	}
}

func TestDragMoveToNewTrackCompacts(t *testing.T) {
	ses, _, syncer := newSession(t)
	if err := ses.BeginDrag("c", DragMove); err != nil {
		t.Fatal(err)
	}
	if _, err := ses.UpdateDrag(0, 2); err != nil {
		t.Fatal(err)
	}
	s, err := ses.EndDrag()
	if err != nil {
		t.Fatal(err)
	}
	// track 1 emptied, so the new bottom track becomes 1
	if c, _ := s.Clip("c"); c.Track != 1 || s.TrackCount() != 2 {
		t.Errorf("clip c = %+v, tracks = %d", c, s.TrackCount())
	}
	if syncer.calls < 2 {
		t.Errorf("cache not synced on commit")
	}
}

func TestDragResize(t *testing.T) {
	ses, _, _ := newSession(t)
	if err := ses.BeginDrag("a", DragResizeRight); err != nil {
		t.Fatal(err)
	}
	p, err := ses.UpdateDrag(1, timeline.SameTrack)
	if err != nil || !p.Valid || p.Clip.End != 3 {
		t.Fatalf("preview = %+v, %v", p, err)
	}
	// past b's start: rejected, overlay keeps the last valid end
	p, _ = ses.UpdateDrag(4, timeline.SameTrack)
	if p.Valid || p.Clip.End != 3 {
		t.Errorf("preview = %+v", p)
	}
	_, _ = ses.UpdateDrag(1.5, timeline.SameTrack)
	s, err := ses.EndDrag()
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := s.Clip("a"); c.Start != 0 || c.End != 3.5 {
		t.Errorf("committed = %+v", c)
	}
}

func TestCancelDrag(t *testing.T) {
	ses, r, _ := newSession(t)
	_ = ses.BeginDrag("b", DragResizeLeft)
	_, _ = ses.UpdateDrag(-1, timeline.SameTrack)
	ses.CancelDrag()
	if _, err := ses.EndDrag(); !errors.Is(err, ErrNoDrag) {
		t.Errorf("EndDrag after cancel = %v", err)
	}
	_, _ = ses.Render(context.Background(), 0, image.Pt(16, 9))
	if c, _ := r.last.Clip("b"); c.Start != 5 {
		t.Errorf("cancelled overlay rendered: %+v", c)
	}
}

func TestBeginDragUnknownClip(t *testing.T) {
	ses, _, _ := newSession(t)
	if err := ses.BeginDrag("nope", DragMove); timeline.ReasonCode(err) != "clip-not-found" {
		t.Errorf("err = %v", err)
	}
}

func TestApplyAndReplace(t *testing.T) {
	ses, _, _ := newSession(t)
	e := timeline.New()
	s, err := ses.Apply(func(s scene.Scene) (scene.Scene, error) { return e.RemoveClip(s, "b") })
	if err != nil || len(s.Clips) != 2 || len(ses.Scene().Clips) != 2 {
		t.Fatalf("apply: %v, clips = %d", err, len(s.Clips))
	}
	if _, err := ses.Apply(func(s scene.Scene) (scene.Scene, error) { return e.RemoveClip(s, "b") }); err == nil {
		t.Error("second remove should fail")
	}

	_ = ses.BeginDrag("a", DragMove)
	ses.Replace(editScene())
	if len(ses.Scene().Clips) != 3 {
		t.Errorf("replace did not swap scene")
	}
	if _, err := ses.EndDrag(); !errors.Is(err, ErrNoDrag) {
		t.Errorf("drag survived replace: %v", err)
	}

	ses.SetPlayhead(-3)
	if ses.Scene().Playhead != 0 {
		t.Errorf("playhead = %g", ses.Scene().Playhead)
	}
}

func TestWatchReloadsDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.yaml")
	if err := scene.WriteDocument(scene.NewDocument(editScene()), path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *scene.Document, 4)
	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, path, 20*time.Millisecond, zerolog.Nop(), func(d *scene.Document) { got <- d })
	}()

	// unrelated files in the directory are ignored
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := editScene()
	s.Clips = s.Clips[:1]
	if err := scene.WriteDocument(scene.NewDocument(s), path); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-got:
		if len(d.Clips) != 1 {
			t.Errorf("reloaded %d clips, want 1", len(d.Clips))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
