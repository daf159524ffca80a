package export

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ivlev/vidcomposer/internal/compositor"
	"github.com/ivlev/vidcomposer/internal/media"
	"github.com/ivlev/vidcomposer/internal/scene"
	"github.com/ivlev/vidcomposer/internal/video"
)

type fakeEncoder struct {
	mu          sync.Mutex
	frames      int
	failWriteAt int
	muxErr      error
	spec        video.Spec
	job         *video.MuxJob
	closed      bool
	aborted     bool
}

type fakeWriter struct{ enc *fakeEncoder }

func (e *fakeEncoder) Open(_ context.Context, spec video.Spec, path string) (video.FrameWriter, error) {
	e.spec = spec
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		return nil, err
	}
	return &fakeWriter{enc: e}, nil
}

func (e *fakeEncoder) Mux(_ context.Context, job video.MuxJob, progress func(float64)) error {
	e.job = &job
	progress(0.5)
	progress(0.25)
	if err := os.WriteFile(job.Output, []byte("partial"), 0o644); err != nil {
		return err
	}
	if e.muxErr != nil {
		return e.muxErr
	}
	progress(1)
	return nil
}

func (w *fakeWriter) WriteFrame(img *image.RGBA) error {
	w.enc.mu.Lock()
	defer w.enc.mu.Unlock()
	w.enc.frames++
	if w.enc.failWriteAt > 0 && w.enc.frames == w.enc.failWriteAt {
		return errors.New("broken pipe")
	}
	return nil
}

func (w *fakeWriter) Close() error {
	if !w.enc.aborted {
		w.enc.closed = true
	}
	return nil
}

func (w *fakeWriter) Abort() {
	if !w.enc.closed {
		w.enc.aborted = true
	}
}

type sourceCall struct {
	asset string
	t     float64
}

// timeSource records every source time the compositor asks for.
type timeSource struct {
	mu    sync.Mutex
	calls []sourceCall
}

func (s *timeSource) Frame(_ context.Context, a scene.MediaAsset, t float64) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sourceCall{a.ID, t})
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func fullFrame() scene.Transform {
	return scene.Transform{Width: 1920, Height: 1080, Scale: 1, Opacity: 100}
}

// twoClipScene: two video clips back to back on track 0 over [0,10).
func twoClipScene() scene.Scene {
	return scene.Scene{
		Aspect: scene.Aspect16x9,
		Assets: []scene.MediaAsset{
			{ID: "a", Kind: scene.KindVideo, Source: "/missing/a.mp4", Duration: 20, Width: 1920, Height: 1080, Silent: true},
			{ID: "b", Kind: scene.KindVideo, Source: "/missing/b.mp4", Duration: 20, Width: 1920, Height: 1080, Silent: true},
		},
		Clips: []scene.Clip{
			{ID: "c1", AssetID: "a", Start: 0, End: 5, TrimStart: 2, TrimEnd: 7, Speed: 1, Volume: 100, Transform: fullFrame()},
			{ID: "c2", AssetID: "b", Start: 5, End: 10, TrimStart: 0, TrimEnd: 5, Speed: 1, Volume: 100, Transform: fullFrame()},
		},
	}
}

func testSpec(dir string) OutputSpec {
	return OutputSpec{Path: filepath.Join(dir, "out.mp4"), Width: 64, FPS: 30, Codec: "h264", Quality: "low", SampleRate: 48000}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("left behind: %s", e.Name())
	}
}

func TestExportTwoClipScenario(t *testing.T) {
	src := &timeSource{}
	comp := compositor.New(src, nil, zerolog.Nop(), compositor.Options{})
	enc := &fakeEncoder{}
	tmp := t.TempDir()
	ex := New(comp, enc, zerolog.Nop(), WithTempDir(tmp))

	out := t.TempDir()
	res, err := ex.Export(context.Background(), twoClipScene(), testSpec(out), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Frames != 300 || enc.frames != 300 {
		t.Fatalf("frames = %d, encoder got %d, want 300", res.Frames, enc.frames)
	}
	if res.Size != image.Pt(64, 36) || enc.spec.Width != 64 || enc.spec.Height != 36 {
		t.Errorf("size = %v, spec = %+v", res.Size, enc.spec)
	}
	if len(src.calls) != 300 {
		t.Fatalf("source calls = %d, want 300", len(src.calls))
	}
	for i, c := range src.calls {
		tl := float64(i) / 30
		want := sourceCall{"a", 2 + tl}
		if tl >= 5 {
			want = sourceCall{"b", tl - 5}
		}
		if c.asset != want.asset || math.Abs(c.t-want.t) > 1e-9 {
			t.Fatalf("frame %d: source %+v, want %+v", i, c, want)
		}
	}
	if enc.job == nil || enc.job.Audio != nil || enc.job.Duration != 10 {
		t.Errorf("mux job = %+v", enc.job)
	}
	if data, err := os.ReadFile(res.Path); err != nil || string(data) != "partial" {
		t.Errorf("output not finalized: %v", err)
	}
	assertEmptyDir(t, tmp)
}

func TestExportProgressMonotonic(t *testing.T) {
	comp := compositor.New(&timeSource{}, nil, zerolog.Nop(), compositor.Options{})
	ex := New(comp, &fakeEncoder{}, zerolog.Nop(), WithTempDir(t.TempDir()))

	var reports []Progress
	_, err := ex.Export(context.Background(), twoClipScene(), testSpec(t.TempDir()), func(p Progress) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) < 300 {
		t.Fatalf("only %d reports", len(reports))
	}
	for i := 1; i < len(reports); i++ {
		if reports[i].Percent < reports[i-1].Percent {
			t.Fatalf("progress went back at %d: %g -> %g", i, reports[i-1].Percent, reports[i].Percent)
		}
	}
	last := reports[len(reports)-1]
	if last.State != StateComplete || last.Percent != 100 {
		t.Errorf("last report = %+v", last)
	}
	for _, p := range reports[:len(reports)-1] {
		if p.State.Terminal() {
			t.Errorf("terminal report before the end: %+v", p)
		}
	}
}

// cancellingRenderer cancels the job after n frames
type cancellingRenderer struct {
	Renderer
	n      int
	cancel context.CancelFunc
	calls  int
}

func (r *cancellingRenderer) RenderInto(ctx context.Context, dst *image.RGBA, s scene.Scene, t float64) (*compositor.Frame, error) {
	r.calls++
	if r.calls == r.n {
		r.cancel()
	}
	return r.Renderer.RenderInto(ctx, dst, s, t)
}

func TestExportCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &cancellingRenderer{
		Renderer: compositor.New(&timeSource{}, nil, zerolog.Nop(), compositor.Options{}),
		n:        10,
		cancel:   cancel,
	}
	enc := &fakeEncoder{}
	tmp, out := t.TempDir(), t.TempDir()
	ex := New(r, enc, zerolog.Nop(), WithTempDir(tmp))

	var reports []Progress
	_, err := ex.Export(ctx, twoClipScene(), testSpec(out), func(p Progress) { reports = append(reports, p) })
	if !errors.Is(err, ErrCancelled) || CategoryOf(err) != CategoryCancelled {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if r.calls > 11 {
		t.Errorf("rendered %d frames after cancel", r.calls)
	}
	if !enc.aborted || enc.job != nil {
		t.Errorf("encoder aborted=%v, mux=%v", enc.aborted, enc.job != nil)
	}
	last := reports[len(reports)-1]
	if last.State != StateCancelled {
		t.Errorf("last state = %s", last.State)
	}
	for _, p := range reports[:len(reports)-1] {
		if p.State.Terminal() {
			t.Errorf("report after terminal state: %+v", p)
		}
	}
	assertEmptyDir(t, tmp)
	assertEmptyDir(t, out)
}

func TestExportFailures(t *testing.T) {
	tests := []struct {
		name string
		enc  *fakeEncoder
	}{
		{"mux error", &fakeEncoder{muxErr: errors.New("muxer exploded")}},
		{"write error", &fakeEncoder{failWriteAt: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := compositor.New(&timeSource{}, nil, zerolog.Nop(), compositor.Options{})
			tmp, out := t.TempDir(), t.TempDir()
			ex := New(comp, tt.enc, zerolog.Nop(), WithTempDir(tmp))

			var states []State
			_, err := ex.Export(context.Background(), twoClipScene(), testSpec(out), func(p Progress) {
				states = append(states, p.State)
			})
			if CategoryOf(err) != CategoryExportFailed || errors.Is(err, ErrCancelled) {
				t.Fatalf("err = %v (%s)", err, CategoryOf(err))
			}
			if states[len(states)-1] != StateFailed {
				t.Errorf("last state = %s", states[len(states)-1])
			}
			assertEmptyDir(t, tmp)
			assertEmptyDir(t, out)
		})
	}
}

// flakyRenderer reports the clip as skipped for the first failures calls, or on every
// every-th call when every is set
type flakyRenderer struct {
	failures int
	every    int
	err      error
	calls    int
}

func (r *flakyRenderer) RenderInto(_ context.Context, dst *image.RGBA, _ scene.Scene, t float64) (*compositor.Frame, error) {
	r.calls++
	f := &compositor.Frame{Image: dst, Time: t}
	if r.calls <= r.failures || (r.every > 0 && (r.calls-1)%r.every == 0) {
		f.Skipped = []compositor.SkippedClip{{ClipID: "c", AssetID: "img", Err: r.err}}
	}
	return f, nil
}

func TestExportAssetRetryBudget(t *testing.T) {
	short := scene.Scene{
		Aspect: scene.Aspect16x9,
		Assets: []scene.MediaAsset{{ID: "img", Kind: scene.KindImage, Source: "/x.png"}},
		Clips:  []scene.Clip{{ID: "c", AssetID: "img", Start: 0, End: 0.1}},
	}
	tests := []struct {
		name      string
		failures  int
		err       error
		budget    int
		wantCat   Category
		wantCalls int
	}{
		{"recovers within budget", 2, errors.New("flaky seek"), 3, "", 3 + 2},
		{"budget exhausted", 1000, errors.New("flaky seek"), 2, CategoryAssetUnavailable, 3},
		{"missing fails fast", 1000, fmt.Errorf("open: %w", media.ErrAssetMissing), 3, CategoryAssetUnavailable, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &flakyRenderer{failures: tt.failures, err: tt.err}
			ex := New(r, &fakeEncoder{}, zerolog.Nop(), WithTempDir(t.TempDir()), WithRetryBudget(tt.budget))
			_, err := ex.Export(context.Background(), short, testSpec(t.TempDir()), nil)
			if got := CategoryOf(err); got != tt.wantCat {
				t.Fatalf("category = %q (%v), want %q", got, err, tt.wantCat)
			}
			if r.calls != tt.wantCalls {
				t.Errorf("render calls = %d, want %d", r.calls, tt.wantCalls)
			}
			var ae *AssetError
			if tt.wantCat != "" && (!errors.As(err, &ae) || ae.AssetID != "img") {
				t.Errorf("expected AssetError for img, got %v", err)
			}
		})
	}
}

func TestExportRetryBudgetSpansFrames(t *testing.T) {
	s := scene.Scene{
		Aspect: scene.Aspect16x9,
		Assets: []scene.MediaAsset{{ID: "img", Kind: scene.KindImage, Source: "/x.png"}},
		Clips:  []scene.Clip{{ID: "c", AssetID: "img", Start: 0, End: 1}},
	}
	// every failing frame recovers on its retry, but the asset fails on calls 1, 6, 11, 16
	r := &flakyRenderer{every: 5, err: errors.New("flaky seek")}
	out := t.TempDir()
	ex := New(r, &fakeEncoder{}, zerolog.Nop(), WithTempDir(t.TempDir()), WithRetryBudget(3))
	_, err := ex.Export(context.Background(), s, testSpec(out), nil)

	var ae *AssetError
	if CategoryOf(err) != CategoryAssetUnavailable || !errors.As(err, &ae) {
		t.Fatalf("err = %v, want asset-unavailable", err)
	}
	if ae.Attempts != 4 || r.calls != 16 {
		t.Errorf("attempts = %d, render calls = %d; want 4, 16", ae.Attempts, r.calls)
	}
	assertEmptyDir(t, out)
}

func TestExportAudioPlan(t *testing.T) {
	dir := t.TempDir()
	song := filepath.Join(dir, "song.mp3")
	if err := os.WriteFile(song, []byte("id3"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := twoClipScene()
	s.Assets = append(s.Assets, scene.MediaAsset{ID: "s", Kind: scene.KindAudio, Source: song, Duration: 60})
	s.Clips = append(s.Clips, scene.Clip{ID: "m", AssetID: "s", Track: 1, Start: 1, End: 4, TrimEnd: 3, Speed: 1, Volume: 80})

	enc := &fakeEncoder{}
	comp := compositor.New(&timeSource{}, nil, zerolog.Nop(), compositor.Options{})
	ex := New(comp, enc, zerolog.Nop(), WithTempDir(t.TempDir()))
	if _, err := ex.Export(context.Background(), s, testSpec(t.TempDir()), nil); err != nil {
		t.Fatal(err)
	}
	p := enc.job.Audio
	if p == nil || len(p.Inputs) != 1 || p.Inputs[0].Index != 1 || p.Inputs[0].Path != song {
		t.Fatalf("audio plan = %+v", p)
	}
	if !strings.Contains(p.Graph, "adelay=delays=1000:all=1") {
		t.Errorf("graph = %s", p.Graph)
	}

	// The same scene with the song deleted fails before muxing.
	os.Remove(song)
	enc = &fakeEncoder{}
	ex = New(comp, enc, zerolog.Nop(), WithTempDir(t.TempDir()))
	_, err := ex.Export(context.Background(), s, testSpec(t.TempDir()), nil)
	if CategoryOf(err) != CategoryAssetUnavailable || enc.job != nil {
		t.Errorf("err = %v, mux called = %v", err, enc.job != nil)
	}
}

func TestExportEmptyScene(t *testing.T) {
	ex := New(&flakyRenderer{}, &fakeEncoder{}, zerolog.Nop())
	_, err := ex.Export(context.Background(), scene.Scene{Aspect: scene.Aspect16x9}, testSpec(t.TempDir()), nil)
	if CategoryOf(err) != CategoryExportFailed {
		t.Errorf("err = %v", err)
	}
}

func TestJob(t *testing.T) {
	comp := compositor.New(&timeSource{}, nil, zerolog.Nop(), compositor.Options{})
	ex := New(comp, &fakeEncoder{}, zerolog.Nop(), WithTempDir(t.TempDir()))
	s := twoClipScene()
	s.Clips = s.Clips[:1]

	job := ex.Start(context.Background(), s, testSpec(t.TempDir()), nil)
	res, err := job.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if job.State() != StateComplete || res.Frames != 150 {
		t.Errorf("state = %s, frames = %d", job.State(), res.Frames)
	}
	job.Cancel() // no effect after completion
	if job.State() != StateComplete {
		t.Errorf("state after late cancel = %s", job.State())
	}
}

func TestFrameCount(t *testing.T) {
	tests := []struct {
		duration float64
		fps      int
		want     int
	}{
		{10, 30, 300},
		{0.1, 30, 3},
		{1.0 / 3, 30, 10},
		{10.01, 30, 301},
		{0, 30, 0},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := FrameCount(tt.duration, tt.fps); got != tt.want {
			t.Errorf("FrameCount(%g, %d) = %d, want %d", tt.duration, tt.fps, got, tt.want)
		}
	}
}

func TestFrameSize(t *testing.T) {
	tests := []struct {
		spec   OutputSpec
		aspect scene.AspectRatio
		want   image.Point
		err    error
	}{
		{OutputSpec{Width: 1280}, scene.Aspect16x9, image.Pt(1280, 720), nil},
		{OutputSpec{}, scene.Aspect9x16, image.Pt(1080, 1920), nil},
		{OutputSpec{Height: 720}, scene.Aspect16x9, image.Pt(1280, 720), nil},
		{OutputSpec{Width: 1001}, scene.Aspect1x1, image.Pt(1000, 1000), nil},
		{OutputSpec{Width: 1280, Height: 720}, scene.Aspect16x9, image.Pt(1280, 720), nil},
		{OutputSpec{Width: 854, Height: 480}, scene.Aspect16x9, image.Pt(854, 480), nil},
		{OutputSpec{Width: 640, Height: 480}, scene.Aspect16x9, image.Point{}, ErrAspectMismatch},
		{OutputSpec{Width: 1080, Height: 1080}, scene.Aspect9x16, image.Point{}, ErrAspectMismatch},
	}
	for _, tt := range tests {
		got, err := tt.spec.FrameSize(tt.aspect)
		if !errors.Is(err, tt.err) || got != tt.want {
			t.Errorf("FrameSize(%+v, %s) = %v, %v; want %v, %v", tt.spec, tt.aspect, got, err, tt.want, tt.err)
		}
	}
}

func TestExportRejectsMismatchedSize(t *testing.T) {
	r := &flakyRenderer{}
	out := t.TempDir()
	spec := testSpec(out)
	spec.Height = 64
	ex := New(r, &fakeEncoder{}, zerolog.Nop(), WithTempDir(t.TempDir()))
	_, err := ex.Export(context.Background(), twoClipScene(), spec, nil)
	if CategoryOf(err) != CategoryExportFailed || !errors.Is(err, ErrAspectMismatch) {
		t.Fatalf("err = %v", err)
	}
	if r.calls != 0 {
		t.Errorf("rendered %d frames before rejecting the size", r.calls)
	}
	assertEmptyDir(t, out)
}

func TestTracker(t *testing.T) {
	var got []Progress
	tr := newTracker(func(p Progress) { got = append(got, p) }, 10)
	tr.report(StateRendering, 10, 1)
	tr.report(StateRendering, 5, 2)
	tr.report(StateRendering, 5, 2) // duplicate, dropped
	tr.finish(StateFailed)
	tr.report(StateMuxing, 80, 10)
	tr.finish(StateComplete)

	if len(got) != 3 {
		t.Fatalf("reports = %+v", got)
	}
	if got[1].Percent != 10 || got[1].Frame != 2 {
		t.Errorf("second report = %+v", got[1])
	}
	if got[2].State != StateFailed || tr.state() != StateFailed {
		t.Errorf("terminal = %+v", got[2])
	}
}

func TestPartialPath(t *testing.T) {
	dir := t.TempDir()
	p, err := partialPath(filepath.Join(dir, "movie.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	base := filepath.Base(p)
	if filepath.Dir(p) != dir || !strings.HasPrefix(base, ".movie.") || !strings.HasSuffix(base, ".partial.mp4") {
		t.Errorf("partial path = %s", p)
	}
	if _, err := os.Stat(p); err != nil {
		t.Errorf("partial file not reserved: %v", err)
	}
}
