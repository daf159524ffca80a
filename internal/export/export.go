// Package export renders a scene frame by frame into the external encoder, mixes the audio
// plan and finalizes the output file. A failed or cancelled job leaves no output behind.
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
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ivlev/vidcomposer/internal/audio"
	"github.com/ivlev/vidcomposer/internal/compositor"
	"github.com/ivlev/vidcomposer/internal/config"
	"github.com/ivlev/vidcomposer/internal/media"
	"github.com/ivlev/vidcomposer/internal/scene"
	"github.com/ivlev/vidcomposer/internal/system"
	"github.com/ivlev/vidcomposer/internal/video"
)

// Renderer composites one frame into dst
type Renderer interface {
	RenderInto(ctx context.Context, dst *image.RGBA, s scene.Scene, t float64) (*compositor.Frame, error)
}

// OutputSpec is what the caller asks for. Zero sizes derive from the scene aspect ratio.
type OutputSpec struct {
	Path          string
	Width, Height int
	FPS           int
	Codec         string
	Quality       string
	BitrateKbps   int // 0 = from quality tier
	SampleRate    int
	AudioQuality  string
}

func SpecFromConfig(cfg config.ExportConfig, path string) OutputSpec {
	return OutputSpec{
		Path:         path,
		Width:        cfg.Width,
		Height:       cfg.Height,
		FPS:          cfg.FPS,
		Codec:        cfg.Codec,
		Quality:      cfg.Quality,
		BitrateKbps:  cfg.Bitrate,
		SampleRate:   cfg.AudioSampleRate,
		AudioQuality: cfg.AudioQuality,
	}
}

// ErrAspectMismatch rejects an explicit width and height that do not keep the canvas aspect ratio.
var ErrAspectMismatch = errors.New("output size does not match the scene aspect ratio")

// FrameSize resolves the raster size. yuv420p needs even dimensions, so both are rounded down.
// Frames scale uniformly by width, so an explicit pair must match the canvas aspect ratio.
func (o OutputSpec) FrameSize(aspect scene.AspectRatio) (image.Point, error) {
	w, h := o.Width, o.Height
	vw, vh := aspect.VirtualSize()
	switch {
	case w > 0 && h > 0:
		want := float64(w) * float64(vh) / float64(vw)
		if math.Abs(float64(h)-want) > 2 {
			return image.Point{}, fmt.Errorf("%w: %dx%d for %s", ErrAspectMismatch, w, h, aspect)
		}
	case h > 0:
		w = int(math.Round(float64(h) * float64(vw) / float64(vh)))
	default:
		p := compositor.OutputSize(aspect, w)
		w, h = p.X, p.Y
	}
	return image.Pt(max(2, w&^1), max(2, h&^1)), nil
}

// FrameCount is ceil(duration × fps), tolerant of float noise at whole frames.
func FrameCount(duration float64, fps int) int {
	if duration <= 0 || fps <= 0 {
		return 0
	}
	return int(math.Ceil(duration*float64(fps) - 1e-9))
}

// Report is the performance summary of a finished job
type Report struct {
	Frames int
	Render time.Duration
	Audio  time.Duration
	Mux    time.Duration
	Total  time.Duration
	FPS    float64
	System system.Stats
}

// Result describes a finished export
type Result struct {
	Path     string
	Frames   int
	Duration float64
	Size     image.Point
	Report   Report
}

// Exporter renders a scene frame by frame into an encoder and muxes the result with its audio.
type Exporter struct {
	renderer    Renderer
	encoder     video.Encoder
	log         zerolog.Logger
	pool        *system.ImagePool
	retryBudget int
	tempDir     string
	showStats   bool
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithRetryBudget sets how many failed renders one asset may cause over a job before it fails.
func WithRetryBudget(n int) Option { return func(e *Exporter) { e.retryBudget = max(0, n) } }

func WithTempDir(dir string) Option { return func(e *Exporter) { e.tempDir = dir } }

func WithStats(on bool) Option { return func(e *Exporter) { e.showStats = on } }

func WithPool(p *system.ImagePool) Option { return func(e *Exporter) { e.pool = p } }

// New creates an Exporter. The retry budget defaults to 3.
func New(r Renderer, enc video.Encoder, log zerolog.Logger, opts ...Option) *Exporter {
	e := &Exporter{
		renderer:    r,
		encoder:     enc,
		log:         log,
		retryBudget: 3,
	}
	for _, o := range opts {
		o(e)
	}
	if e.pool == nil {
		e.pool = system.NewImagePool()
	}
	return e
}

// Job is a running export started by Start
type Job struct {
	cancel context.CancelFunc
	done   chan struct{}
	tr     *tracker

	mu     sync.Mutex
	result *Result
	err    error
}

// Start runs Export in the background. Cancel stops it at the next frame boundary.
func (e *Exporter) Start(ctx context.Context, s scene.Scene, spec OutputSpec, onProgress func(Progress)) *Job {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{cancel: cancel, done: make(chan struct{})}
	j.tr = newTracker(onProgress, 0)
	go func() {
		defer close(j.done)
		defer cancel()
		res, err := e.run(ctx, s, spec, j.tr)
		j.mu.Lock()
		j.result, j.err = res, err
		j.mu.Unlock()
	}()
	return j
}

func (j *Job) Cancel() { j.cancel() }

func (j *Job) State() State { return j.tr.state() }

// Wait blocks until the job reaches a terminal state.
func (j *Job) Wait() (*Result, error) {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Export runs one export job synchronously. The returned error is an *Error.
func (e *Exporter) Export(ctx context.Context, s scene.Scene, spec OutputSpec, onProgress func(Progress)) (*Result, error) {
	return e.run(ctx, s, spec, newTracker(onProgress, 0))
}

func (e *Exporter) run(ctx context.Context, s scene.Scene, spec OutputSpec, tr *tracker) (res *Result, err error) {
	start := time.Now()
	log := e.log.With().Str("output", spec.Path).Logger()

	duration := s.Duration()
	frames := FrameCount(duration, spec.FPS)
	size, sizeErr := spec.FrameSize(s.Aspect)
	tr.mu.Lock()
	tr.last.Frames = frames
	tr.mu.Unlock()

	stage := "setup"
	defer func() {
		if err == nil {
			tr.finish(StateComplete)
			return
		}
		ee := classify(ctx, stage, err)
		err = ee
		if ee.Category == CategoryCancelled {
			tr.finish(StateCancelled)
			log.Info().Str("stage", stage).Msg("export cancelled")
		} else {
			tr.finish(StateFailed)
			log.Error().Err(ee.Err).Str("category", string(ee.Category)).Str("stage", stage).Msg("export failed")
		}
	}()

	if spec.Path == "" {
		return nil, &Error{Category: CategoryExportFailed, Reason: "no output path"}
	}
	if frames == 0 {
		return nil, &Error{Category: CategoryExportFailed, Reason: "scene is empty"}
	}
	if sizeErr != nil {
		return nil, &Error{Category: CategoryExportFailed, Reason: "invalid output size", Err: sizeErr}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp(e.tempDir, "vidcomposer-")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	log.Info().Int("frames", frames).Int("fps", spec.FPS).
		Str("size", fmt.Sprintf("%dx%d", size.X, size.Y)).Str("codec", spec.Codec).Msg("export started")

	// 1. Рендер кадров в энкодер
	stage = "render"
	tr.report(StateRendering, 0, 0)
	renderStart := time.Now()
	videoPath := filepath.Join(tmp, "video.mkv")
	w, err := e.encoder.Open(ctx, video.Spec{
		Width: size.X, Height: size.Y, FPS: spec.FPS,
		Codec: spec.Codec, Quality: spec.Quality, BitrateKbps: spec.BitrateKbps,
	}, videoPath)
	if err != nil {
		return nil, err
	}
	defer w.Abort()

	if err := e.renderFrames(ctx, s, size, frames, spec.FPS, w, tr); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	renderTime := time.Since(renderStart)

	// 2. План микширования звука
	stage = "audio"
	audioStart := time.Now()
	plan := audio.Build(s, spec.SampleRate, 1)
	if plan != nil {
		for _, in := range plan.Inputs {
			if _, err := os.Stat(in.Path); err != nil {
				return nil, &AssetError{AssetID: in.AssetID, ClipID: in.ClipID, Attempts: 1, Err: fmt.Errorf("%w: %v", media.ErrAssetMissing, err)}
			}
		}
		log.Debug().Int("inputs", len(plan.Inputs)).Str("graph", plan.Graph).Msg("audio plan")
	}
	tr.report(StateMuxing, audioEnd, frames)
	audioTime := time.Since(audioStart)

	// 3. Сборка финального файла рядом с назначением
	stage = "mux"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	muxStart := time.Now()
	partial, err := partialPath(spec.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			os.Remove(partial)
		}
	}()

	err = e.encoder.Mux(ctx, video.MuxJob{
		Video:        videoPath,
		Codec:        spec.Codec,
		Audio:        plan,
		AudioQuality: spec.AudioQuality,
		Duration:     float64(frames) / float64(spec.FPS),
		Output:       partial,
	}, func(f float64) {
		tr.report(StateMuxing, audioEnd+(muxEnd-audioEnd)*f, frames)
	})
	if err != nil {
		return nil, err
	}
	tr.report(StateMuxing, muxEnd, frames)
	muxTime := time.Since(muxStart)

	stage = "finalize"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.Rename(partial, spec.Path); err != nil {
		return nil, fmt.Errorf("rename output: %w", err)
	}

	total := time.Since(start)
	res = &Result{
		Path:     spec.Path,
		Frames:   frames,
		Duration: duration,
		Size:     size,
		Report: Report{
			Frames: frames,
			Render: renderTime,
			Audio:  audioTime,
			Mux:    muxTime,
			Total:  total,
			FPS:    float64(frames) / total.Seconds(),
		},
	}
	if e.showStats {
		e.report(log, &res.Report)
	}
	log.Info().Dur("elapsed", total).Msg("export complete")
	return res, nil
}

// renderFrames keeps one frame in flight between the compositor and the encoder.
// Frames are produced and written strictly in time order.
func (e *Exporter) renderFrames(ctx context.Context, s scene.Scene, size image.Point, frames, fps int, w video.FrameWriter, tr *tracker) error {
	g, gctx := errgroup.WithContext(ctx)
	ch := make(chan *image.RGBA, 1)
	rect := image.Rectangle{Max: size}
	failures := make(map[string]int) // asset id -> failed renders over the job

	g.Go(func() error {
		defer close(ch)
		for i := 0; i < frames; i++ {
			if err := gctx.Err(); err != nil {
				return err
			}
			img := e.pool.Get(rect)
			if err := e.renderFrame(gctx, img, s, float64(i)/float64(fps), failures); err != nil {
				e.pool.Put(img)
				return err
			}
			select {
			case ch <- img:
			case <-gctx.Done():
				e.pool.Put(img)
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		n := 0
		for img := range ch {
			err := w.WriteFrame(img)
			e.pool.Put(img)
			if err != nil {
				return fmt.Errorf("frame %d: %w", n, err)
			}
			n++
			tr.report(StateRendering, renderEnd*float64(n)/float64(frames), n)
		}
		return nil
	})

	return g.Wait()
}

// renderFrame re-renders while a clip is skipped. Failures are counted per asset over the
// whole job, so an asset that keeps failing on scattered frames still exhausts the budget.
// A missing asset fails on the first attempt.
func (e *Exporter) renderFrame(ctx context.Context, dst *image.RGBA, s scene.Scene, t float64, failures map[string]int) error {
	for {
		f, err := e.renderer.RenderInto(ctx, dst, s, t)
		if err != nil {
			return err
		}
		if len(f.Skipped) == 0 {
			return nil
		}

		var worst compositor.SkippedClip
		counted := make(map[string]bool, len(f.Skipped))
		for _, c := range f.Skipped {
			if !counted[c.AssetID] {
				counted[c.AssetID] = true
				failures[c.AssetID]++
			}
			if errors.Is(c.Err, media.ErrAssetMissing) {
				return &AssetError{AssetID: c.AssetID, ClipID: c.ClipID, Time: t, Attempts: failures[c.AssetID], Err: c.Err}
			}
			if worst.AssetID == "" || failures[c.AssetID] > failures[worst.AssetID] {
				worst = c
			}
		}
		n := failures[worst.AssetID]
		if n > e.retryBudget {
			return &AssetError{AssetID: worst.AssetID, ClipID: worst.ClipID, Time: t, Attempts: n, Err: worst.Err}
		}
		e.log.Warn().Err(worst.Err).Str("asset", worst.AssetID).Float64("t", t).Int("failures", n).Msg("retrying frame")
	}
}

// partialPath reserves a hidden temp file beside dst, keeping its extension so ffmpeg
// picks the same container.
func partialPath(dst string) (string, error) {
	dir, base := filepath.Split(dst)
	if dir == "" {
		dir = "."
	}
	ext := filepath.Ext(base)
	f, err := os.CreateTemp(dir, "."+strings.TrimSuffix(base, ext)+".*.partial"+ext)
	if err != nil {
		return "", fmt.Errorf("reserve output: %w", err)
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (e *Exporter) report(log zerolog.Logger, r *Report) {
	st, err := system.Snapshot()
	if err != nil {
		log.Debug().Err(err).Msg("system stats incomplete")
	}
	r.System = st
	log.Info().
		Int("frames", r.Frames).
		Dur("render", r.Render).
		Dur("audio", r.Audio).
		Dur("mux", r.Mux).
		Dur("total", r.Total).
		Float64("fps", math.Round(r.FPS*100)/100).
		Str("rss", system.MiB(st.ProcessRSS)).
		Str("heap", system.MiB(st.HeapAlloc)).
		Float64("system_mem_used_pct", math.Round(st.SystemUsed*10)/10).
		Int("goroutines", st.Goroutines).
		Msg("performance report")
}
