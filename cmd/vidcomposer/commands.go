package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/ivlev/vidcomposer/internal/compositor"
	"github.com/ivlev/vidcomposer/internal/export"
	"github.com/ivlev/vidcomposer/internal/logging"
	"github.com/ivlev/vidcomposer/internal/media"
	"github.com/ivlev/vidcomposer/internal/preview"
	"github.com/ivlev/vidcomposer/internal/scene"
	"github.com/ivlev/vidcomposer/internal/system"
	"github.com/ivlev/vidcomposer/internal/timeline"
)

var (
	runFrame   = withApp(frame)
	runExport  = withApp(exportScene)
	runImport  = withApp(importFiles)
	runSplit   = withApp(split)
	runMove    = withApp(move)
	runRemove  = withApp(remove)
	runSpeed   = withApp(speed)
	runCompact = withApp(compact)
	runPreview = withApp(previewScene)
)

func logSkipped(log zerolog.Logger, f *compositor.Frame) {
	for _, sk := range f.Skipped {
		log.Warn().Err(sk.Err).Str("clip", sk.ClipID).Str("asset", sk.AssetID).Float64("time", f.Time).Msg("clip skipped")
	}
}

func saveImage(img image.Image, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return imaging.Save(img, path)
}

func frame(ctx context.Context, cmd *cli.Command, a *app) error {
	doc, err := loadScene(cmd.String("scene"))
	if err != nil {
		return err
	}
	t := cmd.Float("time")
	size := compositor.OutputSize(doc.Aspect, int(cmd.Int("width")))
	f, err := a.comp.Render(ctx, doc.Scene, t, size)
	if err != nil {
		return err
	}
	logSkipped(a.log, f)

	out := cmd.String("out")
	if err := saveImage(f.Image, out); err != nil {
		return fmt.Errorf("save frame: %w", err)
	}
	a.log.Info().Str("out", out).Float64("time", t).Int("width", size.X).Int("height", size.Y).Msg("frame rendered")
	return nil
}

// exportOverrides applies command-line flags over the export section
func exportOverrides(cmd *cli.Command, spec export.OutputSpec) export.OutputSpec {
	if v := cmd.Int("width"); v > 0 {
		spec.Width = int(v)
	}
	if v := cmd.Int("height"); v > 0 {
		spec.Height = int(v)
	}
	if v := cmd.Int("fps"); v > 0 {
		spec.FPS = int(v)
	}
	if v := cmd.String("quality"); v != "" {
		spec.Quality = v
	}
	if v := cmd.String("codec"); v != "" {
		spec.Codec = v
	}
	if v := cmd.Int("bitrate"); v > 0 {
		spec.BitrateKbps = int(v)
	}
	return spec
}

// progressLogger logs state changes and every step percent of progress
func progressLogger(log zerolog.Logger, step float64) func(export.Progress) {
	var last export.State
	next := 0.0
	return func(p export.Progress) {
		if p.State == last && p.Percent < next {
			return
		}
		last = p.State
		for next <= p.Percent {
			next += step
		}
		ev := log.Info().Str("state", string(p.State)).Float64("percent", p.Percent)
		if p.Frames > 0 {
			ev = ev.Int("frame", p.Frame).Int("frames", p.Frames)
		}
		ev.Msg("export progress")
	}
}

func exportScene(ctx context.Context, cmd *cli.Command, a *app) error {
	doc, err := loadScene(cmd.String("scene"))
	if err != nil {
		return err
	}
	spec := exportOverrides(cmd, export.SpecFromConfig(a.cfg.Export, cmd.String("out")))

	ex, err := a.exporter()
	if err != nil {
		return err
	}

	// Ctrl-C отменяет экспорт, частичный файл удаляется
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := ex.Export(ctx, doc.Scene, spec, progressLogger(logging.WithComponent("progress"), 10))
	if err != nil {
		if errors.Is(err, export.ErrCancelled) {
			a.log.Warn().Msg("export cancelled")
		}
		return err
	}
	ev := a.log.Info().
		Str("out", res.Path).
		Int("frames", res.Frames).
		Float64("duration", res.Duration).
		Int("width", res.Size.X).
		Int("height", res.Size.Y).
		Dur("elapsed", res.Report.Total)
	if fi, err := os.Stat(res.Path); err == nil {
		ev = ev.Str("file", system.MiB(uint64(fi.Size())))
	}
	ev.Msg("export complete")
	return nil
}

// assetID derives a readable id from the file name, unique within s
func assetID(s scene.Scene, path string) string {
	base := filepath.Base(media.ParseLocator(path).Path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.Map(func(r rune) rune {
		if r == ' ' || r == '#' {
			return '_'
		}
		return r
	}, strings.ToLower(base))
	if base == "" {
		base = "asset"
	}
	id := base
	for n := 2; ; n++ {
		if _, taken := s.Asset(id); !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

func importFiles(ctx context.Context, cmd *cli.Command, a *app) error {
	files := cmd.Args().Slice()
	if len(files) == 0 {
		return errors.New("no files to import")
	}
	path := cmd.String("scene")

	doc, err := scene.ReadDocument(path)
	if errors.Is(err, os.ErrNotExist) {
		aspect := scene.AspectRatio(cmd.String("aspect"))
		if !aspect.Valid() {
			return fmt.Errorf("unknown aspect ratio %q", aspect)
		}
		doc = scene.NewDocument(scene.Scene{Aspect: aspect})
		err = nil
	}
	if err != nil {
		return fmt.Errorf("load scene: %w", err)
	}

	s := doc.Scene
	for _, f := range files {
		asset, err := media.Probe(ctx, a.cfg.FFmpeg.FFprobe, f)
		if err != nil {
			return fmt.Errorf("probe %s: %w", f, err)
		}
		asset.ID = assetID(s, f)
		s = s.Clone()
		s.Assets = append(s.Assets, asset)

		var clipID string
		if s, clipID, err = a.engine.AddClip(s, asset.ID, s.Duration()); err != nil {
			return err
		}
		a.log.Info().Str("asset", asset.ID).Str("kind", string(asset.Kind)).Str("clip", clipID).Float64("duration", asset.Duration).Msg("imported")
	}

	doc.Scene = s
	return scene.WriteDocument(doc, path)
}

func split(_ context.Context, cmd *cli.Command, a *app) error {
	var res timeline.SplitResult
	_, err := a.editScene(cmd.String("scene"), func(s scene.Scene) (scene.Scene, error) {
		var err error
		s, res, err = a.engine.SplitClip(s, cmd.String("clip"), cmd.Float("at"))
		return s, err
	})
	if err != nil {
		return err
	}
	if res.LeftID == "" {
		a.log.Warn().Str("clip", cmd.String("clip")).Float64("at", cmd.Float("at")).Msg("split point outside clip, nothing changed")
		return nil
	}
	a.log.Info().Str("left", res.LeftID).Str("right", res.RightID).Msg("clip split")
	return nil
}

func move(_ context.Context, cmd *cli.Command, a *app) error {
	id := cmd.String("clip")
	_, err := a.editScene(cmd.String("scene"), func(s scene.Scene) (scene.Scene, error) {
		c, ok := s.Clip(id)
		if !ok {
			return s, &timeline.EditError{Op: "move", ClipID: id, Err: timeline.ErrClipNotFound}
		}
		delta := cmd.Float("delta")
		if cmd.Bool("snap") {
			start := max(0, c.Start+delta)
			snapped, res := a.engine.SnapRange(s, start, start+c.Duration(), id)
			if res.Snapped {
				a.log.Debug().Floats64("markers", res.Markers).Msg("snapped")
			}
			delta = snapped - c.Start
		}
		next, err := a.engine.MoveClip(s, id, delta, int(cmd.Int("track")))
		if err != nil {
			return s, err
		}
		next, _ = timeline.CompactTracks(next)
		return next, nil
	})
	return reportEdit(a.log, "move", id, err)
}

func remove(_ context.Context, cmd *cli.Command, a *app) error {
	id := cmd.String("clip")
	_, err := a.editScene(cmd.String("scene"), func(s scene.Scene) (scene.Scene, error) {
		return a.engine.RemoveClip(s, id)
	})
	return reportEdit(a.log, "remove", id, err)
}

func speed(_ context.Context, cmd *cli.Command, a *app) error {
	id := cmd.String("clip")
	_, err := a.editScene(cmd.String("scene"), func(s scene.Scene) (scene.Scene, error) {
		return a.engine.SetSpeed(s, id, cmd.Float("speed"))
	})
	return reportEdit(a.log, "speed", id, err)
}

// reportEdit logs a rejected edit with its reason code
func reportEdit(log zerolog.Logger, op, id string, err error) error {
	if err != nil {
		if code := timeline.ReasonCode(err); code != "" {
			log.Warn().Str("op", op).Str("clip", id).Str("reason", code).Msg("edit rejected")
		}
		return err
	}
	log.Info().Str("op", op).Str("clip", id).Msg("scene saved")
	return nil
}

func compact(_ context.Context, cmd *cli.Command, a *app) error {
	var mapping map[int]int
	_, err := a.editScene(cmd.String("scene"), func(s scene.Scene) (scene.Scene, error) {
		s, mapping = timeline.CompactTracks(s)
		return s, nil
	})
	if err != nil {
		return err
	}
	moved := 0
	for from, to := range mapping {
		if from != to {
			moved++
		}
	}
	a.log.Info().Int("tracks", len(mapping)).Int("renumbered", moved).Msg("tracks compacted")
	return nil
}

func previewScene(ctx context.Context, cmd *cli.Command, a *app) error {
	path := cmd.String("scene")
	doc, err := loadScene(path)
	if err != nil {
		return err
	}
	t, out := cmd.Float("time"), cmd.String("out")
	width := int(cmd.Int("width"))

	ses := preview.NewSession(doc.Scene, a.engine, a.comp, a.cache, logging.WithComponent("preview"))
	ses.SetPlayhead(t)
	render := func() {
		s := ses.Scene()
		f, err := ses.Render(ctx, t, compositor.OutputSize(s.Aspect, width))
		if err != nil {
			a.log.Error().Err(err).Msg("preview render failed")
			return
		}
		logSkipped(a.log, f)
		if err := saveImage(f.Image, out); err != nil {
			a.log.Error().Err(err).Msg("save preview")
			return
		}
		a.log.Info().Str("out", out).Float64("time", t).Msg("preview updated")
	}
	render()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return preview.Watch(ctx, path, logging.WithComponent("watch"), func(d *scene.Document) {
		if err := d.Validate(true); err != nil {
			a.log.Warn().Err(err).Msg("invalid scene, keeping previous")
			return
		}
		ses.Replace(d.Scene)
		render()
	})
}
