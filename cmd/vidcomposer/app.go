package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/ivlev/vidcomposer/internal/compositor"
	"github.com/ivlev/vidcomposer/internal/config"
	"github.com/ivlev/vidcomposer/internal/export"
	"github.com/ivlev/vidcomposer/internal/logging"
	"github.com/ivlev/vidcomposer/internal/media"
	"github.com/ivlev/vidcomposer/internal/scene"
	"github.com/ivlev/vidcomposer/internal/system"
	"github.com/ivlev/vidcomposer/internal/timeline"
	"github.com/ivlev/vidcomposer/internal/video"
)

// app holds the components shared by the commands
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	engine *timeline.Engine
	cache  *media.Cache
	comp   *compositor.Compositor
}

func newApp(cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.BuildVersion = version

	level := cfg.App.LogLevel
	if l := cmd.String("log-level"); l != "" {
		level = l
	}
	logging.Init(level, cfg.App.PrettyLogs)
	log := logging.WithComponent("cli")

	// Каждый видеоассет держит открытый пайп ffmpeg
	system.InitResourceLimits(log, 4096)

	fonts := compositor.DefaultFonts()
	if cfg.Render.FontDir != "" {
		if fonts, err = compositor.LoadFontDir(cfg.Render.FontDir); err != nil {
			return nil, fmt.Errorf("load fonts: %w", err)
		}
	}

	cache := media.NewCache(media.NewFileOpener(cfg.FFmpeg.Binary, cfg.FFmpeg.FFprobe), logging.WithComponent("media"))
	comp := compositor.New(cache, fonts, logging.WithComponent("compositor"), compositor.Options{
		DefaultFraction: cfg.Render.PreviewDefaultFraction,
	})

	return &app{
		cfg:    cfg,
		log:    log,
		engine: newEngine(cfg.Timeline, cfg.Render),
		cache:  cache,
		comp:   comp,
	}, nil
}

func newEngine(tc config.TimelineConfig, rc config.RenderConfig) *timeline.Engine {
	return timeline.New(
		timeline.WithTrimPolicy(timeline.TrimPolicy(tc.TrimPolicy)),
		timeline.WithSnapThreshold(tc.SnapThreshold),
		timeline.WithMinDuration(tc.MinClipDuration),
		timeline.WithPlacementFraction(rc.PlacementDefaultFraction),
	)
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing decoders")
	}
}

func (a *app) exporter() (*export.Exporter, error) {
	ff := a.cfg.FFmpeg
	enc, err := video.New(ff.Binary, ff.Threads, ff.HWAccel, logging.WithComponent("ffmpeg"))
	if err != nil {
		return nil, err
	}
	ec := a.cfg.Export
	return export.New(a.comp, enc, logging.WithComponent("export"),
		export.WithRetryBudget(ec.AssetRetryBudget),
		export.WithTempDir(ec.TempDir),
		export.WithStats(ec.ShowStats),
		export.WithPool(system.NewImagePool()),
	), nil
}

// withApp builds the app for one command and releases it afterwards
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a)
	}
}

func loadScene(path string) (*scene.Document, error) {
	doc, err := scene.ReadDocument(path)
	if err != nil {
		return nil, fmt.Errorf("load scene: %w", err)
	}
	if err := doc.Validate(true); err != nil {
		return nil, fmt.Errorf("scene %s: %w", path, err)
	}
	return doc, nil
}

// editScene applies one edit to the document at path and saves it.
func (a *app) editScene(path string, edit func(scene.Scene) (scene.Scene, error)) (scene.Scene, error) {
	doc, err := loadScene(path)
	if err != nil {
		return scene.Scene{}, err
	}
	next, err := edit(doc.Scene)
	if err != nil {
		return doc.Scene, err
	}
	doc.Scene = next
	if err := scene.WriteDocument(doc, path); err != nil {
		return next, fmt.Errorf("save scene: %w", err)
	}
	return next, nil
}
