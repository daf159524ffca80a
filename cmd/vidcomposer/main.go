package main

import (
	"context"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/ivlev/vidcomposer/internal/config"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func sceneFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "scene",
		Aliases:  []string{"s"},
		Usage:    "Scene document (.yaml, .yml or .json)",
		Required: true,
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "vidcomposer",
		Usage:   "Timeline-based video composer: edit clips, render frames, export video",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: config.DefaultPath,
				Value:       config.DefaultPath,
				Sources:     cli.EnvVars("VIDCOMPOSER_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Override app.log_level",
				Sources: cli.EnvVars("VIDCOMPOSER_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "frame",
				Usage:  "Render a single frame to an image file",
				Action: runFrame,
				Flags: []cli.Flag{
					sceneFlag(),
					&cli.FloatFlag{Name: "time", Aliases: []string{"t"}, Usage: "Timeline time in seconds"},
					&cli.IntFlag{Name: "width", Aliases: []string{"w"}, Usage: "Output width (0 = virtual canvas)"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Image path (.png, .jpg, ...)", Value: "frame.png"},
				},
			},
			{
				Name:   "export",
				Usage:  "Render the whole timeline to a video file",
				Action: runExport,
				Flags: []cli.Flag{
					sceneFlag(),
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Video path", Required: true},
					&cli.IntFlag{Name: "width", Usage: "Override export.width"},
					&cli.IntFlag{Name: "height", Usage: "Override export.height"},
					&cli.IntFlag{Name: "fps", Usage: "Override export.fps"},
					&cli.StringFlag{Name: "quality", Usage: "Override export.quality: low, medium, high, ultra"},
					&cli.StringFlag{Name: "codec", Usage: "Override export.codec: h264, hevc, vp9, av1"},
					&cli.IntFlag{Name: "bitrate", Usage: "Video bitrate in kbps (0 = from quality)"},
				},
			},
			{
				Name:      "import",
				Usage:     "Probe media files and append them to the end of the timeline",
				ArgsUsage: "FILE...",
				Action:    runImport,
				Flags: []cli.Flag{
					sceneFlag(),
					&cli.StringFlag{Name: "aspect", Usage: "Aspect ratio for a new scene", Value: "16:9"},
				},
			},
			{
				Name:   "split",
				Usage:  "Split a clip at a timeline time",
				Action: runSplit,
				Flags: []cli.Flag{
					sceneFlag(),
					&cli.StringFlag{Name: "clip", Usage: "Clip id", Required: true},
					&cli.FloatFlag{Name: "at", Usage: "Split time in seconds", Required: true},
				},
			},
			{
				Name:   "move",
				Usage:  "Move a clip in time and optionally to another track",
				Action: runMove,
				Flags: []cli.Flag{
					sceneFlag(),
					&cli.StringFlag{Name: "clip", Usage: "Clip id", Required: true},
					&cli.FloatFlag{Name: "delta", Usage: "Time offset in seconds"},
					&cli.IntFlag{Name: "track", Usage: "Target track (-1 = keep)", Value: -1},
					&cli.BoolFlag{Name: "snap", Usage: "Snap to the playhead and clip edges", Value: true},
				},
			},
			{
				Name:   "remove",
				Usage:  "Remove a clip",
				Action: runRemove,
				Flags: []cli.Flag{
					sceneFlag(),
					&cli.StringFlag{Name: "clip", Usage: "Clip id", Required: true},
				},
			},
			{
				Name:   "speed",
				Usage:  "Change clip playback speed",
				Action: runSpeed,
				Flags: []cli.Flag{
					sceneFlag(),
					&cli.StringFlag{Name: "clip", Usage: "Clip id", Required: true},
					&cli.FloatFlag{Name: "speed", Usage: "Speed factor 0.25-4", Required: true},
				},
			},
			{
				Name:   "compact",
				Usage:  "Remove empty tracks",
				Action: runCompact,
				Flags:  []cli.Flag{sceneFlag()},
			},
			{
				Name:   "preview",
				Usage:  "Render a frame and re-render it whenever the scene file changes",
				Action: runPreview,
				Flags: []cli.Flag{
					sceneFlag(),
					&cli.FloatFlag{Name: "time", Aliases: []string{"t"}, Usage: "Timeline time in seconds"},
					&cli.IntFlag{Name: "width", Aliases: []string{"w"}, Usage: "Preview width", Value: 960},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Image path", Value: "preview.png"},
				},
			},
		},
	}
}

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("application error")
		os.Exit(1)
	}
}
