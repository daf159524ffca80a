package config

import (
	"errors"
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither --config nor VIDCOMPOSER_CONFIG is set
const DefaultPath = "config/config.yaml"

// Quality tiers shared by video and audio settings.
const (
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"
	QualityUltra  = "ultra"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Timeline TimelineConfig `yaml:"timeline"`
	Render   RenderConfig   `yaml:"render"`
	Export   ExportConfig   `yaml:"export"`
	FFmpeg   FFmpegConfig   `yaml:"ffmpeg"`

	BuildVersion string `yaml:"-"`
}

type AppConfig struct {
	LogLevel   string `yaml:"log_level"`
	PrettyLogs bool   `yaml:"pretty_logs"`
}

type TimelineConfig struct {
	SnapThreshold   float64 `yaml:"snap_threshold"`
	MinClipDuration float64 `yaml:"min_clip_duration"`
	TrimPolicy      string  `yaml:"trim_policy"` // bounded | unbounded
}

type RenderConfig struct {
	PreviewDefaultFraction   float64 `yaml:"preview_default_fraction"`
	PlacementDefaultFraction float64 `yaml:"placement_default_fraction"`
	FontDir                  string  `yaml:"font_dir"`
}

type ExportConfig struct {
	Width            int    `yaml:"width"`  // 0 = virtual canvas width
	Height           int    `yaml:"height"` // 0 = derived from width and aspect
	FPS              int    `yaml:"fps"`
	Quality          string `yaml:"quality"`
	Codec            string `yaml:"codec"`
	Bitrate          int    `yaml:"bitrate"` // kbps, 0 = from quality tier
	AudioSampleRate  int    `yaml:"audio_sample_rate"`
	AudioQuality     string `yaml:"audio_quality"`
	TempDir          string `yaml:"temp_dir"`
	AssetRetryBudget int    `yaml:"asset_retry_budget"`
	ShowStats        bool   `yaml:"show_stats"`
}

type FFmpegConfig struct {
	Binary  string `yaml:"binary"`
	FFprobe string `yaml:"ffprobe"`
	Threads int    `yaml:"threads"`
	HWAccel string `yaml:"hwaccel"` // auto | none
}

// NewDefaultConfig returns the configuration used when no file is present.
func NewDefaultConfig() *Config {
	return &Config{
		App: AppConfig{LogLevel: "info", PrettyLogs: true},
		Timeline: TimelineConfig{
			SnapThreshold:   0.1,
			MinClipDuration: 0.1,
			TrimPolicy:      "unbounded",
		},
		Render: RenderConfig{
			PreviewDefaultFraction:   0.8,
			PlacementDefaultFraction: 0.5,
		},
		Export: ExportConfig{
			FPS:              30,
			Quality:          QualityHigh,
			Codec:            "h264",
			AudioSampleRate:  48000,
			AudioQuality:     QualityHigh,
			AssetRetryBudget: 3,
		},
		FFmpeg: FFmpegConfig{
			Binary:  "ffmpeg",
			FFprobe: "ffprobe",
			HWAccel: "auto",
		},
	}
}

// Load reads path over the defaults, expanding ${VAR} references first.
// A missing file is not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate validates every section.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{&c.App, &c.Timeline, &c.Render, &c.Export, &c.FFmpeg} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *AppConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "error", "")),
	)
}

func (c *TimelineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SnapThreshold, validation.Min(0.0), validation.Max(5.0)),
		validation.Field(&c.MinClipDuration, validation.Required, validation.Min(0.01)),
		validation.Field(&c.TrimPolicy, validation.Required, validation.In("bounded", "unbounded")),
	)
}

func (c *RenderConfig) Validate() error {
	fraction := []validation.Rule{validation.Required, validation.Min(0.05), validation.Max(1.0)}
	return validation.ValidateStruct(c,
		validation.Field(&c.PreviewDefaultFraction, fraction...),
		validation.Field(&c.PlacementDefaultFraction, fraction...),
	)
}

func (c *ExportConfig) Validate() error {
	tiers := validation.In(QualityLow, QualityMedium, QualityHigh, QualityUltra)
	return validation.ValidateStruct(c,
		validation.Field(&c.Width, validation.Min(0), validation.Max(7680)),
		validation.Field(&c.Height, validation.Min(0), validation.Max(7680)),
		validation.Field(&c.FPS, validation.Required, validation.Min(1), validation.Max(120)),
		validation.Field(&c.Quality, validation.Required, tiers),
		validation.Field(&c.Codec, validation.Required, validation.In("h264", "hevc", "vp9", "av1")),
		validation.Field(&c.Bitrate, validation.Min(0)),
		validation.Field(&c.AudioSampleRate, validation.Required, validation.In(22050, 44100, 48000, 96000)),
		validation.Field(&c.AudioQuality, validation.Required, tiers),
		validation.Field(&c.AssetRetryBudget, validation.Min(0)),
	)
}

func (c *FFmpegConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Binary, validation.Required),
		validation.Field(&c.FFprobe, validation.Required),
		validation.Field(&c.Threads, validation.Min(0)),
		validation.Field(&c.HWAccel, validation.Required, validation.In("auto", "none")),
	)
}
