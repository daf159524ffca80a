package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ivlev/vidcomposer/internal/scene"
)

var audioExt = map[string]bool{".mp3": true, ".wav": true, ".m4a": true, ".ogg": true, ".aac": true, ".flac": true, ".opus": true}
var imageExt = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tiff": true, ".tif": true, ".webp": true}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

// Probe inspects a file and describes it as an asset. The id is left for the caller.
// Images and PDF pages are read in-process; everything else goes through ffprobe.
func Probe(ctx context.Context, ffprobe, src string) (scene.MediaAsset, error) {
	loc := ParseLocator(src)
	if _, err := os.Stat(loc.Path); errors.Is(err, os.ErrNotExist) {
		return scene.MediaAsset{}, fmt.Errorf("%s: %w", loc.Path, ErrAssetMissing)
	}

	ext := strings.ToLower(filepath.Ext(loc.Path))
	switch {
	case loc.IsPDF():
		d, err := openPDF(loc, 72)
		if err != nil {
			return scene.MediaAsset{}, err
		}
		defer d.Close()
		w, h, err := d.PageSize()
		if err != nil {
			return scene.MediaAsset{}, err
		}
		return scene.MediaAsset{Kind: scene.KindImage, Source: src, Width: w, Height: h}, nil

	case imageExt[ext]:
		f, err := os.Open(loc.Path)
		if err != nil {
			return scene.MediaAsset{}, err
		}
		defer f.Close()
		cfg, _, err := image.DecodeConfig(f)
		if err != nil {
			return scene.MediaAsset{}, fmt.Errorf("decode %s: %w", loc.Path, err)
		}
		return scene.MediaAsset{Kind: scene.KindImage, Source: src, Width: cfg.Width, Height: cfg.Height}, nil
	}

	out, err := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		loc.Path,
	).Output()
	if err != nil {
		return scene.MediaAsset{}, fmt.Errorf("ffprobe %s: %w", loc.Path, err)
	}
	a, err := parseProbe(out, audioExt[ext])
	if err != nil {
		return scene.MediaAsset{}, fmt.Errorf("ffprobe %s: %w", loc.Path, err)
	}
	a.Source = src
	return a, nil
}

// parseProbe maps ffprobe JSON to an asset. A file without video streams is audio;
// audioHint keeps cover-art mp3s (which carry a still video stream) as audio.
func parseProbe(data []byte, audioHint bool) (scene.MediaAsset, error) {
	var ff ffprobeOutput
	if err := json.Unmarshal(data, &ff); err != nil {
		return scene.MediaAsset{}, err
	}

	var a scene.MediaAsset
	a.Duration, _ = strconv.ParseFloat(ff.Format.Duration, 64)

	hasVideo, hasAudio := false, false
	for _, s := range ff.Streams {
		switch s.CodecType {
		case "video":
			if !hasVideo {
				hasVideo = true
				a.Width, a.Height = s.Width, s.Height
			}
		case "audio":
			hasAudio = true
		}
		if a.Duration <= 0 {
			a.Duration, _ = strconv.ParseFloat(s.Duration, 64)
		}
	}

	switch {
	case hasVideo && !audioHint:
		a.Kind = scene.KindVideo
		a.Silent = !hasAudio
	case hasAudio:
		a.Kind = scene.KindAudio
		a.Width, a.Height = 0, 0
	default:
		return scene.MediaAsset{}, errors.New("no audio or video streams")
	}
	return a, nil
}
