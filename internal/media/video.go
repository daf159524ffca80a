package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"

	"github.com/ivlev/vidcomposer/internal/scene"
)

// videoDecoder extracts single frames by seeking ffmpeg to a timestamp and reading raw RGBA.
// The last frame is kept, so repeated queries for the same millisecond do not spawn ffmpeg.
type videoDecoder struct {
	ffmpeg   string
	path     string
	width    int
	height   int
	duration float64

	mu     sync.Mutex
	lastMS int64
	last   *image.RGBA
}

func openVideo(ctx context.Context, ffmpeg, ffprobe string, a scene.MediaAsset, path string) (*videoDecoder, error) {
	w, h, d := a.Width, a.Height, a.Duration
	if w <= 0 || h <= 0 {
		probed, err := Probe(ctx, ffprobe, path)
		if err != nil {
			return nil, err
		}
		w, h = probed.Width, probed.Height
		if d <= 0 {
			d = probed.Duration
		}
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNotVisual)
	}
	return &videoDecoder{ffmpeg: ffmpeg, path: path, width: w, height: h, duration: d, lastMS: -1}, nil
}

// frameArgs builds the single-frame extraction command
func frameArgs(path string, t float64, w, h int) []string {
	return []string{
		"-v", "error",
		"-ss", strconv.FormatFloat(t, 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", w, h),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	}
}

func (d *videoDecoder) Frame(ctx context.Context, t float64) (image.Image, error) {
	if d.duration > 0 && t > d.duration-0.001 {
		t = math.Max(0, d.duration-0.001)
	}
	ms := int64(math.Round(t * 1000))

	d.mu.Lock()
	defer d.mu.Unlock()
	if ms == d.lastMS && d.last != nil {
		return d.last, nil
	}

	cmd := exec.CommandContext(ctx, d.ffmpeg, frameArgs(d.path, float64(ms)/1000, d.width, d.height)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	_, readErr := io.ReadFull(stdout, img.Pix)
	waitErr := cmd.Wait()
	if readErr != nil {
		return nil, fmt.Errorf("frame at %.3fs of %s: %w (%s)", t, d.path, readErr, bytes.TrimSpace(stderr.Bytes()))
	}
	if waitErr != nil {
		return nil, fmt.Errorf("ffmpeg: %w (%s)", waitErr, bytes.TrimSpace(stderr.Bytes()))
	}

	d.lastMS, d.last = ms, img
	return img, nil
}

func (d *videoDecoder) Close() error {
	d.mu.Lock()
	d.last = nil
	d.mu.Unlock()
	return nil
}
