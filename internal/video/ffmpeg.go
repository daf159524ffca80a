// Package video drives the external ffmpeg encoder: raw RGBA frames are piped to an
// encoding process, then the encoded stream is muxed with the audio mixing plan.
package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ivlev/vidcomposer/internal/audio"
)

// Spec describes the encoded video stream
type Spec struct {
	Width, Height int
	FPS           int
	Codec         string // h264 | hevc | vp9 | av1
	Quality       string // tier used when BitrateKbps is 0
	BitrateKbps   int
}

// MuxJob combines an encoded video file with the audio plan into the output container.
type MuxJob struct {
	Video        string
	Codec        string
	Audio        *audio.Plan // nil = video only
	AudioQuality string
	Duration     float64
	Output       string
}

// FrameWriter accepts frames in presentation order. Close finishes the stream,
// Abort kills the encoder and discards it. Either may be called after the other.
type FrameWriter interface {
	WriteFrame(img *image.RGBA) error
	Close() error
	Abort()
}

// Encoder is the handle the exporter acquires per job.
type Encoder interface {
	Open(ctx context.Context, spec Spec, path string) (FrameWriter, error)
	Mux(ctx context.Context, job MuxJob, progress func(float64)) error
}

// FFmpeg implements Encoder over the ffmpeg binary.
type FFmpeg struct {
	Binary  string
	Threads int
	HWAccel string // auto | none
	log     zerolog.Logger

	once     sync.Once
	encoders map[string]bool
}

func New(binary string, threads int, hwaccel string, log zerolog.Logger) (*FFmpeg, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	return &FFmpeg{
		Binary:  path,
		Threads: threads,
		HWAccel: hwaccel,
		log:     log.With().Str("component", "ffmpeg").Logger(),
	}, nil
}

// EncoderFor resolves a codec family to the ffmpeg encoder used on this host.
// The encoder listing is probed once per FFmpeg.
func (f *FFmpeg) EncoderFor(ctx context.Context, codec string) string {
	hw := f.HWAccel != "none"
	f.once.Do(func() {
		if !hw {
			return
		}
		enc, err := listEncoders(ctx, f.Binary)
		if err != nil {
			f.log.Warn().Err(err).Msg("encoder detection failed, using software encoders")
			return
		}
		f.encoders = enc
	})
	return pickEncoder(codec, f.encoders, hw)
}

func (f *FFmpeg) Open(ctx context.Context, spec Spec, path string) (FrameWriter, error) {
	if spec.Width <= 0 || spec.Height <= 0 || spec.Width%2 != 0 || spec.Height%2 != 0 {
		return nil, fmt.Errorf("frame size %dx%d must be positive and even", spec.Width, spec.Height)
	}
	if spec.FPS <= 0 {
		return nil, fmt.Errorf("invalid frame rate %d", spec.FPS)
	}
	enc := f.EncoderFor(ctx, spec.Codec)
	kbps := spec.BitrateKbps
	if kbps <= 0 {
		kbps = VideoBitrate(spec.Width, spec.Height, spec.FPS, spec.Quality, spec.Codec)
	}
	args := encodeArgs(spec, enc, kbps, f.Threads, path)
	f.log.Debug().Strs("args", args).Msg("starting encoder")

	cctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cctx, f.Binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe error: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg start error: %w", err)
	}

	w := &pipeWriter{
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		size:   image.Pt(spec.Width, spec.Height),
		logs:   &stderrLog{log: f.log},
		done:   make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		w.logs.consume(stderr)
	}()
	f.log.Info().Str("encoder", enc).Int("kbps", kbps).Msg("encoder started")
	return w, nil
}

func encodeArgs(spec Spec, encoder string, kbps, threads int, path string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if threads > 0 {
		args = append(args, "-threads", strconv.Itoa(threads))
	}
	args = append(args,
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-framerate", strconv.Itoa(spec.FPS),
		"-i", "-",
		"-c:v", encoder,
	)
	args = append(args, rateArgs(encoder, kbps)...)
	args = append(args, "-pix_fmt", "yuv420p", "-r", strconv.Itoa(spec.FPS), path)
	return args
}

type pipeWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	size   image.Point
	logs   *stderrLog
	done   chan struct{}

	finished bool
	scratch  *image.RGBA
}

func (w *pipeWriter) WriteFrame(img *image.RGBA) error {
	if w.finished {
		return errors.New("frame writer closed")
	}
	b := img.Bounds()
	if b.Size() != w.size {
		return fmt.Errorf("frame size %v, encoder expects %v", b.Size(), w.size)
	}
	// Кадр с нестандартным шагом копируем в плотный буфер
	if img.Stride != b.Dx()*4 || b.Min != (image.Point{}) {
		if w.scratch == nil {
			w.scratch = image.NewRGBA(image.Rectangle{Max: w.size})
		}
		draw.Draw(w.scratch, w.scratch.Bounds(), img, b.Min, draw.Src)
		img = w.scratch
	}
	if _, err := w.stdin.Write(img.Pix); err != nil {
		return fmt.Errorf("write raw error: %w%s", err, w.logs.suffix())
	}
	return nil
}

func (w *pipeWriter) Close() error {
	if w.finished {
		return nil
	}
	w.finished = true
	defer w.cancel()

	w.stdin.Close()
	<-w.done
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg wait error: %w%s", err, w.logs.suffix())
	}
	return nil
}

func (w *pipeWriter) Abort() {
	if w.finished {
		return
	}
	w.finished = true
	w.cancel()
	w.stdin.Close()
	<-w.done
	_ = w.cmd.Wait()
}

func (f *FFmpeg) Mux(ctx context.Context, job MuxJob, progress func(float64)) error {
	args := muxArgs(job, f.Threads)
	f.log.Debug().Strs("args", args).Msg("starting mux")

	cmd := exec.CommandContext(ctx, f.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe error: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start error: %w", err)
	}

	logs := &stderrLog{log: f.log}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		parseProgress(stdout, job.Duration, progress)
	}()
	go func() {
		defer wg.Done()
		logs.consume(stderr)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg mux error: %w%s", err, logs.suffix())
	}
	return nil
}

func muxArgs(job MuxJob, threads int) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-nostats", "-progress", "pipe:1"}
	if threads > 0 {
		args = append(args, "-threads", strconv.Itoa(threads))
	}
	args = append(args, "-i", job.Video)

	ext := strings.ToLower(filepath.Ext(job.Output))
	if p := job.Audio; p != nil {
		for _, in := range p.Inputs {
			args = append(args, "-i", in.Path)
		}
		args = append(args,
			"-filter_complex", p.Graph,
			"-map", "0:v", "-map", p.Output,
			"-c:a", audioCodec(ext), "-b:a", AudioBitrate(job.AudioQuality),
			"-ar", strconv.Itoa(p.SampleRate),
		)
	} else {
		args = append(args, "-map", "0:v")
	}
	args = append(args, "-c:v", "copy")

	mp4Family := ext == ".mp4" || ext == ".mov" || ext == ".m4v"
	if mp4Family {
		if job.Codec == CodecHEVC {
			// QuickTime распознаёт HEVC только с тегом hvc1
			args = append(args, "-tag:v", "hvc1")
		}
		args = append(args, "-movflags", "+faststart")
	}
	if job.Duration > 0 {
		args = append(args, "-t", strconv.FormatFloat(job.Duration, 'f', 3, 64))
	}
	return append(args, job.Output)
}

func audioCodec(ext string) string {
	if ext == ".webm" {
		return "libopus"
	}
	return "aac"
}

// parseProgress reads ffmpeg -progress key=value blocks and reports the encoded
// fraction of duration. Reports never decrease; progress=end reports 1.
func parseProgress(r io.Reader, duration float64, fn func(float64)) {
	last := -1.0
	emit := func(v float64) {
		v = max(0, min(1, v))
		if v > last && fn != nil {
			last = v
			fn(v)
		}
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		// out_time_ms тоже в микросекундах
		case "out_time_us", "out_time_ms":
			us, err := strconv.ParseInt(val, 10, 64)
			if err != nil || duration <= 0 {
				continue
			}
			emit(float64(us) / 1e6 / duration)
		case "progress":
			if val == "end" {
				emit(1)
			}
		}
	}
}

// stderrLog forwards ffmpeg stderr to the debug log and keeps the tail for error messages.
type stderrLog struct {
	log zerolog.Logger

	mu    sync.Mutex
	lines []string
}

const stderrTail = 8

func (s *stderrLog) consume(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		s.log.Debug().Str("stderr", line).Msg("ffmpeg")
		s.mu.Lock()
		s.lines = append(s.lines, line)
		if len(s.lines) > stderrTail {
			s.lines = s.lines[1:]
		}
		s.mu.Unlock()
	}
}

func (s *stderrLog) suffix() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return ""
	}
	return ", output: " + strings.Join(s.lines, "; ")
}
