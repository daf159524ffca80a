package media

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivlev/vidcomposer/internal/scene"
)

type fakeDecoder struct {
	closed atomic.Bool
}

func (d *fakeDecoder) Frame(context.Context, float64) (image.Image, error) {
	if d.closed.Load() {
		return nil, errors.New("closed")
	}
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), nil
}

func (d *fakeDecoder) Close() error {
	d.closed.Store(true)
	return nil
}

type countingOpener struct {
	mu    sync.Mutex
	opens map[string]int
	fail  map[string]error
	delay time.Duration
	made  []*fakeDecoder
}

func (o *countingOpener) Open(_ context.Context, a scene.MediaAsset) (Decoder, error) {
	time.Sleep(o.delay)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opens == nil {
		o.opens = make(map[string]int)
	}
	o.opens[a.ID]++
	if err := o.fail[a.ID]; err != nil {
		return nil, err
	}
	d := &fakeDecoder{}
	o.made = append(o.made, d)
	return d, nil
}

func TestCacheOpensOncePerAsset(t *testing.T) {
	o := &countingOpener{delay: 10 * time.Millisecond}
	c := NewCache(o, zerolog.Nop())
	a := scene.MediaAsset{ID: "a", Kind: scene.KindImage}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Frame(context.Background(), a, 0); err != nil {
				t.Errorf("Frame failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if o.opens["a"] != 1 {
		t.Errorf("asset opened %d times, want 1", o.opens["a"])
	}
}

func TestCacheSyncReleasesUnreferenced(t *testing.T) {
	o := &countingOpener{}
	c := NewCache(o, zerolog.Nop())
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := c.Frame(ctx, scene.MediaAsset{ID: id, Kind: scene.KindImage}, 0); err != nil {
			t.Fatal(err)
		}
	}

	s := scene.Scene{Clips: []scene.Clip{{ID: "c", AssetID: "a"}}}
	if n := c.Sync(s); n != 1 {
		t.Errorf("Sync closed %d handles, want 1", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	if !o.made[1].closed.Load() {
		t.Error("handle of b should be closed")
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !o.made[0].closed.Load() {
		t.Error("Close should release every handle")
	}
	if _, err := c.Frame(ctx, scene.MediaAsset{ID: "a"}, 0); err == nil {
		t.Error("Frame after Close should fail")
	}
}

func TestCacheRetriesFailedOpen(t *testing.T) {
	o := &countingOpener{fail: map[string]error{"v": errors.New("flaky metadata")}}
	c := NewCache(o, zerolog.Nop())
	a := scene.MediaAsset{ID: "v", Kind: scene.KindVideo}

	for i := 0; i < 3; i++ {
		if _, err := c.Frame(context.Background(), a, 1); err == nil {
			t.Fatal("expected error")
		}
	}
	if o.opens["v"] != 3 {
		t.Errorf("opens = %d, failures must not be cached", o.opens["v"])
	}
}

func writePNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	path := filepath.Join(dir, "still.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileOpenerImage(t *testing.T) {
	path := writePNG(t, t.TempDir(), 8, 4)
	o := NewFileOpener("ffmpeg", "ffprobe")

	d, err := o.Open(context.Background(), scene.MediaAsset{ID: "i", Kind: scene.KindImage, Source: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer d.Close()

	img, err := d.Frame(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Errorf("bounds = %v", b)
	}
	if r, _, _, _ := img.At(1, 1).RGBA(); r>>8 != 200 {
		t.Errorf("red = %d", r>>8)
	}
}

func TestFileOpenerMissingAsset(t *testing.T) {
	o := NewFileOpener("ffmpeg", "ffprobe")
	_, err := o.Open(context.Background(), scene.MediaAsset{ID: "x", Kind: scene.KindImage, Source: "/nonexistent/x.png"})
	if !errors.Is(err, ErrAssetMissing) {
		t.Fatalf("expected ErrAssetMissing, got %v", err)
	}
}

func TestFileOpenerRejectsAudio(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp3")
	if err := os.WriteFile(path, []byte("id3"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := NewFileOpener("ffmpeg", "ffprobe").Open(context.Background(), scene.MediaAsset{ID: "a", Kind: scene.KindAudio, Source: path})
	if !errors.Is(err, ErrNotVisual) {
		t.Fatalf("expected ErrNotVisual, got %v", err)
	}
}

func TestParseLocator(t *testing.T) {
	tests := []struct {
		in   string
		want Locator
		pdf  bool
	}{
		{"a.png", Locator{Path: "a.png", Page: 1}, false},
		{"deck.pdf#page=3", Locator{Path: "deck.pdf", Page: 3}, true},
		{"Deck.PDF#page=0", Locator{Path: "Deck.PDF", Page: 1}, true},
		{"deck.pdf#zoom=2", Locator{Path: "deck.pdf", Page: 1}, true},
	}
	for _, tt := range tests {
		got := ParseLocator(tt.in)
		if got != tt.want || got.IsPDF() != tt.pdf {
			t.Errorf("ParseLocator(%q) = %+v pdf=%v", tt.in, got, got.IsPDF())
		}
	}
}

func TestProbeImage(t *testing.T) {
	path := writePNG(t, t.TempDir(), 16, 9)
	a, err := Probe(context.Background(), "ffprobe", path)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if a.Kind != scene.KindImage || a.Width != 16 || a.Height != 9 || a.Source != path {
		t.Errorf("unexpected asset %+v", a)
	}
}

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		audioHint bool
		want      scene.MediaAsset
		wantErr   bool
	}{
		{
			name: "video with audio",
			json: `{"streams":[{"codec_type":"video","width":1280,"height":720},{"codec_type":"audio"}],"format":{"duration":"12.5"}}`,
			want: scene.MediaAsset{Kind: scene.KindVideo, Width: 1280, Height: 720, Duration: 12.5},
		},
		{
			name: "silent video",
			json: `{"streams":[{"codec_type":"video","width":640,"height":480}],"format":{"duration":"3"}}`,
			want: scene.MediaAsset{Kind: scene.KindVideo, Width: 640, Height: 480, Duration: 3, Silent: true},
		},
		{
			name:      "mp3 with cover art",
			json:      `{"streams":[{"codec_type":"audio"},{"codec_type":"video","width":500,"height":500}],"format":{"duration":"200.1"}}`,
			audioHint: true,
			want:      scene.MediaAsset{Kind: scene.KindAudio, Duration: 200.1},
		},
		{
			name: "stream duration fallback",
			json: `{"streams":[{"codec_type":"audio","duration":"4.25"}],"format":{}}`,
			want: scene.MediaAsset{Kind: scene.KindAudio, Duration: 4.25},
		},
		{name: "no streams", json: `{"streams":[],"format":{}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbe([]byte(tt.json), tt.audioHint)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFrameArgs(t *testing.T) {
	args := strings.Join(frameArgs("in.mp4", 2.5, 320, 180), " ")
	for _, want := range []string{"-ss 2.500", "-i in.mp4", "-frames:v 1", "scale=320:180", "-pix_fmt rgba"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}
