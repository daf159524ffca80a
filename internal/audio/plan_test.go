package audio

import (
	"strings"
	"testing"

	"github.com/ivlev/vidcomposer/internal/scene"
)

func audioScene(clips ...scene.Clip) scene.Scene {
	return scene.Scene{
		Assets: []scene.MediaAsset{
			{ID: "v", Kind: scene.KindVideo, Source: "/m/v.mp4", Duration: 20},
			{ID: "mute", Kind: scene.KindVideo, Source: "/m/mute.mp4", Duration: 20, Silent: true},
			{ID: "song", Kind: scene.KindAudio, Source: "/m/song.mp3", Duration: 180},
			{ID: "img", Kind: scene.KindImage, Source: "/m/i.png"},
		},
		Clips: clips,
	}
}

func TestBuildNoAudio(t *testing.T) {
	s := audioScene(
		scene.Clip{ID: "i", AssetID: "img", Start: 0, End: 5, Volume: 100},
		scene.Clip{ID: "m", AssetID: "mute", Start: 0, End: 5, TrimEnd: 5, Volume: 100},
		scene.Clip{ID: "q", AssetID: "v", Track: 1, Start: 0, End: 5, TrimEnd: 5, Volume: 0},
	)
	if p := Build(s, 48000, 1); p != nil {
		t.Fatalf("expected nil plan, got %+v", p)
	}
}

func TestBuildSingleClip(t *testing.T) {
	s := audioScene(scene.Clip{ID: "a", AssetID: "v", Start: 5, End: 10, TrimStart: 2, TrimEnd: 7, Volume: 150, Speed: 1})
	p := Build(s, 48000, 1)
	if p == nil {
		t.Fatal("expected a plan")
	}
	want := "[1:a]atrim=start=2:end=7,asetpts=PTS-STARTPTS,aresample=48000,volume=1.5,atrim=end=5,adelay=delays=5000:all=1[a0]"
	if p.Graph != want {
		t.Errorf("graph =\n%s\nwant\n%s", p.Graph, want)
	}
	if p.Output != "[a0]" || strings.Contains(p.Graph, "amix") {
		t.Errorf("single clip must not be mixed: %+v", p)
	}
	if len(p.Inputs) != 1 || p.Inputs[0].Path != "/m/v.mp4" || p.Inputs[0].Index != 1 {
		t.Errorf("inputs = %+v", p.Inputs)
	}
	if p.Duration != 10 {
		t.Errorf("duration = %g", p.Duration)
	}
}

func TestBuildMixesMultipleClips(t *testing.T) {
	s := audioScene(
		scene.Clip{ID: "a", AssetID: "v", Start: 0, End: 5, TrimStart: 2, TrimEnd: 7, Volume: 100, Speed: 1},
		scene.Clip{ID: "b", AssetID: "v", Start: 5, End: 10, TrimStart: 0, TrimEnd: 5, Volume: 100, Speed: 1},
		scene.Clip{ID: "c", AssetID: "song", Track: 1, Start: 0, End: 4, TrimStart: 10, TrimEnd: 18, Volume: 50, Speed: 2},
	)
	p := Build(s, 44100, 1)
	if p == nil {
		t.Fatal("expected a plan")
	}
	if len(p.Inputs) != 3 || p.Inputs[2].Index != 3 || p.Inputs[2].ClipID != "c" {
		t.Fatalf("inputs = %+v", p.Inputs)
	}
	for _, want := range []string{
		"[1:a]atrim=start=2:end=7",
		"[2:a]atrim=start=0:end=5",
		"adelay=delays=5000:all=1[a1]",
		"aresample=44100,asetrate=88200,aresample=44100,volume=0.5",
		"adelay=delays=0:all=1[a2]",
		"[a0][a1][a2]amix=inputs=3:duration=longest:normalize=0[aout]",
	} {
		if !strings.Contains(p.Graph, want) {
			t.Errorf("graph missing %q:\n%s", want, p.Graph)
		}
	}
	if p.Output != OutputLabel {
		t.Errorf("output = %q", p.Output)
	}
	if got := strings.Count(p.Graph, ";"); got != 3 {
		t.Errorf("graph has %d chains, want 4", got+1)
	}
}

func TestBuildStripsPageFragment(t *testing.T) {
	s := audioScene(scene.Clip{ID: "a", AssetID: "song", Start: 0, End: 3, TrimEnd: 3, Volume: 100})
	s.Assets[2].Source = "/m/song.mp3#page=1"
	if p := Build(s, 0, 0); p.Inputs[0].Path != "/m/song.mp3" || p.SampleRate != 48000 {
		t.Errorf("plan = %+v", p)
	}
}
