// Package audio builds the ffmpeg mixing plan for the audio-bearing clips of a scene.
package audio

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ivlev/vidcomposer/internal/media"
	"github.com/ivlev/vidcomposer/internal/scene"
)

// OutputLabel is the filter graph pad carrying the final mix
const OutputLabel = "[aout]"

// Input is one ffmpeg input of the plan, in -i order
type Input struct {
	Index   int // ffmpeg input index
	ClipID  string
	AssetID string
	Path    string
}

// Plan is the filter_complex graph mixing every audio clip onto the master timeline.
type Plan struct {
	Inputs     []Input
	Chains     []string // one per input, each ending in its [aN] pad
	Graph      string
	Output     string // pad to -map
	SampleRate int
	Duration   float64
}

// Chain collects comma-joined filters of one stream
type Chain struct {
	filters []string
}

func (c *Chain) Add(format string, args ...any) *Chain {
	c.filters = append(c.filters, fmt.Sprintf(format, args...))
	return c
}

func (c *Chain) Build() string {
	return strings.Join(c.filters, ",")
}

// Build returns the mixing plan, or nil when no clip carries audible sound.
// firstIndex is the ffmpeg input index of the first audio input (the video stream
// usually occupies 0). Clips keep their scene order.
func Build(s scene.Scene, sampleRate, firstIndex int) *Plan {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	p := &Plan{SampleRate: sampleRate, Duration: s.Duration()}

	for _, c := range s.Clips {
		a, ok := s.Asset(c.AssetID)
		if !ok || !a.HasAudio() || c.Volume <= 0 || c.Duration() <= 0 {
			continue
		}
		n := len(p.Inputs)
		in := Input{Index: firstIndex + n, ClipID: c.ID, AssetID: a.ID, Path: media.ParseLocator(a.Source).Path}
		p.Inputs = append(p.Inputs, in)
		p.Chains = append(p.Chains, fmt.Sprintf("[%d:a]%s[a%d]", in.Index, clipChain(c, sampleRate).Build(), n))
	}

	switch len(p.Inputs) {
	case 0:
		return nil
	case 1:
		p.Graph = p.Chains[0]
		p.Output = "[a0]"
	default:
		var pads strings.Builder
		for i := range p.Inputs {
			fmt.Fprintf(&pads, "[a%d]", i)
		}
		mix := fmt.Sprintf("%samix=inputs=%d:duration=longest:normalize=0%s", pads.String(), len(p.Inputs), OutputLabel)
		p.Graph = strings.Join(append(append([]string(nil), p.Chains...), mix), ";")
		p.Output = OutputLabel
	}
	return p
}

// clipChain: trim the source range, restart timestamps, change rate for speed
// (pitch follows speed), scale volume, then delay onto the master timeline.
func clipChain(c scene.Clip, sr int) *Chain {
	ch := &Chain{}
	if c.TrimEnd > c.TrimStart {
		ch.Add("atrim=start=%s:end=%s", num(c.TrimStart), num(c.TrimEnd))
	} else {
		ch.Add("atrim=start=%s", num(c.TrimStart))
	}
	ch.Add("asetpts=PTS-STARTPTS")

	if sp := c.EffectiveSpeed(); sp != 1 {
		// asetrate needs a uniform input rate first; the final aresample brings it back
		ch.Add("aresample=%d", sr)
		ch.Add("asetrate=%s", num(float64(sr)*sp))
	}
	ch.Add("aresample=%d", sr)
	ch.Add("volume=%s", num(c.Volume/100))

	// atrim by timeline length guards against sources longer than the trimmed range
	ch.Add("atrim=end=%s", num(c.Duration()))
	ch.Add("adelay=delays=%d:all=1", int64(math.Round(c.Start*1000)))
	return ch
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
