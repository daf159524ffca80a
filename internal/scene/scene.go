// Package scene holds the timeline clip model: assets, clips, tracks and the canvas format.
package scene

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrAssetNotFound = errors.New("asset not found")
	ErrClipNotFound  = errors.New("clip not found")
	ErrInvalid       = errors.New("invalid scene")
)

const (
	MinSpeed  = 0.25
	MaxSpeed  = 4.0
	MaxVolume = 200.0
)

var virtualSizes = map[AspectRatio][2]int{
	Aspect16x9: {1920, 1080},
	Aspect9x16: {1080, 1920},
	Aspect1x1:  {1080, 1080},
	Aspect4x5:  {1080, 1350},
	Aspect4x3:  {1440, 1080},
}

// VirtualSize returns the virtual canvas size for the aspect ratio. Unknown values fall back to 16:9.
func (a AspectRatio) VirtualSize() (int, int) {
	if s, ok := virtualSizes[a]; ok {
		return s[0], s[1]
	}
	s := virtualSizes[Aspect16x9]
	return s[0], s[1]
}

// Valid reports whether the aspect ratio is one of the fixed formats.
func (a AspectRatio) Valid() bool {
	_, ok := virtualSizes[a]
	return ok
}

// HasAudio reports whether clips of this asset contribute to the audio mix.
func (a MediaAsset) HasAudio() bool {
	return a.Kind == KindAudio || (a.Kind == KindVideo && !a.Silent)
}

// HasTrim reports whether the asset kind carries source trim semantics.
func (a MediaAsset) HasTrim() bool {
	return a.Kind == KindVideo || a.Kind == KindAudio
}

// IsVisual reports whether clips of this kind paint pixels.
func (k AssetKind) IsVisual() bool {
	return k == KindVideo || k == KindImage || k == KindText
}

// Duration returns the timeline length of the clip.
func (c Clip) Duration() float64 {
	return c.End - c.Start
}

// EffectiveSpeed returns the playback speed, treating an unset value as 1.
func (c Clip) EffectiveSpeed() float64 {
	if c.Speed <= 0 {
		return 1
	}
	return c.Speed
}

// Active reports whether the half-open interval [Start, End) contains t.
func (c Clip) Active(t float64) bool {
	return t >= c.Start && t < c.End
}

// Overlaps reports half-open interval intersection with [start, end).
func (c Clip) Overlaps(start, end float64) bool {
	return start < c.End && end > c.Start
}

// Clone returns a deep copy of the clip.
func (c Clip) Clone() Clip {
	out := c
	if c.Crop != nil {
		crop := *c.Crop
		out.Crop = &crop
	}
	if c.Text != nil {
		text := *c.Text
		if c.Text.Style.Shadow != nil {
			sh := *c.Text.Style.Shadow
			text.Style.Shadow = &sh
		}
		out.Text = &text
	}
	if c.Style != nil {
		style := *c.Style
		if c.Style.Shadow != nil {
			sh := *c.Style.Shadow
			style.Shadow = &sh
		}
		out.Style = &style
	}
	return out
}

// Clone returns a deep copy of the scene. Edits on the copy are never visible through s.
func (s Scene) Clone() Scene {
	out := s
	out.Assets = append([]MediaAsset(nil), s.Assets...)
	out.Clips = make([]Clip, len(s.Clips))
	for i, c := range s.Clips {
		out.Clips[i] = c.Clone()
	}
	return out
}

// Asset looks up an asset by id.
func (s Scene) Asset(id string) (MediaAsset, bool) {
	for _, a := range s.Assets {
		if a.ID == id {
			return a, true
		}
	}
	return MediaAsset{}, false
}

// ClipIndex returns the index of the clip with the given id or -1.
func (s Scene) ClipIndex(id string) int {
	for i := range s.Clips {
		if s.Clips[i].ID == id {
			return i
		}
	}
	return -1
}

// Clip looks up a clip by id.
func (s Scene) Clip(id string) (Clip, bool) {
	if i := s.ClipIndex(id); i >= 0 {
		return s.Clips[i], true
	}
	return Clip{}, false
}

// KindOf returns the asset kind a clip refers to. Clips without an asset but with a text payload are text.
func (s Scene) KindOf(c Clip) (AssetKind, bool) {
	if a, ok := s.Asset(c.AssetID); ok {
		return a.Kind, true
	}
	if c.Text != nil {
		return KindText, true
	}
	return "", false
}

// Duration is the maximum clip end over the scene.
func (s Scene) Duration() float64 {
	d := 0.0
	for _, c := range s.Clips {
		d = math.Max(d, c.End)
	}
	return d
}

// TrackCount returns the number of tracks, i.e. the highest used index plus one.
func (s Scene) TrackCount() int {
	n := 0
	for _, c := range s.Clips {
		if c.Track+1 > n {
			n = c.Track + 1
		}
	}
	return n
}

// TrackClips returns clips of a track ordered by start.
func (s Scene) TrackClips(track int) []Clip {
	var out []Clip
	for _, c := range s.Clips {
		if c.Track == track {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// ReferencedAssets returns the set of asset ids referenced by at least one clip.
func (s Scene) ReferencedAssets() map[string]bool {
	refs := make(map[string]bool, len(s.Assets))
	for _, c := range s.Clips {
		if c.AssetID != "" {
			refs[c.AssetID] = true
		}
	}
	return refs
}

// Validate checks the model invariants and reports the first violation.
// allowGaps permits an empty track index, as held transiently by a track insertion.
func (s Scene) Validate(allowGaps bool) error {
	ids := make(map[string]bool, len(s.Clips))
	used := make(map[int]bool)
	for _, c := range s.Clips {
		if ids[c.ID] {
			return fmt.Errorf("%w: duplicate clip id %q", ErrInvalid, c.ID)
		}
		ids[c.ID] = true

		if c.Track < 0 {
			return fmt.Errorf("%w: clip %s has negative track", ErrInvalid, c.ID)
		}
		used[c.Track] = true

		if c.Start < 0 || c.End < c.Start {
			return fmt.Errorf("%w: clip %s has interval [%g, %g)", ErrInvalid, c.ID, c.Start, c.End)
		}
		if c.Volume < 0 || c.Volume > MaxVolume {
			return fmt.Errorf("%w: clip %s volume %g out of range", ErrInvalid, c.ID, c.Volume)
		}
		if sp := c.EffectiveSpeed(); sp < MinSpeed || sp > MaxSpeed {
			return fmt.Errorf("%w: clip %s speed %g out of range", ErrInvalid, c.ID, sp)
		}

		kind, ok := s.KindOf(c)
		if !ok {
			return fmt.Errorf("%w: clip %s: %w %q", ErrInvalid, c.ID, ErrAssetNotFound, c.AssetID)
		}
		if kind == KindVideo || kind == KindAudio {
			a, _ := s.Asset(c.AssetID)
			if c.TrimEnd <= c.TrimStart || c.TrimStart < 0 {
				return fmt.Errorf("%w: clip %s has trim [%g, %g)", ErrInvalid, c.ID, c.TrimStart, c.TrimEnd)
			}
			if a.Duration > 0 && c.TrimEnd > a.Duration+1e-9 {
				return fmt.Errorf("%w: clip %s trim end %g past asset duration %g", ErrInvalid, c.ID, c.TrimEnd, a.Duration)
			}
		}
		// Нулевой размер допустим: он выводится из пропорций ассета при отрисовке
		if kind.IsVisual() && (c.Transform.Width < 0 || c.Transform.Height < 0) {
			return fmt.Errorf("%w: clip %s has negative size", ErrInvalid, c.ID)
		}
	}

	for i := range s.Clips {
		a := s.Clips[i]
		for j := i + 1; j < len(s.Clips); j++ {
			b := s.Clips[j]
			if a.Track == b.Track && a.Overlaps(b.Start, b.End) {
				return fmt.Errorf("%w: clips %s and %s overlap on track %d", ErrInvalid, a.ID, b.ID, a.Track)
			}
		}
	}

	if !allowGaps {
		for t := 0; t < s.TrackCount(); t++ {
			if !used[t] {
				return fmt.Errorf("%w: track %d is empty", ErrInvalid, t)
			}
		}
	}
	return nil
}
