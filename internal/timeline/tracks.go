package timeline

import (
	"sort"

	"github.com/ivlev/vidcomposer/internal/scene"
)

// InsertTrack opens a new track at atTrack for clipID: every other clip at or above atTrack
// shifts down by one and the dragged clip takes atTrack. The result may hold a gap where the
// dragged clip came from; CompactTracks removes it.
func (e *Engine) InsertTrack(s scene.Scene, atTrack int, clipID string) (scene.Scene, error) {
	const op = "insert-track"
	i := s.ClipIndex(clipID)
	if i < 0 {
		return s, reject(op, clipID, ErrClipNotFound)
	}
	if atTrack < 0 || atTrack > s.TrackCount() {
		return s, reject(op, clipID, ErrInvalidTrack)
	}

	// Все индексы меняются на копии сцены: частично применённая вставка никогда не видна
	out := s.Clone()
	for j := range out.Clips {
		if j != i && out.Clips[j].Track >= atTrack {
			out.Clips[j].Track++
		}
	}
	out.Clips[i].Track = atTrack
	return out, nil
}

// CompactTracks renumbers used tracks to a dense 0..N-1 sequence preserving order.
// The returned map holds old -> new index for every used track; on a compact scene it is the identity.
func CompactTracks(s scene.Scene) (scene.Scene, map[int]int) {
	used := make(map[int]bool)
	for _, c := range s.Clips {
		used[c.Track] = true
	}
	tracks := make([]int, 0, len(used))
	for t := range used {
		tracks = append(tracks, t)
	}
	sort.Ints(tracks)

	mapping := make(map[int]int, len(tracks))
	for newIdx, oldIdx := range tracks {
		mapping[oldIdx] = newIdx
	}

	out := s.Clone()
	for j := range out.Clips {
		out.Clips[j].Track = mapping[out.Clips[j].Track]
	}
	return out, mapping
}

// ReorderTracks moves the whole track from to position to, shifting the tracks in between.
func (e *Engine) ReorderTracks(s scene.Scene, from, to int) (scene.Scene, error) {
	n := s.TrackCount()
	if from < 0 || from >= n || to < 0 || to >= n {
		return s, reject("reorder-tracks", "", ErrInvalidTrack)
	}
	if from == to {
		return s, nil
	}

	out := s.Clone()
	for j := range out.Clips {
		t := out.Clips[j].Track
		switch {
		case t == from:
			out.Clips[j].Track = to
		case from < to && t > from && t <= to:
			out.Clips[j].Track = t - 1
		case from > to && t >= to && t < from:
			out.Clips[j].Track = t + 1
		}
	}
	return out, nil
}
