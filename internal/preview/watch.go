package preview

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ivlev/vidcomposer/internal/scene"
)

// DebounceDelay collapses the burst of events an editor produces on save
const DebounceDelay = 200 * time.Millisecond

// Watch reloads the document at path whenever it changes and passes it to fn, until ctx
// is cancelled. The parent directory is watched so atomic rename-saves are seen. Documents
// that fail to parse are logged and skipped.
func Watch(ctx context.Context, path string, log zerolog.Logger, fn func(*scene.Document)) error {
	return watch(ctx, path, DebounceDelay, log, fn)
}

func watch(ctx context.Context, path string, delay time.Duration, log zerolog.Logger, fn func(*scene.Document)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	log.Info().Str("path", abs).Msg("watching scene")

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(delay)
			fire = timer.C
			return
		}
		timer.Reset(delay)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case <-fire:
			doc, err := scene.ReadDocument(abs)
			if err != nil {
				log.Warn().Err(err).Str("path", abs).Msg("scene reload failed")
				continue
			}
			log.Debug().Str("path", abs).Int("clips", len(doc.Clips)).Msg("scene reloaded")
			fn(doc)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watcher error")
		}
	}
}
