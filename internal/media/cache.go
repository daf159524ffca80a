package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ivlev/vidcomposer/internal/scene"
)

// Cache owns one decoder handle per asset id. A handle is opened on first reference and
// closed by Sync once no clip of the current scene refers to the asset. Preview and export
// may share a Cache; concurrent first references open the asset only once.
type Cache struct {
	opener Opener
	log    zerolog.Logger

	mu      sync.Mutex
	handles map[string]Decoder
	closed  bool
	group   singleflight.Group
}

func NewCache(opener Opener, log zerolog.Logger) *Cache {
	return &Cache{opener: opener, log: log, handles: make(map[string]Decoder)}
}

var errCacheClosed = errors.New("decoder cache closed")

// Frame returns the asset's image at source time t. Open failures are not cached,
// so the next call retries.
func (c *Cache) Frame(ctx context.Context, a scene.MediaAsset, t float64) (image.Image, error) {
	d, err := c.handle(ctx, a)
	if err != nil {
		return nil, err
	}
	return d.Frame(ctx, t)
}

func (c *Cache) handle(ctx context.Context, a scene.MediaAsset) (Decoder, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errCacheClosed
	}
	if d, ok := c.handles[a.ID]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(a.ID, func() (interface{}, error) {
		c.mu.Lock()
		if d, ok := c.handles[a.ID]; ok {
			c.mu.Unlock()
			return d, nil
		}
		c.mu.Unlock()

		d, err := c.opener.Open(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", a.ID, err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			d.Close()
			return nil, errCacheClosed
		}
		c.handles[a.ID] = d
		c.log.Debug().Str("asset", a.ID).Str("source", a.Source).Msg("decoder opened")
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Decoder), nil
}

// Sync closes handles of assets no clip in s references. It returns how many were closed.
func (c *Cache) Sync(s scene.Scene) int {
	refs := s.ReferencedAssets()

	c.mu.Lock()
	var stale []Decoder
	for id, d := range c.handles {
		if !refs[id] {
			stale = append(stale, d)
			delete(c.handles, id)
			c.log.Debug().Str("asset", id).Msg("decoder released")
		}
	}
	c.mu.Unlock()

	for _, d := range stale {
		if err := d.Close(); err != nil {
			c.log.Warn().Err(err).Msg("decoder close failed")
		}
	}
	return len(stale)
}

// Len reports the number of open handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Close releases every handle. Later Frame calls fail.
func (c *Cache) Close() error {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string]Decoder)
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, d := range handles {
		errs = append(errs, d.Close())
	}
	return errors.Join(errs...)
}
