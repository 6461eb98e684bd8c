package storefront

import (
	"context"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/dishlens/dishlens/pkg/api"
)

const DefaultMenuTTL = time.Minute

type MenuFetcher interface {
	GetMenu(ctx context.Context, slug string) (*api.Menu, error)
}

type menuEntry struct {
	menu      *api.Menu
	fetchedAt time.Time
}

// MenuCache keeps one menu per restaurant for ttl. When a refresh fails the
// stale menu is served.
type MenuCache struct {
	fetcher MenuFetcher
	ttl     time.Duration
	logger  aqm.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]menuEntry
}

func NewMenuCache(fetcher MenuFetcher, ttl time.Duration, logger aqm.Logger) *MenuCache {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if ttl <= 0 {
		ttl = DefaultMenuTTL
	}
	return &MenuCache{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]menuEntry),
	}
}

func (c *MenuCache) Get(ctx context.Context, slug string) (*api.Menu, error) {
	c.mu.RLock()
	entry, ok := c.entries[slug]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.menu, nil
	}

	menu, err := c.fetcher.GetMenu(ctx, slug)
	if err != nil {
		if ok {
			c.logger.Info("menu refresh failed, serving stale copy", "slug", slug, "error", err)
			return entry.menu, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[slug] = menuEntry{menu: menu, fetchedAt: c.now()}
	c.mu.Unlock()
	return menu, nil
}

// Invalidate drops the cached menu for slug.
func (c *MenuCache) Invalidate(slug string) {
	c.mu.Lock()
	delete(c.entries, slug)
	c.mu.Unlock()
}
