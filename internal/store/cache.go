package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProjectSource is the lookup the hydrator and API depend on. *Store
// implements it; CachedProjects wraps one.
type ProjectSource interface {
	GetProject(ctx context.Context, id string) (*Project, error)
}

// ProjectCache is a TTL cache with stale-while-revalidate for project
// rows. Uses sync.Map for lock-free reads on the hot path.
type ProjectCache struct {
	entries sync.Map // map[string]*projectCacheEntry
	ttl     time.Duration
}

type projectCacheEntry struct {
	project    *Project // nil = negative cache (project not found)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Project      *Project // nil if not found or negative cache
	Hit          bool     // a value was found, fresh or stale
	NeedsRefresh bool     // expired; this caller should refresh
}

func NewProjectCache(ttl time.Duration) *ProjectCache {
	return &ProjectCache{ttl: ttl}
}

// Get never blocks. Stale entries come back with NeedsRefresh set for
// exactly one caller.
func (c *ProjectCache) Get(id string) CacheGetResult {
	val, ok := c.entries.Load(id)
	if !ok {
		return CacheGetResult{}
	}
	entry := val.(*projectCacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Project: entry.project, Hit: true}
	}
	return CacheGetResult{
		Project:      entry.project,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a project with a fresh TTL. nil stores a negative entry.
func (c *ProjectCache) Set(id string, p *Project) {
	c.entries.Store(id, &projectCacheEntry{project: p, expiresAt: time.Now().Add(c.ttl)})
}

func (c *ProjectCache) Delete(id string) {
	c.entries.Delete(id)
}

// CachedProjects fronts a ProjectSource with a ProjectCache.
type CachedProjects struct {
	source ProjectSource
	cache  *ProjectCache
	logger *zap.Logger
}

// NewCachedProjects wraps source. A zero ttl defaults to 60s.
func NewCachedProjects(source ProjectSource, ttl time.Duration, logger *zap.Logger) *CachedProjects {
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &CachedProjects{source: source, cache: NewProjectCache(ttl), logger: logger}
}

func (r *CachedProjects) GetProject(ctx context.Context, id string) (*Project, error) {
	res := r.cache.Get(id)
	if res.Hit {
		if res.NeedsRefresh {
			go r.refreshInBackground(id)
		}
		if res.Project == nil {
			return nil, ErrNotFound
		}
		return res.Project, nil
	}

	p, err := r.source.GetProject(ctx, id)
	if errors.Is(err, ErrNotFound) {
		r.cache.Set(id, nil)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetProject: %w", err)
	}
	r.cache.Set(id, p)
	return p, nil
}

// Invalidate drops a cached project after a write.
func (r *CachedProjects) Invalidate(id string) {
	r.cache.Delete(id)
}

func (r *CachedProjects) refreshInBackground(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := r.source.GetProject(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		r.cache.Set(id, nil)
	case err != nil:
		r.logger.Warn("background project refresh failed",
			zap.String("project_id", id),
			zap.Error(err),
		)
		// Keep serving the stale row; allow the next caller to retry.
		if val, ok := r.cache.entries.Load(id); ok {
			val.(*projectCacheEntry).refreshing.Store(false)
		}
	default:
		r.cache.Set(id, p)
	}
}
