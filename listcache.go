package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/singleflight"
)

const (
	defaultListTTL        = 24 * time.Hour
	defaultRefreshBackoff = time.Minute
)

// ListCache holds the rendered article index in a single slot and refreshes it from the
// manifest once the TTL has elapsed.
type ListCache struct {
	source ManifestSource
	logger *slog.Logger
	clock  func() time.Time

	mu         sync.RWMutex
	ttl        time.Duration
	serveStale bool
	backoff    time.Duration
	entry      *RenderedList
	retryAfter time.Time

	inflight singleflight.Group
}

type ListCacheOption func(*ListCache)

func WithListLogger(logger *slog.Logger) ListCacheOption {
	return func(c *ListCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithListClock injects the time source used for TTL checks and GeneratedAt.
func WithListClock(clock func() time.Time) ListCacheOption {
	return func(c *ListCache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithListTTL(ttl time.Duration) ListCacheOption {
	return func(c *ListCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithStalePolicy controls what happens when a refresh fails after the TTL elapsed. With
// serveStale the previous list keeps being served and refreshes pause for backoff.
func WithStalePolicy(serveStale bool, backoff time.Duration) ListCacheOption {
	return func(c *ListCache) {
		c.serveStale = serveStale
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

func NewListCache(source ManifestSource, options ...ListCacheOption) *ListCache {
	c := &ListCache{
		source:     source,
		logger:     slog.Default(),
		clock:      time.Now,
		ttl:        defaultListTTL,
		serveStale: true,
		backoff:    defaultRefreshBackoff,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// GetOrRefresh returns the cached index while it is younger than the TTL and rebuilds it
// from the manifest otherwise. Each call gets its own copy of the articles. Errors carry
// platformerrors.CodeUnavailable.
func (c *ListCache) GetOrRefresh(ctx context.Context) (RenderedList, error) {
	now := c.clock()
	c.mu.RLock()
	entry, fresh := c.entry, c.freshLocked(now)
	c.mu.RUnlock()
	if fresh {
		return entry.clone(), nil
	}

	detached := context.WithoutCancel(ctx)
	results := c.inflight.DoChan("list", func() (any, error) {
		return c.refresh(detached)
	})

	select {
	case result := <-results:
		if result.Err != nil {
			return RenderedList{}, result.Err
		}
		return result.Val.(RenderedList).clone(), nil
	case <-ctx.Done():
		return RenderedList{}, platformerrors.Wrap(ctx.Err(), platformerrors.CodeUnavailable, "wait for article list")
	}
}

// Invalidate drops the cached index so the next request refreshes it.
func (c *ListCache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.retryAfter = time.Time{}
	c.mu.Unlock()
}

// SetPolicy applies reloaded settings to the live cache.
func (c *ListCache) SetPolicy(ttl time.Duration, serveStale bool, backoff time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl > 0 {
		c.ttl = ttl
	}
	if backoff >= 0 {
		c.backoff = backoff
	}
	c.serveStale = serveStale
}

func (c *ListCache) freshLocked(now time.Time) bool {
	if c.entry == nil {
		return false
	}
	if now.Sub(c.entry.GeneratedAt) < c.ttl {
		return true
	}
	return c.serveStale && now.Before(c.retryAfter)
}

func (c *ListCache) refresh(ctx context.Context) (RenderedList, error) {
	now := c.clock()
	c.mu.RLock()
	if c.freshLocked(now) {
		entry := *c.entry
		c.mu.RUnlock()
		return entry, nil
	}
	stale, serveStale, backoff := c.entry, c.serveStale, c.backoff
	c.mu.RUnlock()

	entries, err := c.source.Manifest(ctx)
	if err != nil {
		if stale != nil && serveStale {
			c.mu.Lock()
			c.retryAfter = now.Add(backoff)
			c.mu.Unlock()
			c.logger.WarnContext(ctx,
				"article list refresh failed, serving stale list",
				"generated_at", stale.GeneratedAt,
				"retry_after", now.Add(backoff),
				"error", err,
			)
			return *stale, nil
		}
		c.logger.ErrorContext(ctx, "article list refresh failed", "error", err)
		return RenderedList{}, platformerrors.Wrap(err, platformerrors.CodeUnavailable, "refresh article list")
	}

	list := buildList(entries, now)
	c.mu.Lock()
	c.entry = &list
	c.retryAfter = time.Time{}
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "article list refreshed", "articles", len(list.Articles))
	return list, nil
}
