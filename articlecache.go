package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/singleflight"
)

const (
	errorArticleTitle   = "錯誤"
	defaultContactEmail = "mail@mingchang.tw"
)

// ArticleCache holds rendered articles for the lifetime of the process. Articles are
// immutable at a given reference, so entries never expire; failed fetches are never stored.
type ArticleCache struct {
	fetcher  Fetcher
	renderer MarkdownRenderer
	store    PageStore
	logger   *slog.Logger
	clock    func() time.Time
	contact  string

	inflight singleflight.Group

	// generation is bumped by Purge; renders started before a purge do not store.
	mu         sync.Mutex
	generation uint64
}

type ArticleCacheOption func(*ArticleCache)

func WithArticleLogger(logger *slog.Logger) ArticleCacheOption {
	return func(c *ArticleCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPageStore replaces the default in-memory store.
func WithPageStore(store PageStore) ArticleCacheOption {
	return func(c *ArticleCache) {
		if store != nil {
			c.store = store
		}
	}
}

func WithArticleClock(clock func() time.Time) ArticleCacheOption {
	return func(c *ArticleCache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithContactEmail sets the address offered on error pages.
func WithContactEmail(email string) ArticleCacheOption {
	return func(c *ArticleCache) {
		if email != "" {
			c.contact = email
		}
	}
}

func NewArticleCache(fetcher Fetcher, renderer MarkdownRenderer, options ...ArticleCacheOption) *ArticleCache {
	c := &ArticleCache{
		fetcher:  fetcher,
		renderer: renderer,
		store:    NewMemoryStore(),
		logger:   slog.Default(),
		clock:    time.Now,
		contact:  defaultContactEmail,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// GetOrRender returns the rendered article for key, fetching and rendering it on first use.
// It never fails: fetch and render errors produce an error page that is not cached, so the
// next request retries. Concurrent misses for one key share a single fetch.
func (c *ArticleCache) GetOrRender(ctx context.Context, key ArticleKey) RenderedArticle {
	if err := key.Validate(); err != nil {
		c.logger.DebugContext(ctx, "article key rejected", "filename", key.Filename, "reference", key.Reference, "error", err)
		return c.errorArticle()
	}
	if article, ok := c.lookup(ctx, key); ok {
		return article
	}

	// The shared render outlives any one caller; the fetch timeout bounds it.
	detached := context.WithoutCancel(ctx)
	results := c.inflight.DoChan(key.Reference+"\x00"+key.Filename, func() (any, error) {
		if article, ok := c.lookup(detached, key); ok {
			return article, nil
		}
		return c.render(detached, key)
	})

	select {
	case result := <-results:
		if result.Err != nil {
			c.logger.WarnContext(ctx,
				"article unavailable",
				"filename", key.Filename,
				"reference", key.Reference,
				"shared", result.Shared,
				"code", platformerrors.GetCode(result.Err),
				"error", result.Err,
			)
			return c.errorArticle()
		}
		return result.Val.(RenderedArticle)
	case <-ctx.Done():
		c.logger.DebugContext(ctx,
			"article request cancelled while rendering",
			"filename", key.Filename,
			"reference", key.Reference,
			"error", ctx.Err(),
		)
		return c.errorArticle()
	}
}

// Purge drops every stored article. Renders already in flight still answer their callers
// but are not stored.
func (c *ArticleCache) Purge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("purge article cache: %w", err)
	}
	return nil
}

func (c *ArticleCache) lookup(ctx context.Context, key ArticleKey) (RenderedArticle, bool) {
	article, found, err := c.store.Get(key)
	if err != nil {
		c.logger.WarnContext(ctx,
			"article store lookup failed",
			"filename", key.Filename,
			"reference", key.Reference,
			"error", err,
		)
		return RenderedArticle{}, false
	}
	return article, found
}

func (c *ArticleCache) render(ctx context.Context, key ArticleKey) (RenderedArticle, error) {
	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	raw, err := c.fetcher.Fetch(ctx, key.Filename, key.Reference)
	if err != nil {
		return RenderedArticle{}, fmt.Errorf("fetch %s: %w", key, err)
	}

	title, body := splitArticle(string(raw))
	content, err := c.renderer.Render(body)
	if err != nil {
		return RenderedArticle{}, fmt.Errorf("render %s: %w", key, err)
	}

	article := RenderedArticle{
		Title:      title,
		Content:    content,
		ETag:       contentETag(title, content),
		RenderedAt: c.clock(),
	}
	if err := c.storeIfCurrent(generation, key, article); err != nil {
		c.logger.WarnContext(ctx,
			"article store insert failed",
			"filename", key.Filename,
			"reference", key.Reference,
			"error", err,
		)
	}
	c.logger.InfoContext(ctx,
		"article rendered",
		"filename", key.Filename,
		"reference", key.Reference,
		"bytes", len(raw),
	)
	return article, nil
}

func (c *ArticleCache) storeIfCurrent(generation uint64, key ArticleKey, article RenderedArticle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		c.logger.Debug("article purged while rendering, not stored", "filename", key.Filename, "reference", key.Reference)
		return nil
	}
	return c.store.Set(key, article)
}

func (c *ArticleCache) errorArticle() RenderedArticle {
	contact := html.EscapeString(c.contact)
	return RenderedArticle{
		Title:   errorArticleTitle,
		Content: "<p>請確認網址是否正確，網路環境是否暢通<br>如有疑問請<a href=\"mailto:" + contact + "\">與我聯繫</a></p>",
	}
}

func contentETag(title, content string) string {
	sum := sha256.New()
	sum.Write([]byte(title))
	sum.Write([]byte{0})
	sum.Write([]byte(content))
	return hex.EncodeToString(sum.Sum(nil)[:12])
}
