package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// app holds the long-lived components built from one Config.
type app struct {
	logger   *slog.Logger
	store    PageStore
	articles *ArticleCache
	list     *ListCache
	server   *Server
}

func newApp(cfg Config, logger *slog.Logger) (*app, error) {
	fetcher := NewHTTPFetcher(cfg.Source.BaseURL,
		WithFetchTimeout(cfg.Source.FetchTimeout),
		WithUserAgent(cfg.Source.UserAgent),
		WithMaxBodyBytes(cfg.Source.MaxBodyBytes),
	)

	rendererOptions := []RendererOption{WithHighlightStyle(cfg.Render.HighlightStyle)}
	if !cfg.Render.Sanitize {
		rendererOptions = append(rendererOptions, WithoutSanitizer())
	}
	renderer, err := NewRenderer(rendererOptions...)
	if err != nil {
		return nil, fmt.Errorf("new renderer: %w", err)
	}
	highlightCSS, err := renderer.StyleSheet()
	if err != nil {
		return nil, err
	}

	var store PageStore = NewMemoryStore()
	if cfg.Cache.Store == storeSQLite {
		store, err = NewSQLiteStore(cfg.Cache.SQLiteDSN)
		if err != nil {
			return nil, fmt.Errorf("new page store: %w", err)
		}
	}

	articles := NewArticleCache(fetcher, renderer,
		WithArticleLogger(logger),
		WithPageStore(store),
		WithContactEmail(cfg.Site.ContactEmail),
	)
	list := NewListCache(
		NewRemoteManifest(fetcher, cfg.Source.ManifestURL, cfg.Source.ManifestFormat, cfg.Source.DefaultReference),
		WithListLogger(logger),
		WithListTTL(cfg.Cache.ListTTL),
		WithStalePolicy(cfg.Cache.ServeStale, cfg.Cache.RefreshBackoff),
	)
	server, err := NewServer(articles, list, cfg.Site,
		WithServerLogger(logger),
		WithHighlightCSS(highlightCSS),
		WithDefaultReference(cfg.Source.DefaultReference),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("new server: %w", err)
	}

	return &app{
		logger:   logger,
		store:    store,
		articles: articles,
		list:     list,
		server:   server,
	}, nil
}

// reload applies the settings that can change without a restart.
func (a *app) reload(cfg Config, level *slog.LevelVar) {
	level.Set(cfg.LogLevel)
	a.list.SetPolicy(cfg.Cache.ListTTL, cfg.Cache.ServeStale, cfg.Cache.RefreshBackoff)
	a.logger.Info("config reloaded",
		"log_level", cfg.LogLevel,
		"list_ttl", cfg.Cache.ListTTL,
		"serve_stale", cfg.Cache.ServeStale,
	)
}

// purge empties both caches.
func (a *app) purge() {
	if err := a.articles.Purge(); err != nil {
		a.logger.Warn("purge article cache failed", "error", err)
	}
	a.list.Invalidate()
	a.logger.Info("caches purged")
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) run(ctx context.Context, cfg ServerConfig, watch func(context.Context) error) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serveHTTP(ctx, cfg, a.server.Handler(), a.logger)
	})
	if watch != nil {
		group.Go(func() error {
			return watch(ctx)
		})
	}
	group.Go(func() error {
		hangups := make(chan os.Signal, 1)
		signal.Notify(hangups, syscall.SIGHUP)
		defer signal.Stop(hangups)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hangups:
				a.purge()
			}
		}
	})
	return group.Wait()
}

// serveHTTP serves TLS when both certificate files exist and plain HTTP otherwise, and
// shuts down gracefully once ctx is done.
func serveHTTP(ctx context.Context, cfg ServerConfig, handler http.Handler, logger *slog.Logger) error {
	useTLS := fileExists(cfg.CertFile) && fileExists(cfg.KeyFile)
	addr := cfg.Listen
	if useTLS {
		addr = cfg.TLSListen
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			logger.Info("TLS enabled, listening", "addr", addr)
			err = server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			logger.Info("TLS disabled, listening", "addr", addr)
			err = server.ListenAndServe()
		}
		errs <- err
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	<-errs
	logger.Info("http server stopped")
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
