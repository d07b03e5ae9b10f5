package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fetchResult struct {
	body string
	err  error
}

// stubFetcher replays results in order, repeating the last one. When release is set every
// call blocks on it after signalling entered.
type stubFetcher struct {
	mu      sync.Mutex
	calls   []ArticleKey
	results []fetchResult
	entered chan struct{}
	release chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, filename, reference string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ArticleKey{Filename: filename, Reference: reference})
	result := f.results[min(len(f.calls), len(f.results))-1]
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if result.err != nil {
		return nil, result.err
	}
	return []byte(result.body), nil
}

func (f *stubFetcher) Calls() []ArticleKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ArticleKey(nil), f.calls...)
}

type renderFunc func(markdown string) (string, error)

func (f renderFunc) Render(markdown string) (string, error) {
	return f(markdown)
}

type manifestResult struct {
	entries []ManifestEntry
	err     error
}

type stubManifest struct {
	mu      sync.Mutex
	calls   int
	results []manifestResult
	release chan struct{}
}

func (m *stubManifest) Manifest(ctx context.Context) ([]ManifestEntry, error) {
	m.mu.Lock()
	m.calls++
	result := m.results[min(m.calls, len(m.results))-1]
	m.mu.Unlock()

	if m.release != nil {
		<-m.release
	}
	return result.entries, result.err
}

func (m *stubManifest) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func mustDate(raw string) time.Time {
	date, err := parseManifestDate(raw)
	if err != nil {
		panic(err)
	}
	return date
}

func stringPtr(value string) *string {
	return &value
}
