package main

import (
	"context"
	"sync"
	"testing"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var listT0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func sampleEntries() []ManifestEntry {
	return []ManifestEntry{
		{Name: "old", Date: mustDate("2023-01-01T09:00:00+08:00"), URL: "old.md", Commit: "main"},
		{Name: "new", Date: mustDate("2024-06-15T09:00:00+08:00"), URL: "new.md", Commit: "abc"},
	}
}

func newTestListCache(source ManifestSource, clock *fakeClock, options ...ListCacheOption) *ListCache {
	options = append([]ListCacheOption{WithListLogger(discardLogger()), WithListClock(clock.Now)}, options...)
	return NewListCache(source, options...)
}

func TestListCache_TTL(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	source := &stubManifest{results: []manifestResult{{entries: sampleEntries()}}}
	clock := newFakeClock(listT0)
	cache := newTestListCache(source, clock)

	first, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, listT0, first.GeneratedAt)
	assert.Equal(t, 1, source.Calls())

	clock.Set(listT0.Add(23*time.Hour + 59*time.Minute))
	cached, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.GeneratedAt, cached.GeneratedAt)
	assert.Equal(t, 1, source.Calls())

	refreshedAt := listT0.Add(24*time.Hour + time.Minute)
	clock.Set(refreshedAt)
	refreshed, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, refreshedAt, refreshed.GeneratedAt)
	assert.Equal(t, 2, source.Calls())
}

func TestListCache_RefreshesExactlyAtTTL(t *testing.T) {
	source := &stubManifest{results: []manifestResult{{entries: sampleEntries()}}}
	clock := newFakeClock(listT0)
	cache := newTestListCache(source, clock)

	_, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)

	clock.Set(listT0.Add(defaultListTTL))
	_, err = cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, source.Calls())
}

func TestListCache_SortsNewestFirst(t *testing.T) {
	source := &stubManifest{results: []manifestResult{{entries: sampleEntries()}}}
	cache := newTestListCache(source, newFakeClock(listT0))

	list, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Articles, 2)
	assert.Equal(t, "new", list.Articles[0].Name)
	assert.Equal(t, "2024/06/15", list.Articles[0].PublishDate)
	assert.Equal(t, "abc", list.Articles[0].Reference)
	assert.Equal(t, "old", list.Articles[1].Name)
}

func TestListCache_ColdFailureIsUnavailable(t *testing.T) {
	source := &stubManifest{results: []manifestResult{
		{err: platformerrors.New(platformerrors.CodeNetwork, "dns failure")},
		{entries: sampleEntries()},
	}}
	cache := newTestListCache(source, newFakeClock(listT0))

	_, err := cache.GetOrRefresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeUnavailable, platformerrors.GetCode(err))
	assert.True(t, platformerrors.IsRetryable(err))

	list, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, list.Articles, 2)
	assert.Equal(t, 2, source.Calls())
}

func TestListCache_ServesStaleWithBackoff(t *testing.T) {
	source := &stubManifest{results: []manifestResult{
		{entries: sampleEntries()},
		{err: platformerrors.New(platformerrors.CodeNetwork, "upstream down")},
		{err: platformerrors.New(platformerrors.CodeNetwork, "upstream down")},
		{entries: sampleEntries()[:1]},
	}}
	clock := newFakeClock(listT0)
	cache := newTestListCache(source, clock, WithStalePolicy(true, 5*time.Minute))

	original, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)

	expired := listT0.Add(25 * time.Hour)
	clock.Set(expired)
	stale, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, original.GeneratedAt, stale.GeneratedAt)
	assert.Equal(t, 2, source.Calls())

	clock.Set(expired.Add(4 * time.Minute))
	_, err = cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, source.Calls(), "refresh suppressed during backoff")

	clock.Set(expired.Add(5 * time.Minute))
	stale, err = cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, original.GeneratedAt, stale.GeneratedAt)
	assert.Equal(t, 3, source.Calls())

	recoveredAt := expired.Add(11 * time.Minute)
	clock.Set(recoveredAt)
	fresh, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recoveredAt, fresh.GeneratedAt)
	assert.Len(t, fresh.Articles, 1)
	assert.Equal(t, 4, source.Calls())
}

func TestListCache_StaleDisabledReturnsError(t *testing.T) {
	source := &stubManifest{results: []manifestResult{
		{entries: sampleEntries()},
		{err: platformerrors.New(platformerrors.CodeNetwork, "upstream down")},
	}}
	clock := newFakeClock(listT0)
	cache := newTestListCache(source, clock, WithStalePolicy(false, time.Minute))

	_, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)

	clock.Set(listT0.Add(25 * time.Hour))
	_, err = cache.GetOrRefresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeUnavailable, platformerrors.GetCode(err))
}

func TestListCache_InvalidateAndSetPolicy(t *testing.T) {
	source := &stubManifest{results: []manifestResult{{entries: sampleEntries()}}}
	clock := newFakeClock(listT0)
	cache := newTestListCache(source, clock)

	_, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)

	cache.Invalidate()
	_, err = cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, source.Calls())

	cache.SetPolicy(time.Hour, true, time.Minute)
	clock.Set(listT0.Add(61 * time.Minute))
	_, err = cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, source.Calls())
}

func TestListCache_ConcurrentRefreshSharesOneFetch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	source := &stubManifest{
		results: []manifestResult{{entries: sampleEntries()}},
		release: make(chan struct{}),
	}
	cache := newTestListCache(source, newFakeClock(listT0))

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.GetOrRefresh(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return source.Calls() == 1 }, time.Second, time.Millisecond)
	close(source.release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, source.Calls())
}

func TestListCache_CancelledWaiter(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	source := &stubManifest{
		results: []manifestResult{{entries: sampleEntries()}},
		release: make(chan struct{}),
	}
	cache := newTestListCache(source, newFakeClock(listT0))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error)
	go func() {
		_, err := cache.GetOrRefresh(ctx)
		errs <- err
	}()
	require.Eventually(t, func() bool { return source.Calls() == 1 }, time.Second, time.Millisecond)
	cancel()
	err := <-errs
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeUnavailable, platformerrors.GetCode(err))

	close(source.release)
	require.Eventually(t, func() bool {
		list, err := cache.GetOrRefresh(context.Background())
		return err == nil && len(list.Articles) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, source.Calls())
}

func TestListCache_CallersGetTheirOwnCopy(t *testing.T) {
	entries := sampleEntries()
	entries[1].Intro = stringPtr("intro")
	source := &stubManifest{results: []manifestResult{{entries: entries}}}
	cache := newTestListCache(source, newFakeClock(listT0))

	first, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first.Articles[0].Intro)
	first.Articles[0].Name = "mutated"
	*first.Articles[0].Intro = "mutated"
	first.Articles = append(first.Articles[:0], first.Articles[1:]...)

	second, err := cache.GetOrRefresh(context.Background())
	require.NoError(t, err)
	require.Len(t, second.Articles, 2)
	assert.Equal(t, "new", second.Articles[0].Name)
	assert.Equal(t, "intro", *second.Articles[0].Intro)
	assert.Equal(t, 1, source.Calls())
}
