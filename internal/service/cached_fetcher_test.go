package service

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-console/internal/models"
	"github.com/noah-isme/sma-adp-console/internal/selection"
	appErrors "github.com/noah-isme/sma-adp-console/pkg/errors"
)

type memoryCacheRepo struct {
	mu      sync.Mutex
	entries map[string][]byte
	getErr  error
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{entries: make(map[string][]byte)}
}

func (m *memoryCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return m.getErr
	}
	raw, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = raw
	return nil
}

func (m *memoryCacheRepo) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *memoryCacheRepo) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func TestCachedFetcherReadThrough(t *testing.T) {
	repo := newMemoryCacheRepo()
	metrics := NewMetricsService()
	cache := NewCacheService(repo, metrics, time.Minute, nil, true)
	next := newOptionFetcherMock()
	next.data["arm|5"] = []models.Option{{ID: "2", Label: "Gold"}}
	f := NewCachedFetcher(next, cache, time.Minute, nil)

	level := selection.ClassChain.Levels[1]
	scope := selection.Scope{Keys: []string{"class"}, Values: []string{"5"}, Complete: true}

	for i := 0; i < 3; i++ {
		opts, err := f.FetchOptions(context.Background(), level, scope)
		require.NoError(t, err)
		require.Len(t, opts, 1)
		assert.Equal(t, "Gold", opts[0].Label)
	}
	assert.Equal(t, 1, next.calls["arm|5"])
	assert.Contains(t, repo.entries, "options:arm:5")

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(2), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.CacheMisses)

	require.NoError(t, f.InvalidateOptions(context.Background(), level, scope))
	_, err := f.FetchOptions(context.Background(), level, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls["arm|5"])

	require.NoError(t, f.InvalidateLevel(context.Background(), "arm"))
	assert.Empty(t, repo.entries)
}

func TestCachedFetcherRefreshReloadsDescendantsFromSource(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryCacheRepo()
	cache := NewCacheService(repo, nil, time.Minute, nil, true)
	next := newOptionFetcherMock()
	next.data["class|"] = []models.Option{{ID: "5", Label: "JSS 1"}}
	next.data["arm|5"] = []models.Option{{ID: "2", Label: "Gold"}}
	r := selection.NewResolver(selection.ClassChain, NewCachedFetcher(next, cache, time.Minute, nil))

	require.NoError(t, r.Preset(map[string]string{"class": "5"}))
	require.NoError(t, r.Hydrate(ctx))
	require.Equal(t, "Gold", r.Options("arm").Items[0].Label)

	next.mu.Lock()
	next.data["arm|5"] = []models.Option{{ID: "2", Label: "Blue"}}
	next.mu.Unlock()

	state, err := r.Refresh(ctx, "class")
	require.NoError(t, err)
	arms := state.Options("arm")
	require.Len(t, arms.Items, 1)
	assert.Equal(t, "Blue", arms.Items[0].Label)
	assert.Equal(t, 2, next.calls["arm|5"])
}

func TestCachedFetcherSurvivesCacheErrors(t *testing.T) {
	repo := newMemoryCacheRepo()
	repo.getErr = errors.New("redis down")
	cache := NewCacheService(repo, nil, time.Minute, nil, true)
	next := newOptionFetcherMock()
	next.data["class|"] = []models.Option{{ID: "5", Label: "JSS 1"}}
	f := NewCachedFetcher(next, cache, time.Minute, nil)

	opts, err := f.FetchOptions(context.Background(), selection.ClassChain.Levels[0], selection.Scope{Complete: true})
	require.NoError(t, err)
	assert.Len(t, opts, 1)
}

func TestCachedFetcherDoesNotCacheFailures(t *testing.T) {
	repo := newMemoryCacheRepo()
	cache := NewCacheService(repo, nil, time.Minute, nil, true)
	next := newOptionFetcherMock()
	next.errs["class|"] = errors.New("timeout")
	f := NewCachedFetcher(next, cache, time.Minute, nil)

	_, err := f.FetchOptions(context.Background(), selection.ClassChain.Levels[0], selection.Scope{Complete: true})
	assert.Error(t, err)
	assert.Empty(t, repo.entries)
}

func TestCacheServiceDisabledIsPassThrough(t *testing.T) {
	cache := NewCacheService(newMemoryCacheRepo(), nil, 0, nil, false)
	var dest []models.Option
	hit, err := cache.Get(context.Background(), "k", &dest)
	assert.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, cache.Set(context.Background(), "k", dest, 0))
	assert.NoError(t, cache.Invalidate(context.Background(), "*"))
}
