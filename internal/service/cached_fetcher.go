package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-console/internal/models"
	"github.com/noah-isme/sma-adp-console/internal/selection"
)

// CachedFetcher is a read-through shared cache in front of another option fetcher.
// Entries live under options:<level>:<scope> and are shared by every form session.
type CachedFetcher struct {
	next   selection.Fetcher
	cache  *CacheService
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedFetcher wraps next. A disabled cache makes it a pass-through.
func NewCachedFetcher(next selection.Fetcher, cache *CacheService, ttl time.Duration, logger *zap.Logger) *CachedFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedFetcher{next: next, cache: cache, ttl: ttl, logger: logger}
}

// OptionsCacheKey is the shared cache key of a level's options under scope.
func OptionsCacheKey(level string, scope selection.Scope) string {
	return fmt.Sprintf("options:%s:%s", level, scope.Key())
}

// FetchOptions serves from the shared cache, falling back to the wrapped fetcher. Cache
// errors never fail the lookup.
func (f *CachedFetcher) FetchOptions(ctx context.Context, level selection.Level, scope selection.Scope) ([]models.Option, error) {
	key := OptionsCacheKey(level.Key, scope)
	var cached []models.Option
	if hit, err := f.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	options, err := f.next.FetchOptions(ctx, level, scope)
	if err != nil {
		return nil, err
	}
	if err := f.cache.Set(ctx, key, options, f.ttl); err != nil {
		f.logger.Debug("option cache write skipped", zap.String("key", key), zap.Error(err))
	}
	return options, nil
}

// InvalidateOptions drops the shared entry and forwards to the wrapped fetcher when it
// caches too.
func (f *CachedFetcher) InvalidateOptions(ctx context.Context, level selection.Level, scope selection.Scope) error {
	if err := f.cache.Delete(ctx, OptionsCacheKey(level.Key, scope)); err != nil {
		return err
	}
	if inv, ok := f.next.(selection.Invalidator); ok {
		return inv.InvalidateOptions(ctx, level, scope)
	}
	return nil
}

// InvalidateLevel drops every shared entry of level, across all scopes.
func (f *CachedFetcher) InvalidateLevel(ctx context.Context, level string) error {
	if err := f.cache.Invalidate(ctx, fmt.Sprintf("options:%s:*", level)); err != nil {
		return err
	}
	if inv, ok := f.next.(selection.LevelInvalidator); ok {
		return inv.InvalidateLevel(ctx, level)
	}
	return nil
}
