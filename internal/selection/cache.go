package selection

import (
	"strings"

	"github.com/noah-isme/sma-adp-console/internal/models"
)

// Cache memoises option sets by level and scope for one resolver.
// It is not safe for concurrent use; the owning Resolver serialises access.
type Cache struct {
	entries     map[string]models.OptionSet
	generations map[string]uint64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries:     make(map[string]models.OptionSet),
		generations: make(map[string]uint64),
	}
}

// CacheKey builds the cache key for a level and scope.
func CacheKey(level string, scope Scope) string {
	return level + "|" + scope.Key()
}

// Get returns the cached set for key.
func (c *Cache) Get(key string) (models.OptionSet, bool) {
	set, ok := c.entries[key]
	return set, ok
}

// Put stores set under key, replacing any previous entry.
func (c *Cache) Put(key string, set models.OptionSet) {
	c.entries[key] = set
}

// Generation returns the current generation of key.
func (c *Cache) Generation(key string) uint64 {
	return c.generations[key]
}

// Invalidate drops key and bumps its generation so in-flight fetches for it are discarded.
func (c *Cache) Invalidate(key string) uint64 {
	delete(c.entries, key)
	c.generations[key]++
	return c.generations[key]
}

// InvalidateLevel drops every entry of level regardless of scope.
func (c *Cache) InvalidateLevel(level string) {
	prefix := level + "|"
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.Invalidate(key)
		}
	}
}

// Len reports the number of cached sets.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Clear removes every entry. Generations keep counting so stale fetches stay stale.
func (c *Cache) Clear() {
	for key := range c.entries {
		c.Invalidate(key)
	}
}
