package selection

import (
	"context"
	"strings"

	"github.com/noah-isme/sma-adp-console/internal/models"
)

// Level is one stage of a dependent selection chain.
type Level struct {
	Key      string `json:"key"`
	Resource string `json:"resource"`
}

// Chain is an ordered list of levels where each level is scoped by all levels above it.
type Chain struct {
	Name   string  `json:"name"`
	Levels []Level `json:"levels"`
	// AutoAdvance asks callers to pick the only option of a level automatically.
	AutoAdvance bool `json:"auto_advance"`
}

// Predefined chains used across the console screens.
var (
	AcademicChain = Chain{Name: "academic", Levels: []Level{
		{Key: "session", Resource: "sessions"},
		{Key: "term", Resource: "terms"},
	}, AutoAdvance: true}
	ClassChain = Chain{Name: "class", Levels: []Level{
		{Key: "class", Resource: "classes"},
		{Key: "arm", Resource: "arms"},
		{Key: "section", Resource: "sections"},
	}, AutoAdvance: true}
	LocationChain = Chain{Name: "location", Levels: []Level{
		{Key: "country", Resource: "countries"},
		{Key: "state", Resource: "states"},
		{Key: "lga", Resource: "lgas"},
	}}
	SubjectChain = Chain{Name: "subject", Levels: []Level{
		{Key: "class", Resource: "classes"},
		{Key: "subject", Resource: "subjects"},
	}}
)

var chains = map[string]Chain{
	AcademicChain.Name: AcademicChain,
	ClassChain.Name:    ClassChain,
	LocationChain.Name: LocationChain,
	SubjectChain.Name:  SubjectChain,
}

// LookupChain returns a predefined chain by name.
func LookupChain(name string) (Chain, bool) {
	chain, ok := chains[strings.ToLower(strings.TrimSpace(name))]
	return chain, ok
}

// ChainNames lists the predefined chains.
func ChainNames() []string {
	return []string{AcademicChain.Name, ClassChain.Name, LocationChain.Name, SubjectChain.Name}
}

// Index returns the position of level in the chain or -1.
func (c Chain) Index(level string) int {
	for i, l := range c.Levels {
		if l.Key == level {
			return i
		}
	}
	return -1
}

// Scope is the tuple of ancestor selections that determines a level's options.
type Scope struct {
	Keys     []string `json:"keys"`
	Values   []string `json:"values"`
	Complete bool     `json:"complete"`
}

// Key renders the composite scope key, e.g. "5:2" for a section under class 5, arm 2.
func (s Scope) Key() string {
	return strings.Join(s.Values, ":")
}

// Value returns the ancestor value selected for key.
func (s Scope) Value(key string) string {
	for i, k := range s.Keys {
		if k == key && i < len(s.Values) {
			return s.Values[i]
		}
	}
	return ""
}

// Fetcher loads the options of one level for a complete scope.
type Fetcher interface {
	FetchOptions(ctx context.Context, level Level, scope Scope) ([]models.Option, error)
}

// Invalidator is implemented by fetchers that keep their own shared cache.
type Invalidator interface {
	InvalidateOptions(ctx context.Context, level Level, scope Scope) error
}

// LevelInvalidator is implemented by fetchers that can drop a level's shared entries
// across every scope. Refresh uses it for the levels below the refreshed one.
type LevelInvalidator interface {
	InvalidateLevel(ctx context.Context, level string) error
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, level Level, scope Scope) ([]models.Option, error)

// FetchOptions implements Fetcher.
func (f FetcherFunc) FetchOptions(ctx context.Context, level Level, scope Scope) ([]models.Option, error) {
	return f(ctx, level, scope)
}
