package selection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/sma-adp-console/internal/models"
)

var (
	// ErrUnknownLevel is returned for a level the chain does not declare.
	ErrUnknownLevel = errors.New("unknown level")
	// ErrUnknownOption is returned when selecting an id missing from a loaded option set.
	ErrUnknownOption = errors.New("option not available for current scope")
	// ErrParentUnset is returned when selecting a level whose ancestors are not all selected.
	ErrParentUnset = errors.New("parent level has no selection")
	// ErrClosed is returned once the resolver was closed.
	ErrClosed = errors.New("resolver closed")
)

// FieldError reports a failed option load for one level. It is not fatal to the form.
type FieldError struct {
	Level string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("load %s options: %v", e.Level, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Observer receives load outcomes, typically for metrics.
type Observer interface {
	ObserveOptionLoad(level string, cached bool, duration time.Duration, err error)
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithCache injects the cache, mainly for tests.
func WithCache(cache *Cache) ResolverOption {
	return func(r *Resolver) {
		if cache != nil {
			r.cache = cache
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver registers a load observer.
func WithObserver(observer Observer) ResolverOption {
	return func(r *Resolver) {
		r.observer = observer
	}
}

// LevelState is the rendered state of one level.
type LevelState struct {
	Key      string           `json:"key"`
	Selected string           `json:"selected"`
	Options  models.OptionSet `json:"options"`
}

// State is a point-in-time copy of the whole chain.
type State struct {
	Chain  string       `json:"chain"`
	Levels []LevelState `json:"levels"`
}

// Selected returns the selection of level in the snapshot.
func (s State) Selected(level string) string {
	for _, l := range s.Levels {
		if l.Key == level {
			return l.Selected
		}
	}
	return ""
}

// Options returns the option set of level in the snapshot.
func (s State) Options(level string) models.OptionSet {
	for _, l := range s.Levels {
		if l.Key == level {
			return l.Options
		}
	}
	return models.EmptyOptionSet(level, "")
}

// Resolver keeps the selections of one chain consistent with their option sets.
//
// Selection changes clear descendants before any fetch is issued, so no descendant
// ever points at a level that was already cleared. Fetches run outside the lock;
// their results are applied only if the scope they were issued for is still current.
type Resolver struct {
	chain    Chain
	fetcher  Fetcher
	cache    *Cache
	logger   *zap.Logger
	observer Observer
	group    singleflight.Group

	mu         sync.Mutex
	selections map[string]string
	sets       map[string]models.OptionSet
	epoch      uint64
	closed     bool
}

// NewResolver creates a resolver for chain backed by fetcher.
func NewResolver(chain Chain, fetcher Fetcher, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		chain:      chain,
		fetcher:    fetcher,
		cache:      NewCache(),
		logger:     zap.NewNop(),
		selections: make(map[string]string, len(chain.Levels)),
		sets:       make(map[string]models.OptionSet, len(chain.Levels)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chain returns the chain definition.
func (r *Resolver) Chain() Chain {
	return r.chain
}

// ScopeFor builds the scope of level from the current ancestor selections.
func (r *Resolver) ScopeFor(level string) (Scope, error) {
	idx := r.chain.Index(level)
	if idx < 0 {
		return Scope{}, fmt.Errorf("%w: %s", ErrUnknownLevel, level)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scopeLocked(idx), nil
}

// EnsureLoaded returns the option set of level for scope. An incomplete scope yields
// an empty set without I/O. A cached set is returned without I/O. Otherwise one fetch
// is issued; concurrent callers for the same key share it. Failed fetches are never
// cached, so the next call retries. A caller whose ctx ends stops waiting, but the
// shared fetch keeps running for the others.
func (r *Resolver) EnsureLoaded(ctx context.Context, level string, scope Scope) (models.OptionSet, error) {
	idx := r.chain.Index(level)
	if idx < 0 {
		return models.OptionSet{}, fmt.Errorf("%w: %s", ErrUnknownLevel, level)
	}
	lvl := r.chain.Levels[idx]
	if !scope.Complete {
		return models.EmptyOptionSet(level, scope.Key()), nil
	}

	key := CacheKey(level, scope)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return models.EmptyOptionSet(level, scope.Key()), ErrClosed
	}
	if set, ok := r.cache.Get(key); ok {
		r.mu.Unlock()
		r.observe(level, true, 0, nil)
		return set, nil
	}
	generation := r.cache.Generation(key)
	epoch := r.epoch
	r.mu.Unlock()

	start := time.Now()
	flightKey := key + "#" + strconv.FormatUint(epoch, 10) + "." + strconv.FormatUint(generation, 10)
	flight := r.group.DoChan(flightKey, func() (interface{}, error) {
		return r.fetcher.FetchOptions(context.WithoutCancel(ctx), lvl, scope)
	})
	var value interface{}
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-flight:
		value, err = res.Val, res.Err
	}
	r.observe(level, false, time.Since(start), err)
	if err != nil {
		r.logger.Warn("option fetch failed",
			zap.String("chain", r.chain.Name),
			zap.String("level", level),
			zap.String("scope", scope.Key()),
			zap.Error(err))
		return models.EmptyOptionSet(level, scope.Key()), &FieldError{Level: level, Err: err}
	}

	items, _ := value.([]models.Option)
	set := models.OptionSet{Level: level, ScopeKey: scope.Key(), Items: normalizeItems(items), State: models.LoadStatePresent}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.epoch != epoch {
		return set, nil
	}
	if r.cache.Generation(key) != generation {
		// A refresh superseded this fetch; keep whatever the newer fetch stored.
		if newer, ok := r.cache.Get(key); ok {
			return newer, nil
		}
		return set, nil
	}
	r.cache.Put(key, set)
	return set, nil
}

// Select sets level to value, clears every descendant and loads the next level.
// A value below an unselected ancestor is rejected without changing anything.
// A load failure is returned as *FieldError; the selection change itself stands.
func (r *Resolver) Select(ctx context.Context, level, value string) (State, error) {
	idx := r.chain.Index(level)
	if idx < 0 {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownLevel, level)
	}
	value = models.NormalizeID(value)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return State{}, ErrClosed
	}
	if value != "" && !r.scopeLocked(idx).Complete {
		r.mu.Unlock()
		return State{}, fmt.Errorf("%w: %s=%s", ErrParentUnset, level, value)
	}
	if set, ok := r.sets[level]; ok && value != "" && set.Loaded() && !set.Contains(value) {
		r.mu.Unlock()
		return State{}, fmt.Errorf("%w: %s=%s", ErrUnknownOption, level, value)
	}
	r.selections[level] = value
	r.clearFromLocked(idx + 1)
	r.mu.Unlock()

	var err error
	if idx+1 < len(r.chain.Levels) {
		err = r.load(ctx, idx+1)
	}
	return r.Snapshot(), err
}

// ReconcileSelection clears level, and transitively its descendants, when its
// selection is missing from set. A selection present in set is left untouched.
func (r *Resolver) ReconcileSelection(level string, set models.OptionSet) (bool, error) {
	idx := r.chain.Index(level)
	if idx < 0 {
		return false, fmt.Errorf("%w: %s", ErrUnknownLevel, level)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcileLocked(idx, set), nil
}

// Preset seeds selections without clearing, for forms opened in edit mode. Values
// that would be orphaned below an empty ancestor are dropped.
func (r *Resolver) Preset(values map[string]string) error {
	for key := range values {
		if r.chain.Index(key) < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownLevel, key)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for i, lvl := range r.chain.Levels {
		value := models.NormalizeID(values[lvl.Key])
		if value == "" {
			r.clearFromLocked(i)
			break
		}
		r.selections[lvl.Key] = value
	}
	return nil
}

// Hydrate loads every level top-down and reconciles preset selections against the
// options that arrive. Load failures are collected; later levels still load.
func (r *Resolver) Hydrate(ctx context.Context) error {
	return r.hydrateFrom(ctx, 0)
}

// Refresh reloads level bypassing every cache, then reloads the levels below it.
// A selection no longer offered is cleared together with its descendants.
func (r *Resolver) Refresh(ctx context.Context, level string) (State, error) {
	idx := r.chain.Index(level)
	if idx < 0 {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownLevel, level)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return State{}, ErrClosed
	}
	scope := r.scopeLocked(idx)
	r.cache.Invalidate(CacheKey(level, scope))
	for _, lvl := range r.chain.Levels[idx+1:] {
		r.cache.InvalidateLevel(lvl.Key)
	}
	r.mu.Unlock()

	if inv, ok := r.fetcher.(Invalidator); ok && scope.Complete {
		if err := inv.InvalidateOptions(ctx, r.chain.Levels[idx], scope); err != nil {
			r.logger.Warn("shared option cache invalidation failed", zap.String("level", level), zap.Error(err))
		}
	}
	if inv, ok := r.fetcher.(LevelInvalidator); ok {
		for _, lvl := range r.chain.Levels[idx+1:] {
			if err := inv.InvalidateLevel(ctx, lvl.Key); err != nil {
				r.logger.Warn("shared option cache invalidation failed", zap.String("level", lvl.Key), zap.Error(err))
			}
		}
	}

	err := r.hydrateFrom(ctx, idx)
	return r.Snapshot(), err
}

// Selection returns the current selection of level.
func (r *Resolver) Selection(level string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selections[level]
}

// Options returns the option set currently shown for level.
func (r *Resolver) Options(level string) models.OptionSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.sets[level]; ok {
		return set
	}
	return models.EmptyOptionSet(level, "")
}

// Snapshot copies the current state of every level.
func (r *Resolver) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := State{Chain: r.chain.Name, Levels: make([]LevelState, 0, len(r.chain.Levels))}
	for i, lvl := range r.chain.Levels {
		set, ok := r.sets[lvl.Key]
		if !ok {
			set = models.EmptyOptionSet(lvl.Key, r.scopeLocked(i).Key())
		}
		items := make([]models.Option, len(set.Items))
		copy(items, set.Items)
		set.Items = items
		state.Levels = append(state.Levels, LevelState{Key: lvl.Key, Selected: r.selections[lvl.Key], Options: set})
	}
	return state
}

// Reset clears all selections and cached option sets.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

// Close resets the resolver and drops any fetch that resolves afterwards.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.closed = true
}

func (r *Resolver) hydrateFrom(ctx context.Context, start int) error {
	var errs []error
	for i := start; i < len(r.chain.Levels); i++ {
		if err := r.load(ctx, i); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// load fetches level idx for the current scope and applies the result if that scope
// is still current when the fetch returns.
func (r *Resolver) load(ctx context.Context, idx int) error {
	lvl := r.chain.Levels[idx]

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	scope := r.scopeLocked(idx)
	if !scope.Complete {
		r.sets[lvl.Key] = models.EmptyOptionSet(lvl.Key, scope.Key())
		r.mu.Unlock()
		return nil
	}
	if _, cached := r.cache.Get(CacheKey(lvl.Key, scope)); !cached {
		pending := models.EmptyOptionSet(lvl.Key, scope.Key())
		pending.State = models.LoadStatePending
		r.sets[lvl.Key] = pending
	}
	r.mu.Unlock()

	set, err := r.EnsureLoaded(ctx, lvl.Key, scope)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	current := r.scopeLocked(idx)
	if current.Complete != scope.Complete || current.Key() != scope.Key() {
		return nil
	}
	r.sets[lvl.Key] = set
	if err != nil {
		return err
	}
	r.reconcileLocked(idx, set)
	return nil
}

func (r *Resolver) reconcileLocked(idx int, set models.OptionSet) bool {
	key := r.chain.Levels[idx].Key
	selected := r.selections[key]
	if selected == "" || set.Contains(selected) {
		return false
	}
	r.logger.Debug("selection no longer offered",
		zap.String("chain", r.chain.Name),
		zap.String("level", key),
		zap.String("selected", selected))
	r.selections[key] = ""
	r.clearFromLocked(idx + 1)
	return true
}

// clearFromLocked empties the selections and shown options of levels idx and below.
func (r *Resolver) clearFromLocked(idx int) {
	for i := idx; i < len(r.chain.Levels); i++ {
		key := r.chain.Levels[i].Key
		r.selections[key] = ""
		r.sets[key] = models.EmptyOptionSet(key, "")
	}
}

func (r *Resolver) scopeLocked(idx int) Scope {
	scope := Scope{Keys: make([]string, 0, idx), Values: make([]string, 0, idx), Complete: true}
	for i := 0; i < idx; i++ {
		key := r.chain.Levels[i].Key
		value := r.selections[key]
		if value == "" {
			scope.Complete = false
		}
		scope.Keys = append(scope.Keys, key)
		scope.Values = append(scope.Values, value)
	}
	return scope
}

func (r *Resolver) resetLocked() {
	r.cache.Clear()
	r.epoch++
	r.selections = make(map[string]string, len(r.chain.Levels))
	r.sets = make(map[string]models.OptionSet, len(r.chain.Levels))
}

func (r *Resolver) observe(level string, cached bool, d time.Duration, err error) {
	if r.observer != nil {
		r.observer.ObserveOptionLoad(level, cached, d, err)
	}
}

func normalizeItems(items []models.Option) []models.Option {
	out := make([]models.Option, 0, len(items))
	for _, item := range items {
		item.ID = models.NormalizeID(item.ID)
		if item.ID == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
