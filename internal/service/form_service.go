package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-console/internal/dto"
	"github.com/noah-isme/sma-adp-console/internal/selection"
	"github.com/noah-isme/sma-adp-console/pkg/config"
	appErrors "github.com/noah-isme/sma-adp-console/pkg/errors"
)

const sessionTypeForm = "form"

type formSession struct {
	id        string
	owner     string
	chain     selection.Chain
	resolver  *selection.Resolver
	createdAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *formSession) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *formSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// FormService keeps one selection resolver per open form.
type FormService struct {
	fetcher selection.Fetcher
	metrics *MetricsService
	cfg     config.SessionsConfig
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*formSession
}

// NewFormService constructs a FormService. Every session shares fetcher.
func NewFormService(fetcher selection.Fetcher, metrics *MetricsService, cfg config.SessionsConfig, logger *zap.Logger) *FormService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &FormService{
		fetcher:  fetcher,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*formSession),
	}
}

// Create opens a form for chainName. Preset selections are validated against the
// options that load; load failures are reported per level and do not fail creation.
func (s *FormService) Create(ctx context.Context, owner string, req dto.CreateFormRequest) (*dto.FormView, error) {
	chain, ok := selection.LookupChain(req.Chain)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown form chain "+req.Chain)
	}

	resolver := selection.NewResolver(chain, s.fetcher,
		selection.WithLogger(s.logger.With(zap.String("chain", chain.Name))),
		selection.WithObserver(s.metrics))
	if err := resolver.Preset(req.Preset); err != nil {
		return nil, translateSelectionError(err)
	}

	now := s.now()
	sess := &formSession{
		id:        uuid.NewString(),
		owner:     owner,
		chain:     chain,
		resolver:  resolver,
		createdAt: now,
		lastSeen:  now,
	}

	loadErr := resolver.Hydrate(ctx)
	loadErr = errors.Join(loadErr, s.autoAdvance(ctx, sess))

	s.mu.Lock()
	s.sessions[sess.id] = sess
	count := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetActiveSessions(sessionTypeForm, count)

	s.logger.Info("form opened", zap.String("form_id", sess.id), zap.String("chain", chain.Name), zap.String("owner", owner))
	return s.view(sess, loadErr), nil
}

// Get returns the current state of a form.
func (s *FormService) Get(ctx context.Context, owner, id string) (*dto.FormView, error) {
	sess, err := s.session(owner, id)
	if err != nil {
		return nil, err
	}
	return s.view(sess, nil), nil
}

// Select changes one level and cascades to its descendants.
func (s *FormService) Select(ctx context.Context, owner, id, level, value string) (*dto.FormView, error) {
	sess, err := s.session(owner, id)
	if err != nil {
		return nil, err
	}
	_, err = sess.resolver.Select(ctx, level, value)
	if err != nil && !isFieldError(err) {
		return nil, translateSelectionError(err)
	}
	err = errors.Join(err, s.autoAdvance(ctx, sess))
	return s.view(sess, err), nil
}

// Refresh reloads level and everything below it, bypassing caches.
func (s *FormService) Refresh(ctx context.Context, owner, id, level string) (*dto.FormView, error) {
	sess, err := s.session(owner, id)
	if err != nil {
		return nil, err
	}
	_, err = sess.resolver.Refresh(ctx, level)
	if err != nil && !isFieldError(err) {
		return nil, translateSelectionError(err)
	}
	return s.view(sess, err), nil
}

// Close discards a form. Fetches still in flight for it are dropped.
func (s *FormService) Close(ctx context.Context, owner, id string) error {
	sess, err := s.session(owner, id)
	if err != nil {
		return err
	}
	s.remove(sess)
	return nil
}

// Len returns the number of open forms.
func (s *FormService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep closes every form idle since before now minus the idle TTL.
func (s *FormService) Sweep(now time.Time) int {
	cutoff := now.Add(-s.cfg.IdleTTL)
	s.mu.RLock()
	var stale []*formSession
	for _, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	s.mu.RUnlock()
	for _, sess := range stale {
		s.remove(sess)
	}
	if len(stale) > 0 {
		s.logger.Debug("idle forms evicted", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Start runs the idle janitor until ctx is done.
func (s *FormService) Start(ctx context.Context) {
	go runJanitor(ctx, s.cfg.SweepInterval, func() { s.Sweep(s.now()) })
}

func (s *FormService) session(owner, id string) (*formSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, appErrors.ErrSessionNotFound
	}
	if sess.owner != "" && sess.owner != owner {
		return nil, appErrors.ErrSessionNotFound
	}
	sess.touch(s.now())
	return sess, nil
}

func (s *FormService) remove(sess *formSession) {
	s.mu.Lock()
	if _, ok := s.sessions[sess.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.id)
	count := len(s.sessions)
	s.mu.Unlock()
	sess.resolver.Close()
	s.metrics.SetActiveSessions(sessionTypeForm, count)
}

// autoAdvance selects the first empty level when its loaded options offer exactly one
// choice, repeating down the chain.
func (s *FormService) autoAdvance(ctx context.Context, sess *formSession) error {
	if !sess.chain.AutoAdvance {
		return nil
	}
	var errs []error
	for range sess.chain.Levels {
		state := sess.resolver.Snapshot()
		var next *selection.LevelState
		for i := range state.Levels {
			if state.Levels[i].Selected == "" {
				next = &state.Levels[i]
				break
			}
		}
		if next == nil || !next.Options.Loaded() || len(next.Options.Items) != 1 {
			break
		}
		if _, err := sess.resolver.Select(ctx, next.Key, next.Options.Items[0].ID); err != nil {
			if !isFieldError(err) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *FormService) view(sess *formSession, loadErr error) *dto.FormView {
	failures := fieldErrors(loadErr)
	state := sess.resolver.Snapshot()
	view := &dto.FormView{
		ID:          sess.id,
		Chain:       sess.chain.Name,
		AutoAdvance: sess.chain.AutoAdvance,
		Complete:    true,
		Levels:      make([]dto.FormLevel, 0, len(state.Levels)),
		CreatedAt:   sess.createdAt,
		UpdatedAt:   sess.idleSince(),
	}
	for i, lvl := range state.Levels {
		view.Levels = append(view.Levels, dto.FormLevel{
			Key:      lvl.Key,
			Resource: sess.chain.Levels[i].Resource,
			Selected: lvl.Selected,
			Options:  lvl.Options,
			Error:    failures[lvl.Key],
		})
		if lvl.Selected == "" {
			view.Complete = false
		}
	}
	return view
}

func isFieldError(err error) bool {
	if err == nil {
		return false
	}
	return len(fieldErrors(err)) > 0 && !errors.Is(err, selection.ErrClosed)
}

// fieldErrors flattens joined *selection.FieldError values into level -> message.
func fieldErrors(err error) map[string]string {
	out := make(map[string]string)
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		var fe *selection.FieldError
		if errors.As(e, &fe) {
			out[fe.Level] = upstreamMessage(fe.Err)
		}
	}
	walk(err)
	return out
}

func translateSelectionError(err error) error {
	switch {
	case errors.Is(err, selection.ErrUnknownLevel):
		return appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, err.Error())
	case errors.Is(err, selection.ErrUnknownOption), errors.Is(err, selection.ErrParentUnset):
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	case errors.Is(err, selection.ErrClosed):
		return appErrors.ErrSessionNotFound
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
}

// upstreamMessage prefers the message the data source sent.
func upstreamMessage(err error) string {
	var sm interface{ ServerMessage() string }
	if errors.As(err, &sm) && sm.ServerMessage() != "" {
		return sm.ServerMessage()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func runJanitor(ctx context.Context, interval time.Duration, sweep func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
