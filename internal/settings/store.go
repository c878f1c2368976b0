package settings

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aminovpavel/meshgate/internal/observability"
)

// ErrNotFound is returned by persisters that hold no saved settings yet.
var ErrNotFound = errors.New("settings: not found")

// Persister loads and saves the raw settings document.
type Persister interface {
	Load(ctx context.Context) (map[string]any, error)
	Save(ctx context.Context, s Settings) error
}

// ChangeHook observes every effective change.
type ChangeHook func(prev, next Settings)

// Option configures a Store.
type Option func(*Store)

// WithPersister sets the backing persister; without one settings live in memory.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics wires merge and persistence counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Store is the process-wide settings holder.
type Store struct {
	mergeMu sync.Mutex

	mu    sync.RWMutex
	cur   Settings
	hooks []ChangeHook

	persister Persister
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewStore creates a store holding Defaults().
func NewStore(opts ...Option) *Store {
	s := &Store{
		cur:    Defaults(),
		logger: observability.NoOpLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the current settings with defaults overlaid by whatever the
// persister holds. A failed load keeps the defaults.
func (s *Store) Load(ctx context.Context) Settings {
	next := Defaults()
	if s.persister != nil {
		raw, err := s.persister.Load(ctx)
		switch {
		case errors.Is(err, ErrNotFound):
			s.logger.Debug("no saved settings, using defaults")
		case err != nil:
			s.logger.Warn("load settings failed, using defaults", slog.Any("error", err))
			s.metrics.IncPersistErrors()
		default:
			next = next.Apply(raw)
		}
	}

	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	s.swap(next)
	return next.Clone()
}

// Get returns a copy of the effective settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Clone()
}

// OnChange registers a hook run after every Load and Merge.
func (s *Store) OnChange(h ChangeHook) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// Merge applies partial, runs the change hooks and persists the result. A
// failed save is logged and the in-memory value is kept.
func (s *Store) Merge(ctx context.Context, partial map[string]any) Settings {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	next := s.Get().Apply(partial)
	s.swap(next)
	s.metrics.IncSettingsMerges()

	if s.persister != nil {
		if err := s.persister.Save(ctx, next); err != nil {
			s.logger.Error("save settings failed", slog.Any("error", err))
			s.metrics.IncPersistErrors()
		}
	}
	return next.Clone()
}

func (s *Store) swap(next Settings) {
	s.mu.Lock()
	prev := s.cur
	s.cur = next.Clone()
	hooks := append([]ChangeHook(nil), s.hooks...)
	s.mu.Unlock()

	for _, h := range hooks {
		h(prev.Clone(), next.Clone())
	}
}
