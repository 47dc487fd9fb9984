package agents

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/strandlabs/strand/internal/tracing"
	"github.com/strandlabs/strand/pkg/capability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultCacheTTL bounds how stale a cached agent config can get. Short by
// design: upstream edits must take effect without a process restart.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	cfg       *Config
	fetchedAt time.Time
}

// Loader resolves and validates agent configurations, caching by identifier
// with a bounded TTL. The cache is an injected, process-scoped service, not
// ambient global state.
type Loader struct {
	store    Store
	registry *capability.Registry
	ttl      time.Duration
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewLoader creates a config loader backed by store, validating tool names
// against registry. ttl <= 0 uses DefaultCacheTTL.
func NewLoader(store Store, registry *capability.Registry, ttl time.Duration, logger zerolog.Logger) *Loader {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Loader{
		store:    store,
		registry: registry,
		ttl:      ttl,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
	}
}

// Load resolves an agent identifier to a validated configuration. Fails with
// ErrNotFound or ErrInvalid; both are terminal for the requesting run.
func (l *Loader) Load(ctx context.Context, id string) (*Config, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"strand.agents",
		"agents.load",
		attribute.String("agent_id", id),
	)
	defer span.End()

	l.mu.RLock()
	entry, ok := l.cache[id]
	l.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < l.ttl {
		return entry.cfg, nil
	}

	cfg, err := l.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := cfg.Validate(l.registry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	l.mu.Lock()
	l.cache[id] = cacheEntry{cfg: cfg, fetchedAt: time.Now()}
	l.mu.Unlock()

	l.logger.Debug().Str("agent_id", id).Str("model", cfg.Model).Msg("Agent config loaded")
	return cfg, nil
}

// Invalidate drops the cached entry for an agent identifier
func (l *Loader) Invalidate(id string) {
	l.mu.Lock()
	delete(l.cache, id)
	l.mu.Unlock()
}

// InvalidateAll drops every cached entry
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	l.cache = make(map[string]cacheEntry)
	l.mu.Unlock()
}
