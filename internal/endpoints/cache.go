package endpoints

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/example/switch-adapter/internal/fault"
	"github.com/example/switch-adapter/internal/metrics"
	"github.com/example/switch-adapter/internal/proxycache"
)

// DefaultTTL bounds how stale a cached table may become.
const DefaultTTL = 5 * time.Minute

var errCacheStopped = errors.New("endpoints: cache stopped")

// Option customises the cache. Options are applied by New and by Reset.
type Option func(*settings)

type settings struct {
	ttl     time.Duration
	warm    []string
	now     func() time.Time
	logger  zerolog.Logger
	metrics metrics.Recorder
}

// WithTTL sets how long a fetched table is served before it is refreshed.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithWarmParticipants lists participants whose tables Start loads eagerly.
func WithWarmParticipants(ids ...string) Option {
	return func(s *settings) {
		s.warm = append([]string(nil), ids...)
	}
}

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) {
		if !reflect.ValueOf(logger).IsZero() {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *settings) {
		if m != nil {
			s.metrics = m
		}
	}
}

type entry struct {
	table   Table
	expires time.Time
}

// state is everything Reset replaces in one step.
type state struct {
	settings settings
	mu       sync.RWMutex
	entries  map[string]entry
	group    singleflight.Group
}

func newState(s settings) *state {
	return &state{settings: s, entries: make(map[string]entry)}
}

// Cache resolves callback URLs. It is safe for concurrent use.
type Cache struct {
	directory Directory
	proxies   proxycache.Store
	state     atomic.Pointer[state]
	stopped   atomic.Bool
}

// New constructs a cache over directory. proxies may be nil, in which case
// no proxy fallback is attempted.
func New(directory Directory, proxies proxycache.Store, opts ...Option) (*Cache, error) {
	if directory == nil {
		return nil, errors.New("endpoints: directory is required")
	}
	s := settings{
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  zerolog.Nop(),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	c := &Cache{directory: directory, proxies: proxies}
	c.state.Store(newState(s))
	return c, nil
}

// Start loads the tables of the configured warm participants. Failures are
// logged; the affected entries are fetched on first use instead.
func (c *Cache) Start(ctx context.Context) error {
	c.stopped.Store(false)
	return c.warm(ctx, c.state.Load())
}

// Stop drops every cached table. Resolve fails until Start or Reset is
// called.
func (c *Cache) Stop() {
	c.stopped.Store(true)
	c.state.Store(newState(c.state.Load().settings))
}

// Reset tears the cache down and initialises it again: the cached tables are
// replaced with an empty state, a stopped cache resumes, and the warm
// participants are loaded. opts are applied on top of the current settings.
// Resolves in flight complete against the state they started with.
func (c *Cache) Reset(ctx context.Context, opts ...Option) error {
	s := c.state.Load().settings
	s.warm = append([]string(nil), s.warm...)
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	st := newState(s)
	c.state.Store(st)
	c.stopped.Store(false)
	s.logger.Info().Msg("endpoint cache reset")
	return c.warm(ctx, st)
}

func (c *Cache) warm(ctx context.Context, st *state) error {
	for _, id := range st.settings.warm {
		if _, err := c.table(ctx, st, id); err != nil {
			st.settings.logger.Warn().Err(err).Str("participant", id).Msg("endpoint warm-up failed")
		}
	}
	return ctx.Err()
}

// Resolve returns the URL participantID registered for endpointType with
// params substituted. When the participant or the endpoint type is unknown
// and allowProxy is set, the proxy representing the participant is tried.
//
// Unknown endpoints are permanent failures; directory and proxy store
// failures are transient.
func (c *Cache) Resolve(ctx context.Context, participantID string, endpointType EndpointType, params map[string]string, allowProxy bool) (Resolution, error) {
	if c.stopped.Load() {
		return Resolution{}, fault.WrapTransient(fmt.Errorf("%w: %w", fault.ErrInfrastructure, errCacheStopped))
	}
	if participantID == "" {
		return Resolution{}, fault.WrapPermanent(fault.Validation("endpoints: participant id is required"))
	}
	st := c.state.Load()

	table, err := c.table(ctx, st, participantID)
	if err != nil {
		return Resolution{}, err
	}
	if tmpl, ok := table[endpointType]; ok {
		return Resolution{URL: Render(tmpl, params)}, nil
	}

	if !allowProxy || c.proxies == nil {
		return Resolution{}, notFound(participantID, endpointType)
	}

	proxyID, ok, err := c.proxies.Lookup(ctx, participantID)
	if err != nil {
		return Resolution{}, fault.WrapTransient(fmt.Errorf("%w: proxy lookup %s: %w", fault.ErrInfrastructure, participantID, err))
	}
	if !ok {
		return Resolution{}, notFound(participantID, endpointType)
	}

	proxyTable, err := c.table(ctx, st, proxyID)
	if err != nil {
		return Resolution{}, err
	}
	tmpl, ok := proxyTable[endpointType]
	if !ok {
		return Resolution{}, notFound(proxyID, endpointType)
	}
	return Resolution{URL: Render(tmpl, params), ProxyID: proxyID}, nil
}

func notFound(participantID string, endpointType EndpointType) error {
	return fault.WrapPermanent(fmt.Errorf("%w: endpoint %s for participant %s", fault.ErrNotFound, endpointType, participantID))
}

func (c *Cache) lookup(st *state, participantID string) (Table, bool) {
	st.mu.RLock()
	e, ok := st.entries[participantID]
	st.mu.RUnlock()
	if !ok || !st.settings.now().Before(e.expires) {
		return nil, false
	}
	return e.table, true
}

// table returns the cached table for participantID, fetching it when missing
// or expired. Concurrent misses for one participant share a single fetch.
func (c *Cache) table(ctx context.Context, st *state, participantID string) (Table, error) {
	if t, ok := c.lookup(st, participantID); ok {
		st.settings.metrics.EndpointCacheHit()
		return t, nil
	}
	st.settings.metrics.EndpointCacheMiss()

	v, err, _ := st.group.Do(participantID, func() (any, error) {
		if t, ok := c.lookup(st, participantID); ok {
			return t, nil
		}

		t, err := c.directory.FetchEndpoints(ctx, participantID)
		st.settings.metrics.EndpointFetch(err == nil)
		if err != nil {
			st.settings.logger.Error().Err(err).Str("participant", participantID).Msg("endpoint fetch failed")
			return nil, fault.WrapTransient(fmt.Errorf("%w: %w", fault.ErrInfrastructure, err))
		}
		if t == nil {
			t = Table{}
		}

		st.mu.Lock()
		st.entries[participantID] = entry{table: t, expires: st.settings.now().Add(st.settings.ttl)}
		st.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Table), nil
}
