// Package catalog lists the options the portal offers on each cascade level,
// opening a short-lived tab per lookup and caching what it read.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/observability"
	"github.com/xkilldash9x/causelist/internal/poll"
	"github.com/xkilldash9x/causelist/internal/resolver"
)

var tracer = observability.Tracer("catalog")

// Group is one parent option together with the options offered beneath it.
type Group struct {
	Parent  schemas.HierarchyOption   `json:"parent"`
	Options []schemas.HierarchyOption `json:"options"`
}

// Catalog answers option lookups. It is safe for concurrent use; identical
// concurrent lookups share one browser visit.
type Catalog struct {
	provider schemas.AutomationProvider
	portal   config.PortalConfig
	cache    *Cache
	retry    poll.Policy
	clock    poll.Clock
	logger   *zap.Logger
	group    singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
	nextID  uint64
}

// flight is one shared lookup. Its context outlives any single caller and is
// cancelled once every caller waiting on it has gone.
type flight struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New builds a catalog. cache may be nil to disable caching; clock may be nil for the wall clock.
func New(provider schemas.AutomationProvider, portal config.PortalConfig, cfg config.CatalogConfig, cache *Cache, clock poll.Clock, logger *zap.Logger) *Catalog {
	return &Catalog{
		provider: provider,
		portal:   portal,
		cache:    cache,
		retry:    poll.Policy{Interval: cfg.RetryInterval, MaxAttempts: cfg.RetryAttempts},
		clock:    clock,
		logger:   logger.Named("catalog"),
		flights:  make(map[string]*flight),
	}
}

// Levels returns the names of the cascade levels, outermost first.
func (c *Catalog) Levels() []string {
	names := make([]string, len(c.portal.Levels))
	for i, l := range c.portal.Levels {
		names[i] = l.Name
	}
	return names
}

// Options returns the options of the level below prefix: the root level for an
// empty prefix, the courts of a complex for a one-code prefix, and so on.
func (c *Catalog) Options(ctx context.Context, prefix schemas.SelectionPath) ([]schemas.HierarchyOption, error) {
	if len(prefix) >= len(c.portal.Levels) {
		return nil, fmt.Errorf("%w: prefix of %d codes leaves no level to list (portal has %d)",
			schemas.ErrInvalidRequest, len(prefix), len(c.portal.Levels))
	}
	key := "options:" + strings.Join(prefix, "/")

	if c.cache != nil {
		opts, err := c.cache.get(ctx, key)
		if err == nil {
			c.logger.Debug("Options served from cache.", zap.String("key", key))
			return opts, nil
		}
		if !errors.Is(err, errCacheMiss) {
			c.logger.Warn("Option cache read failed.", zap.String("key", key), zap.Error(err))
		}
	}

	f := c.join(ctx, key)
	defer c.leave(key, f)
	ch := c.group.DoChan(f.key, func() (interface{}, error) {
		return c.fetchWithRetry(f.ctx, prefix)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	opts := res.Val.([]schemas.HierarchyOption)
	if res.Shared {
		c.logger.Debug("Lookup shared with a concurrent caller.", zap.String("key", key))
	}

	if c.cache != nil {
		if err := c.cache.set(ctx, key, opts); err != nil {
			c.logger.Warn("Option cache write failed.", zap.String("key", key), zap.Error(err))
		}
	}
	return append([]schemas.HierarchyOption(nil), opts...), nil
}

// join registers the caller on the live flight for key, starting one if needed.
func (c *Catalog) join(ctx context.Context, key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		c.nextID++
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		// A fresh id keeps new callers off a lookup whose waiters all left.
		f = &flight{key: fmt.Sprintf("%s#%d", key, c.nextID), ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

func (c *Catalog) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}

// activeFlights reports how many shared lookups still have waiters.
func (c *Catalog) activeFlights() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

// All lists every option of the second level grouped by its root-level parent,
// the way the portal's courts are grouped by complex.
func (c *Catalog) All(ctx context.Context) ([]Group, error) {
	roots, err := c.Options(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(c.portal.Levels) < 2 {
		groups := make([]Group, len(roots))
		for i, r := range roots {
			groups[i] = Group{Parent: r, Options: []schemas.HierarchyOption{}}
		}
		return groups, nil
	}

	groups := make([]Group, 0, len(roots))
	for _, root := range roots {
		opts, err := c.Options(ctx, schemas.SelectionPath{root.Code})
		if err != nil {
			return nil, fmt.Errorf("listing options under %s: %w", root.Code, err)
		}
		groups = append(groups, Group{Parent: root, Options: opts})
	}
	return groups, nil
}

// retryable reports whether a lookup failure is worth another visit.
func retryable(err error) bool {
	return errors.Is(err, schemas.ErrResolutionTimeout) || errors.Is(err, schemas.ErrEnvironment)
}

func (c *Catalog) fetchWithRetry(ctx context.Context, prefix schemas.SelectionPath) ([]schemas.HierarchyOption, error) {
	var opts []schemas.HierarchyOption
	attempt := 0
	err := poll.Retry(ctx, c.clock, c.retry, retryable, func(ctx context.Context) error {
		attempt++
		var err error
		opts, err = c.fetch(ctx, prefix)
		if err != nil && retryable(err) {
			c.logger.Warn("Option lookup failed; retrying.",
				zap.Strings("prefix", prefix),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return opts, nil
}

// fetch opens a fresh tab, walks the cascade along prefix and reads the next level.
func (c *Catalog) fetch(ctx context.Context, prefix schemas.SelectionPath) (opts []schemas.HierarchyOption, err error) {
	ctx, span := observability.StartSpan(ctx, tracer, "fetch", "prefix", strings.Join(prefix, "/"))
	defer func() { observability.EndSpan(span, err) }()

	auto, err := c.provider.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrEnvironment, err)
	}
	defer func() {
		if cerr := auto.Close(context.WithoutCancel(ctx)); cerr != nil {
			c.logger.Warn("Failed to close lookup tab.", zap.Error(cerr))
		}
	}()

	if err := auto.Navigate(ctx, c.portal.URL); err != nil {
		if schemas.KindOf(err) == schemas.KindInternal {
			err = fmt.Errorf("%w: %v", schemas.ErrEnvironment, err)
		}
		return nil, err
	}

	cascade := resolver.New(auto, c.portal.Levels, c.portal.ResolutionTimeout, c.logger)
	opts, err = cascade.Root(ctx)
	if err != nil {
		return nil, err
	}
	for i, code := range prefix {
		opts, err = cascade.Resolve(ctx, i+1, code)
		if err != nil {
			return nil, err
		}
	}
	return opts, nil
}
