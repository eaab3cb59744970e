package fixtures

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"

	"github.com/ethereum-optimism/infra/op-harness/metrics"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

type cacheEntry struct {
	value any
	err   error
}

// SuiteCache memoizes the suite-scoped fixtures of one suite for one run.
// Concurrent requests for the same fixture share a single producer call, and
// a failed setup is cached so it is not retried by later tests.
type SuiteCache struct {
	suite    string
	ctx      context.Context
	resolver *Resolver
	log      log.Logger
	group    singleflight.Group

	mu       sync.Mutex
	entries  map[string]cacheEntry
	created  []created
	released bool
}

// NewSuiteCache creates an empty cache. Producers run on ctx rather than the
// requesting test's context, so one test's cancellation cannot poison a
// value other tests share.
func (r *Resolver) NewSuiteCache(ctx context.Context, suite string) *SuiteCache {
	return &SuiteCache{
		suite:    suite,
		ctx:      ctx,
		resolver: r,
		log:      r.log.New("suite", suite),
		entries:  make(map[string]cacheEntry),
	}
}

// Get returns the named suite-scoped fixture, creating it and its
// requirements on first use.
func (c *SuiteCache) Get(ctx context.Context, name string) (any, error) {
	if e, ok := c.lookup(name); ok {
		return e.value, e.err
	}

	ch := c.group.DoChan(name, func() (any, error) {
		// Another caller may have finished between lookup and DoChan.
		if e, ok := c.lookup(name); ok {
			return e.value, e.err
		}
		value, err := c.create(name)
		c.store(name, value, err)
		return value, err
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *SuiteCache) lookup(name string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return cacheEntry{err: ErrCacheReleased}, true
	}
	e, ok := c.entries[name]
	return e, ok
}

func (c *SuiteCache) create(name string) (any, error) {
	def, ok := c.resolver.defs[name]
	if !ok {
		return nil, &UnknownFixtureError{Missing: name}
	}
	if def.Scope != types.ScopeSuite {
		return nil, fmt.Errorf("fixture %q is not suite-scoped", name)
	}

	deps := make(map[string]any, len(def.Requires))
	for _, dep := range def.Requires {
		v, err := c.Get(c.ctx, dep)
		if err != nil {
			return nil, fmt.Errorf("requirement %q: %w", dep, err)
		}
		deps[dep] = v
	}

	c.log.Debug("Creating suite fixture", "fixture", name)
	value, err := produce(c.ctx, def, deps)
	if err != nil {
		c.log.Warn("Suite fixture setup failed", "fixture", name, "err", err)
		return nil, err
	}
	metrics.RecordFixtureSetup(name, string(def.Scope))
	c.mu.Lock()
	if c.released {
		// Release already ran while the producer was in flight, so nothing
		// else will tear this value down.
		c.mu.Unlock()
		if err := teardown(context.WithoutCancel(c.ctx), def, value); err != nil {
			c.log.Warn("Late suite fixture teardown failed", "fixture", name, "err", err)
		}
		return nil, ErrCacheReleased
	}
	c.created = append(c.created, created{def: def, value: value})
	c.mu.Unlock()
	return value, nil
}

func (c *SuiteCache) store(name string, value any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.released {
		c.entries[name] = cacheEntry{value: value, err: err}
	}
}

// Release tears down every fixture the cache created, in reverse creation
// order, exactly once. Later Get calls fail with ErrCacheReleased.
func (c *SuiteCache) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	toRelease := c.created
	c.created = nil
	c.mu.Unlock()

	var errs []error
	for i := len(toRelease) - 1; i >= 0; i-- {
		cr := toRelease[i]
		if err := teardown(ctx, cr.def, cr.value); err != nil {
			c.log.Warn("Suite fixture teardown failed", "fixture", cr.def.Name, "err", err)
			errs = append(errs, err)
		}
	}
	if len(toRelease) > 0 {
		c.log.Debug("Released suite fixtures", "count", len(toRelease))
	}
	return errors.Join(errs...)
}
