package fixtures

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

type created struct {
	def   *types.FixtureDescriptor
	value any
}

// Scope holds the fixtures resolved for one test attempt.
type Scope struct {
	log     log.Logger
	values  map[string]any
	created []created

	once       sync.Once
	releaseErr error
}

// Fixtures returns the resolved values, suite-scoped ones included.
func (s *Scope) Fixtures() types.Fixtures {
	return types.NewFixtures(s.values)
}

// Release tears down the test-scoped fixtures in reverse creation order.
// Every teardown runs even if an earlier one fails. Only the first call has
// any effect.
func (s *Scope) Release(ctx context.Context) error {
	s.once.Do(func() {
		var errs []error
		for i := len(s.created) - 1; i >= 0; i-- {
			c := s.created[i]
			if err := teardown(ctx, c.def, c.value); err != nil {
				s.log.Warn("Fixture teardown failed", "fixture", c.def.Name, "err", err)
				errs = append(errs, err)
			}
		}
		s.releaseErr = errors.Join(errs...)
	})
	return s.releaseErr
}
