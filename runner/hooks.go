package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/metrics"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

// RunHooks calls hooks in order. With stopOnFailure the first failing hook
// ends the sequence; otherwise every hook runs and the failures are joined.
func RunHooks(ctx context.Context, l log.Logger, kind types.HookKind, hooks []*types.HookDescriptor, stopOnFailure bool) error {
	var errs []error
	for _, h := range hooks {
		if err := callHook(ctx, h); err != nil {
			l.Warn("Hook failed", "suite", h.Suite, "kind", kind, "hook", h.Name, "err", err)
			metrics.RecordHookFailure(kind)
			errs = append(errs, err)
			if stopOnFailure {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func callHook(ctx context.Context, h *types.HookDescriptor) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panicked: %v", hookLabel(h), rec)
		}
	}()
	if err := h.Func(ctx); err != nil {
		return fmt.Errorf("%s: %w", hookLabel(h), err)
	}
	return nil
}

func hookLabel(h *types.HookDescriptor) string {
	if h.Name == "" {
		return string(h.Kind)
	}
	return fmt.Sprintf("%s %s", h.Kind, h.Name)
}
