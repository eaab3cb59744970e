package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"slices"

	"github.com/ethereum-optimism/infra/op-harness/fixtures"
	"github.com/ethereum-optimism/infra/op-harness/registry"
	"github.com/ethereum-optimism/infra/op-harness/runner"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

// BuildPlan selects the tests to run from a frozen registry. Structural
// problems (unknown or cyclic fixtures, a bad name pattern) are returned as
// errors before anything runs.
//
// Filters apply in precedence order, the first decisive rule winning:
//   - if any test is marked only, every test not marked only is dropped
//   - ignored tests are kept as skipped entries unless IncludeIgnored is set
//   - tests matching none of TagsInclude, or any of TagsExclude, are dropped
//   - tests whose "suite::test" id does not match NamePattern are dropped
func BuildPlan(reg *registry.Registry, resolver *fixtures.Resolver, cfg types.FilterConfig) (*types.ExecutionPlan, error) {
	if !reg.Frozen() {
		return nil, errors.New("registry must be frozen before planning a run")
	}
	if resolver == nil {
		return nil, errors.New("fixture resolver is required")
	}
	if cfg.DefaultTimeout < 0 {
		return nil, errors.New("default timeout cannot be negative")
	}

	var pattern *regexp.Regexp
	if cfg.NamePattern != "" {
		var err error
		pattern, err = regexp.Compile(cfg.NamePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern %q: %w", cfg.NamePattern, err)
		}
	}

	suites := reg.Suites()
	onlyMode := false
	for _, s := range suites {
		for _, t := range reg.TestsFor(s.Name) {
			if s.Only || t.Only {
				onlyMode = true
			}
			// Every discovered test must have a resolvable fixture set, even
			// one filtered out of this run.
			if _, err := resolver.Closure(requestedFixtures(s, t)); err != nil {
				return nil, fmt.Errorf("test %s: %w", t.ID(), err)
			}
		}
	}

	plan := &types.ExecutionPlan{
		Groups:         make(map[string]types.ConcurrencyGroup),
		OnlyMode:       onlyMode,
		DefaultTimeout: cfg.DefaultTimeout,
		FailFast:       cfg.FailFast,
	}
	for _, s := range suites {
		for _, t := range reg.TestsFor(s.Name) {
			skip, keep := selectTest(s, t, cfg, onlyMode, pattern)
			if !keep {
				continue
			}
			entry := types.PlanEntry{
				Index:      len(plan.Entries),
				Suite:      s,
				Test:       t,
				Group:      s.Name,
				Fixtures:   requestedFixtures(s, t),
				SkipReason: skip,
			}
			plan.Entries = append(plan.Entries, entry)

			g, ok := plan.Groups[s.Name]
			if !ok {
				g = types.ConcurrencyGroup{Suite: s.Name, Limit: s.MaxConcurrent}
			}
			if entry.Runnable() {
				g.Runnable++
			}
			plan.Groups[s.Name] = g
		}
	}
	plan.WorkerCount = determineConcurrency(int(cfg.WorkerCount), plan.Runnable())
	return plan, nil
}

// selectTest applies the filters to one test. It reports whether the test
// stays in the plan and, if so, the reason it is skipped without running.
func selectTest(s *types.SuiteDescriptor, t *types.TestDescriptor, cfg types.FilterConfig, onlyMode bool, pattern *regexp.Regexp) (string, bool) {
	if onlyMode && !(s.Only || t.Only) {
		return "", false
	}
	if (s.Ignored || t.Ignored) && !cfg.IncludeIgnored {
		return runner.ReasonIgnored, true
	}

	tags := effectiveTags(s, t)
	if len(cfg.TagsInclude) > 0 && !containsAny(tags, cfg.TagsInclude) {
		return "", false
	}
	if containsAny(tags, cfg.TagsExclude) {
		return "", false
	}

	if pattern != nil && !pattern.MatchString(t.ID()) {
		return "", false
	}
	return "", true
}

func effectiveTags(s *types.SuiteDescriptor, t *types.TestDescriptor) []string {
	tags := slices.Clone(s.Tags)
	for _, tag := range t.Tags {
		if !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}
	return tags
}

func containsAny(have, want []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}

// requestedFixtures is the suite's fixtures followed by the test's own, without duplicates.
func requestedFixtures(s *types.SuiteDescriptor, t *types.TestDescriptor) []string {
	names := slices.Clone(s.Fixtures)
	for _, name := range t.Fixtures {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

// determineConcurrency picks the worker count. A user value is honored but
// never exceeds the amount of work; otherwise the CPU count is used, capped
// at MaxReasonableConcurrency.
func determineConcurrency(requested, workItems int) int {
	if workItems < 1 {
		return 1
	}
	if requested > 0 {
		return min(requested, workItems)
	}
	return max(1, min(runtime.NumCPU(), runner.MaxReasonableConcurrency, workItems))
}
