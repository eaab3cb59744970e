package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum-optimism/infra/op-harness/types"
	"github.com/ethereum/go-ethereum/log"
)

// Registry holds every suite, test, fixture and hook discovered at startup.
// It accepts registrations until Freeze is called and is read-only afterwards.
type Registry struct {
	log log.Logger

	mu       sync.RWMutex
	frozen   bool
	suites   []*suiteEntry
	suiteIdx map[string]*suiteEntry
	fixtures []*types.FixtureDescriptor
	fixIdx   map[string]*types.FixtureDescriptor
}

// Config contains registry configuration
type Config struct {
	Log log.Logger
}

type hookKey struct {
	kind types.HookKind
	name string
}

type suiteEntry struct {
	desc      *types.SuiteDescriptor
	tests     []*types.TestDescriptor
	testIdx   map[string]struct{}
	hooks     map[types.HookKind][]*types.HookDescriptor
	hookNames map[hookKey]struct{}
}

// New creates an empty, unfrozen registry
func New(cfg Config) *Registry {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Registry{
		log:      cfg.Log.New("component", "registry"),
		suiteIdx: make(map[string]*suiteEntry),
		fixIdx:   make(map[string]*types.FixtureDescriptor),
	}
}

// Register adds a descriptor of any supported kind.
func (r *Registry) Register(descriptor any) error {
	switch d := descriptor.(type) {
	case *types.SuiteDescriptor:
		return r.RegisterSuite(d)
	case *types.TestDescriptor:
		return r.RegisterTest(d)
	case *types.FixtureDescriptor:
		return r.RegisterFixture(d)
	case *types.HookDescriptor:
		return r.RegisterHook(d)
	default:
		return fmt.Errorf("unsupported descriptor type %T", descriptor)
	}
}

// RegisterSuite adds a suite. Suite names are unique across the registry.
func (r *Registry) RegisterSuite(s *types.SuiteDescriptor) error {
	if s == nil {
		return errors.New("nil suite descriptor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return &RegistryFrozenError{Kind: "suite", Name: s.Name}
	}
	if s.Name == "" {
		return errors.New("suite name is required")
	}
	if s.MaxConcurrent < 0 {
		return fmt.Errorf("suite %q: max concurrent cannot be negative", s.Name)
	}
	if _, exists := r.suiteIdx[s.Name]; exists {
		return &DuplicateNameError{Namespace: "suite", Name: s.Name}
	}

	entry := &suiteEntry{
		desc:      s,
		testIdx:   make(map[string]struct{}),
		hooks:     make(map[types.HookKind][]*types.HookDescriptor),
		hookNames: make(map[hookKey]struct{}),
	}
	r.suites = append(r.suites, entry)
	r.suiteIdx[s.Name] = entry
	r.log.Debug("Registered suite", "suite", s.Name)
	return nil
}

// RegisterTest adds a test to an already registered suite. Test names are
// unique within their suite.
func (r *Registry) RegisterTest(t *types.TestDescriptor) error {
	if t == nil {
		return errors.New("nil test descriptor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return &RegistryFrozenError{Kind: "test", Name: t.ID()}
	}
	if t.Name == "" {
		return fmt.Errorf("test in suite %q has no name", t.Suite)
	}
	if t.Body == nil {
		return fmt.Errorf("test %s has no body", t.ID())
	}
	if t.Timeout < 0 {
		return fmt.Errorf("test %s: timeout cannot be negative", t.ID())
	}
	entry, ok := r.suiteIdx[t.Suite]
	if !ok {
		return &UnknownNameError{Kind: "suite", Name: t.Suite, By: "test " + t.ID()}
	}
	if _, exists := entry.testIdx[t.Name]; exists {
		return &DuplicateNameError{Namespace: "test", Name: t.ID()}
	}

	entry.tests = append(entry.tests, t)
	entry.testIdx[t.Name] = struct{}{}
	r.log.Debug("Registered test", "test", t.ID())
	return nil
}

// RegisterFixture adds a fixture. Fixture names are unique across the registry.
// Requirements are checked when the fixture graph is resolved, so fixtures
// may be registered in any order.
func (r *Registry) RegisterFixture(f *types.FixtureDescriptor) error {
	if f == nil {
		return errors.New("nil fixture descriptor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return &RegistryFrozenError{Kind: "fixture", Name: f.Name}
	}
	if f.Name == "" {
		return errors.New("fixture name is required")
	}
	if !f.Scope.Valid() {
		return fmt.Errorf("fixture %q has invalid scope %q", f.Name, f.Scope)
	}
	if f.Setup == nil {
		return fmt.Errorf("fixture %q has no setup", f.Name)
	}
	if _, exists := r.fixIdx[f.Name]; exists {
		return &DuplicateNameError{Namespace: "fixture", Name: f.Name}
	}

	r.fixtures = append(r.fixtures, f)
	r.fixIdx[f.Name] = f
	r.log.Debug("Registered fixture", "fixture", f.Name, "scope", f.Scope)
	return nil
}

// RegisterHook adds a lifecycle hook to an already registered suite. Named
// hooks are unique per suite and kind.
func (r *Registry) RegisterHook(h *types.HookDescriptor) error {
	if h == nil {
		return errors.New("nil hook descriptor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return &RegistryFrozenError{Kind: "hook", Name: fmt.Sprintf("%s/%s", h.Suite, h.Kind)}
	}
	if !h.Kind.Valid() {
		return fmt.Errorf("hook %q has invalid kind %q", h.Name, h.Kind)
	}
	if h.Func == nil {
		return fmt.Errorf("%s hook %q of suite %q has no function", h.Kind, h.Name, h.Suite)
	}
	entry, ok := r.suiteIdx[h.Suite]
	if !ok {
		return &UnknownNameError{Kind: "suite", Name: h.Suite, By: fmt.Sprintf("%s hook %q", h.Kind, h.Name)}
	}
	if h.Name != "" {
		key := hookKey{kind: h.Kind, name: h.Name}
		if _, exists := entry.hookNames[key]; exists {
			return &DuplicateNameError{Namespace: fmt.Sprintf("%s hook in suite %q", h.Kind, h.Suite), Name: h.Name}
		}
		entry.hookNames[key] = struct{}{}
	}

	entry.hooks[h.Kind] = append(entry.hooks[h.Kind], h)
	r.log.Debug("Registered hook", "suite", h.Suite, "kind", h.Kind, "name", h.Name)
	return nil
}

// Freeze ends the discovery phase. Later registrations fail with RegistryFrozenError.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.frozen {
		r.frozen = true
		r.log.Info("Registry frozen", "suites", len(r.suites), "fixtures", len(r.fixtures))
	}
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// AllTests returns every test, grouped by suite in registration order.
func (r *Registry) AllTests() []*types.TestDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tests []*types.TestDescriptor
	for _, s := range r.suites {
		tests = append(tests, s.tests...)
	}
	return tests
}

// Suites returns every suite in registration order.
func (r *Registry) Suites() []*types.SuiteDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	suites := make([]*types.SuiteDescriptor, 0, len(r.suites))
	for _, s := range r.suites {
		suites = append(suites, s.desc)
	}
	return suites
}

// Suite returns the named suite.
func (r *Registry) Suite(name string) (*types.SuiteDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.suiteIdx[name]
	if !ok {
		return nil, false
	}
	return entry.desc, true
}

// TestsFor returns the tests of a suite in registration order.
func (r *Registry) TestsFor(suite string) []*types.TestDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.suiteIdx[suite]
	if !ok {
		return nil
	}
	return append([]*types.TestDescriptor(nil), entry.tests...)
}

// Fixtures returns every fixture in registration order.
func (r *Registry) Fixtures() []*types.FixtureDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*types.FixtureDescriptor(nil), r.fixtures...)
}

// Fixture returns the named fixture.
func (r *Registry) Fixture(name string) (*types.FixtureDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fixIdx[name]
	return f, ok
}

// FixturesFor returns the fixtures a suite declares, in declaration order.
func (r *Registry) FixturesFor(suite string) ([]*types.FixtureDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.suiteIdx[suite]
	if !ok {
		return nil, &UnknownNameError{Kind: "suite", Name: suite}
	}
	out := make([]*types.FixtureDescriptor, 0, len(entry.desc.Fixtures))
	for _, name := range entry.desc.Fixtures {
		f, ok := r.fixIdx[name]
		if !ok {
			return nil, &UnknownNameError{Kind: "fixture", Name: name, By: "suite " + suite}
		}
		out = append(out, f)
	}
	return out, nil
}

// HooksFor returns the hooks of one kind for a suite in registration order.
func (r *Registry) HooksFor(suite string, kind types.HookKind) []*types.HookDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.suiteIdx[suite]
	if !ok {
		return nil
	}
	return append([]*types.HookDescriptor(nil), entry.hooks[kind]...)
}
