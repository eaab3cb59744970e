package registry

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

//go:embed manifest.schema.json
var manifestSchemaJSON []byte

var (
	manifestSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

// Manifest is the declarative form of a set of suites and fixtures. Every
// invocable is named by a key looked up in a Catalog.
type Manifest struct {
	Fixtures []FixtureConfig `yaml:"fixtures"`
	Suites   []SuiteConfig   `yaml:"suites"`
}

// FixtureConfig represents a fixture entry of a manifest
type FixtureConfig struct {
	Name     string   `yaml:"name"`
	Scope    string   `yaml:"scope"`
	Requires []string `yaml:"requires,omitempty"`
	Setup    string   `yaml:"setup,omitempty"`
	Teardown string   `yaml:"teardown,omitempty"`
}

// HooksConfig names the catalog hooks of a suite by kind, in run order
type HooksConfig struct {
	BeforeAll  []string `yaml:"before_all,omitempty"`
	AfterAll   []string `yaml:"after_all,omitempty"`
	BeforeEach []string `yaml:"before_each,omitempty"`
	AfterEach  []string `yaml:"after_each,omitempty"`
}

// SuiteConfig represents a suite entry of a manifest
type SuiteConfig struct {
	Name          string       `yaml:"name"`
	Tags          []string     `yaml:"tags,omitempty"`
	Fixtures      []string     `yaml:"fixtures,omitempty"`
	Only          bool         `yaml:"only,omitempty"`
	Ignored       bool         `yaml:"ignored,omitempty"`
	MaxConcurrent int          `yaml:"max_concurrent,omitempty"`
	Hooks         HooksConfig  `yaml:"hooks,omitempty"`
	Tests         []TestConfig `yaml:"tests"`
}

// TestConfig represents a test entry of a manifest
type TestConfig struct {
	Name     string         `yaml:"name"`
	Func     string         `yaml:"func,omitempty"`
	Ignored  bool           `yaml:"ignored,omitempty"`
	Only     bool           `yaml:"only,omitempty"`
	Retries  uint           `yaml:"retries,omitempty"`
	Timeout  *time.Duration `yaml:"timeout,omitempty"`
	Tags     []string       `yaml:"tags,omitempty"`
	Fixtures []string       `yaml:"fixtures,omitempty"`
}

// Catalog binds manifest names to Go functions.
type Catalog struct {
	Tests     map[string]types.TestFunc
	Hooks     map[string]types.HookFunc
	Producers map[string]types.ProducerFunc
	Teardowns map[string]types.TeardownFunc
}

// TestKey returns the catalog key used for a test without an explicit func.
func TestKey(suite, test string) string {
	return suite + "." + test
}

func compileSchema() error {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(manifestSchemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal manifest schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("manifest.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("add manifest schema resource: %w", err)
			return
		}
		manifestSchema, err = compiler.Compile("manifest.schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile manifest schema: %w", err)
		}
	})
	return compileErr
}

// ValidateManifest checks YAML manifest data against the embedded schema.
func ValidateManifest(data []byte) error {
	if err := compileSchema(); err != nil {
		return err
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}
	if raw == nil {
		return errors.New("manifest is empty")
	}
	// The validator expects JSON values, so round-trip through encoding/json.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("converting manifest to JSON: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return fmt.Errorf("converting manifest to JSON: %w", err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return fmt.Errorf("manifest validation failed: %w", err)
	}
	return nil
}

// ParseManifest validates and decodes YAML manifest data.
func ParseManifest(data []byte) (*Manifest, error) {
	if err := ValidateManifest(data); err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest reads a manifest file and registers its contents.
func LoadManifest(path string, cat Catalog, r *Registry) error {
	log.Debug("Reading manifest file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return m.Register(cat, r)
}

// Register binds every manifest entry to its catalog function and adds it to r.
func (m *Manifest) Register(cat Catalog, r *Registry) error {
	for _, fc := range m.Fixtures {
		fd, err := fc.descriptor(cat)
		if err != nil {
			return err
		}
		if err := r.RegisterFixture(fd); err != nil {
			return err
		}
	}

	for _, sc := range m.Suites {
		if err := r.RegisterSuite(&types.SuiteDescriptor{
			Name:          sc.Name,
			Tags:          sc.Tags,
			Fixtures:      sc.Fixtures,
			Only:          sc.Only,
			Ignored:       sc.Ignored,
			MaxConcurrent: sc.MaxConcurrent,
		}); err != nil {
			return err
		}

		for _, tc := range sc.Tests {
			key := tc.Func
			if key == "" {
				key = TestKey(sc.Name, tc.Name)
			}
			body, ok := cat.Tests[key]
			if !ok {
				return &UnknownNameError{Kind: "test function", Name: key, By: "test " + types.TestID(sc.Name, tc.Name)}
			}
			td := &types.TestDescriptor{
				Name:     tc.Name,
				Suite:    sc.Name,
				Ignored:  tc.Ignored,
				Only:     tc.Only,
				Retries:  tc.Retries,
				Tags:     tc.Tags,
				Fixtures: tc.Fixtures,
				Body:     body,
			}
			if tc.Timeout != nil {
				td.Timeout = *tc.Timeout
			}
			if err := r.RegisterTest(td); err != nil {
				return err
			}
		}

		for _, kh := range []struct {
			kind  types.HookKind
			names []string
		}{
			{types.HookBeforeAll, sc.Hooks.BeforeAll},
			{types.HookAfterAll, sc.Hooks.AfterAll},
			{types.HookBeforeEach, sc.Hooks.BeforeEach},
			{types.HookAfterEach, sc.Hooks.AfterEach},
		} {
			for _, name := range kh.names {
				fn, ok := cat.Hooks[name]
				if !ok {
					return &UnknownNameError{Kind: "hook function", Name: name, By: fmt.Sprintf("suite %q", sc.Name)}
				}
				if err := r.RegisterHook(&types.HookDescriptor{Kind: kh.kind, Suite: sc.Name, Name: name, Func: fn}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (fc FixtureConfig) descriptor(cat Catalog) (*types.FixtureDescriptor, error) {
	setupKey := fc.Setup
	if setupKey == "" {
		setupKey = fc.Name
	}
	setup, ok := cat.Producers[setupKey]
	if !ok {
		return nil, &UnknownNameError{Kind: "fixture producer", Name: setupKey, By: fmt.Sprintf("fixture %q", fc.Name)}
	}
	fd := &types.FixtureDescriptor{
		Name:     fc.Name,
		Scope:    types.FixtureScope(fc.Scope),
		Requires: fc.Requires,
		Setup:    setup,
	}
	if fc.Teardown != "" {
		td, ok := cat.Teardowns[fc.Teardown]
		if !ok {
			return nil, &UnknownNameError{Kind: "fixture teardown", Name: fc.Teardown, By: fmt.Sprintf("fixture %q", fc.Name)}
		}
		fd.Teardown = td
	}
	return fd, nil
}
