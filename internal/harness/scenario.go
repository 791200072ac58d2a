package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/reframe/internal/config"
)

// Scenario is a declarative store application plus a script to drive it.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is the store configuration. The harness overrides the
	// scheduler, error handler, and tracing to keep runs deterministic.
	Config config.Config `yaml:"config"`

	// Events maps event keys to declarative handlers.
	Events map[string]EventSpec `yaml:"events"`

	// Subscriptions maps subscription keys to declarative definitions.
	Subscriptions map[string]SubscriptionSpec `yaml:"subscriptions,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// EventSpec declares an event handler. Exactly one of DB and Fx is set.
type EventSpec struct {
	// DB is a list of state operations; the handler returns the new state.
	DB []Op `yaml:"db,omitempty"`

	// Fx is an effect map template; the handler returns it with templates
	// resolved.
	Fx map[string]any `yaml:"fx,omitempty"`

	// Path narrows the handler to a sub-tree of the state.
	Path []string `yaml:"path,omitempty"`

	// Interceptors names standard interceptors to add ("debug").
	Interceptors []string `yaml:"interceptors,omitempty"`
}

// Op is one state operation of a db handler.
type Op struct {
	// Op is one of assoc, add, dissoc, append.
	Op string `yaml:"op"`

	// Path locates the value to operate on. An empty path is the whole
	// state, except for dissoc.
	Path []string `yaml:"path"`

	// Value is the operand. Strings starting with "$payload" or "$db" are
	// templates.
	Value any `yaml:"value,omitempty"`
}

// Op names.
const (
	OpAssoc  = "assoc"
	OpAdd    = "add"
	OpDissoc = "dissoc"
	OpAppend = "append"
)

// SubscriptionSpec declares a subscription: a leaf reading Path, or a
// derived subscription applying Combine to Deps.
type SubscriptionSpec struct {
	Path    []string `yaml:"path,omitempty"`
	Deps    []string `yaml:"deps,omitempty"`
	Combine string   `yaml:"combine,omitempty"`
}

// Combine functions.
const (
	CombineSum   = "sum"
	CombineList  = "list"
	CombineFirst = "first"
	CombineCount = "count"
)

// Step is one scripted action. Exactly one field is set.
type Step struct {
	// Dispatch is an event key to dispatch and wait for.
	Dispatch string `yaml:"dispatch,omitempty"`

	// Payload is the payload for Dispatch.
	Payload any `yaml:"payload,omitempty"`

	// ExpectError requires Dispatch to fail. Only rethrowing configs make
	// a dispatch fail.
	ExpectError bool `yaml:"expect_error,omitempty"`

	// Flush waits for queued events.
	Flush bool `yaml:"flush,omitempty"`

	// Advance moves the virtual clock, firing due dispatch-later timers.
	Advance time.Duration `yaml:"advance,omitempty"`

	// ExpectState checks the value at a state path.
	ExpectState *ExpectValue `yaml:"expect_state,omitempty"`

	// ExpectQuery checks a subscription result.
	ExpectQuery *ExpectQuery `yaml:"expect_query,omitempty"`
}

// ExpectValue compares the state at Path with Value.
type ExpectValue struct {
	Path  []string `yaml:"path"`
	Value any      `yaml:"value"`
}

// ExpectQuery compares the result of (Key, Params) with Value.
type ExpectQuery struct {
	Key    string `yaml:"key"`
	Params []any  `yaml:"params,omitempty"`
	Value  any    `yaml:"value"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check event appears in trace with payload
	// - "trace_order": Check events appear in order
	// - "trace_count": Check event appears exactly N times
	// - "final_state": Check values in the final state
	Type string `yaml:"type"`

	// Event is the event key (used by trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Payload is the expected payload (used by trace_contains).
	// Map payloads match as a subset.
	Payload any `yaml:"payload,omitempty"`

	// Path locates the checked value (used by final_state).
	Path []string `yaml:"path,omitempty"`

	// Expect contains expected field values (used by final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Events is the expected event order (used by trace_order).
	Events []string `yaml:"events,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative schema path in the config is resolved against the file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s := scenario.Config.Schema; s != nil && s.File != "" && !filepath.IsAbs(s.File) {
		s.File = filepath.Join(filepath.Dir(path), s.File)
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("events map is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for key, ev := range s.Events {
		if err := validateEvent(key, ev); err != nil {
			return err
		}
	}
	for key, sub := range s.Subscriptions {
		if err := validateSubscription(key, sub, s.Subscriptions); err != nil {
			return err
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateEvent(key string, ev EventSpec) error {
	switch {
	case len(ev.DB) > 0 && ev.Fx != nil:
		return fmt.Errorf("events.%s: db and fx are mutually exclusive", key)
	case len(ev.DB) == 0 && ev.Fx == nil:
		return fmt.Errorf("events.%s: one of db or fx is required", key)
	}
	for i, op := range ev.DB {
		switch op.Op {
		case OpAssoc, OpAdd, OpAppend:
		case OpDissoc:
			if len(op.Path) == 0 {
				return fmt.Errorf("events.%s.db[%d]: path is required for %s", key, i, op.Op)
			}
		default:
			return fmt.Errorf("events.%s.db[%d]: unknown op %q", key, i, op.Op)
		}
	}
	for _, name := range ev.Interceptors {
		if _, ok := namedInterceptors[name]; !ok {
			return fmt.Errorf("events.%s: unknown interceptor %q", key, name)
		}
	}
	return nil
}

func validateSubscription(key string, sub SubscriptionSpec, all map[string]SubscriptionSpec) error {
	leaf := sub.Path != nil
	derived := len(sub.Deps) > 0 || sub.Combine != ""
	switch {
	case leaf && derived:
		return fmt.Errorf("subscriptions.%s: path cannot be combined with deps", key)
	case !leaf && !derived:
		return fmt.Errorf("subscriptions.%s: one of path or deps is required", key)
	case leaf:
		return nil
	}
	if _, ok := combiners[sub.Combine]; !ok {
		return fmt.Errorf("subscriptions.%s: unknown combine %q", key, sub.Combine)
	}
	for _, dep := range sub.Deps {
		if _, ok := all[dep]; !ok {
			return fmt.Errorf("subscriptions.%s: unknown dependency %q", key, dep)
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	set := 0
	if step.Dispatch != "" {
		set++
	}
	if step.Flush {
		set++
	}
	if step.Advance != 0 {
		set++
	}
	if step.ExpectState != nil {
		set++
	}
	if step.ExpectQuery != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of dispatch, flush, advance, expect_state, expect_query is required", i)
	}
	if step.Advance < 0 {
		return fmt.Errorf("steps[%d]: advance must be positive", i)
	}
	if step.ExpectError && step.Dispatch == "" {
		return fmt.Errorf("steps[%d]: expect_error requires dispatch", i)
	}
	if step.ExpectQuery != nil && step.ExpectQuery.Key == "" {
		return fmt.Errorf("steps[%d].expect_query: key is required", i)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
