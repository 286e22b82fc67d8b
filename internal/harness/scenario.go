package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTenant is used by steps and assertions that name no tenant.
const DefaultTenant = "t1"

// Scenario defines a conformance test scenario: domains to register, a flow
// of ingestions and updates, and assertions on the resulting proxies.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Domains lists CUE files holding domain definitions.
	// Paths are relative to the scenario file location.
	Domains []string `yaml:"domains"`

	// Flow is executed in order. Pending events are drained after the last step.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is exactly one of ingest, update, drain or advance.
type FlowStep struct {
	Ingest *EventStep  `yaml:"ingest,omitempty"`
	Update *UpdateStep `yaml:"update,omitempty"`

	// Drain processes every pending event and due retry.
	Drain bool `yaml:"drain,omitempty"`

	// Advance moves the store clock forward, e.g. "2s", so retries come due.
	Advance string `yaml:"advance,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// EventStep is an event submitted to the log.
type EventStep struct {
	Tenant         string         `yaml:"tenant,omitempty"`
	Source         string         `yaml:"source"`
	SourceDocID    string         `yaml:"sourceDocId"`
	PreviousValues map[string]any `yaml:"previousValues,omitempty"`
	CurrentValues  map[string]any `yaml:"currentValues"`
	Metadata       map[string]any `yaml:"metadata,omitempty"`
}

// UpdateStep pushes parent-asserted values into one proxy. Every listed
// field and fragment is flagged as touched.
type UpdateStep struct {
	Tenant     string         `yaml:"tenant,omitempty"`
	Domain     string         `yaml:"domain"`
	ContextKey string         `yaml:"contextKey"`
	Fields     map[string]any `yaml:"fields,omitempty"`
	Fragments  map[string]any `yaml:"fragments,omitempty"`
}

// ExpectClause checks the immediate outcome of a step.
type ExpectClause struct {
	// Duplicate, when set, is the expected coalescing outcome of an ingest.
	Duplicate *bool `yaml:"duplicate,omitempty"`

	// Error is a substring of the expected step error. Empty means the
	// step must succeed.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "proxy_field": a dynamic field holds Value
	// - "fragment": a rendered fragment holds Value
	// - "proxy_absent": no proxy exists for the key
	// - "proxy_count": the domain has Count proxies
	// - "standing_error": an error with Code exists for the domain (and Field)
	// - "no_errors": the tenant has no standing errors
	// - "unprocessed": Count events are still unprocessed
	Type string `yaml:"type"`

	Tenant     string `yaml:"tenant,omitempty"`
	Domain     string `yaml:"domain,omitempty"`
	ContextKey string `yaml:"contextKey,omitempty"`
	Field      string `yaml:"field,omitempty"`
	Fragment   string `yaml:"fragment,omitempty"`
	Code       string `yaml:"code,omitempty"`

	// Value is compared structurally after conversion to IR. Integral
	// numbers compare equal to their float form.
	Value any `yaml:"value,omitempty"`

	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertProxyField    = "proxy_field"
	AssertFragment      = "fragment"
	AssertProxyAbsent   = "proxy_absent"
	AssertProxyCount    = "proxy_count"
	AssertStandingError = "standing_error"
	AssertNoErrors      = "no_errors"
	AssertUnprocessed   = "unprocessed"
)

// LoadScenario reads and parses a scenario YAML file. Domain paths are
// resolved relative to the scenario file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving domain paths relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, p := range scenario.Domains {
		if !filepath.IsAbs(p) && basePath != "" {
			scenario.Domains[i] = filepath.Join(basePath, p)
		}
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
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Domains) == 0 {
		return fmt.Errorf("domains list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, p := range s.Domains {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("domain file not found: %s", p)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *FlowStep) error {
	kinds := 0
	if step.Ingest != nil {
		kinds++
		if step.Ingest.Source == "" || step.Ingest.SourceDocID == "" {
			return fmt.Errorf("flow[%d].ingest: source and sourceDocId are required", index)
		}
	}
	if step.Update != nil {
		kinds++
		if step.Update.Domain == "" || step.Update.ContextKey == "" {
			return fmt.Errorf("flow[%d].update: domain and contextKey are required", index)
		}
		if len(step.Update.Fields) == 0 && len(step.Update.Fragments) == 0 {
			return fmt.Errorf("flow[%d].update: fields or fragments are required", index)
		}
	}
	if step.Drain {
		kinds++
	}
	if step.Advance != "" {
		kinds++
		if d, err := time.ParseDuration(step.Advance); err != nil || d <= 0 {
			return fmt.Errorf("flow[%d].advance: invalid duration %q", index, step.Advance)
		}
	}
	if kinds != 1 {
		return fmt.Errorf("flow[%d]: exactly one of ingest, update, drain or advance is required", index)
	}
	if step.Expect != nil && step.Expect.Duplicate != nil && step.Ingest == nil {
		return fmt.Errorf("flow[%d].expect: duplicate only applies to ingest", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertProxyField:
		if a.Domain == "" || a.ContextKey == "" || a.Field == "" {
			return fmt.Errorf("assertions[%d]: domain, contextKey and field are required for proxy_field", index)
		}
	case AssertFragment:
		if a.Domain == "" || a.ContextKey == "" || a.Fragment == "" {
			return fmt.Errorf("assertions[%d]: domain, contextKey and fragment are required for fragment", index)
		}
	case AssertProxyAbsent:
		if a.Domain == "" || a.ContextKey == "" {
			return fmt.Errorf("assertions[%d]: domain and contextKey are required for proxy_absent", index)
		}
	case AssertProxyCount:
		if a.Domain == "" {
			return fmt.Errorf("assertions[%d]: domain is required for proxy_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for proxy_count", index)
		}
	case AssertStandingError:
		if a.Domain == "" || a.Code == "" {
			return fmt.Errorf("assertions[%d]: domain and code are required for standing_error", index)
		}
	case AssertNoErrors:
	case AssertUnprocessed:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for unprocessed", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func tenantOr(t string) string {
	if t == "" {
		return DefaultTenant
	}
	return t
}
