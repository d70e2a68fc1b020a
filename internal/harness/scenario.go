package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Step operations.
const (
	OpAdd      = "add"
	OpRemove   = "remove"
	OpUpdate   = "update"
	OpClear    = "clear"
	OpIdentity = "identity"
	OpHydrate  = "hydrate"
)

// Scenario is a cart synchronization scenario replayed against the real
// engine with a scripted transport.
type Scenario struct {
	// Name uniquely identifies this scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Identity is observed before the first step. Nil starts anonymous
	// without a recorded step.
	Identity *IdentitySpec `yaml:"identity,omitempty"`

	// Remote is the raw cart envelope the transport serves on GET.
	// Empty serves {"items":[]}.
	Remote string `yaml:"remote,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions check the recorded transport calls.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// Final checks the cart after the last step.
	Final *FinalState `yaml:"final,omitempty"`
}

// IdentitySpec describes an identity signal. An empty ID is anonymous
// unless Loading is set.
type IdentitySpec struct {
	ID      string `yaml:"id,omitempty"`
	Role    string `yaml:"role,omitempty"`
	Loading bool   `yaml:"loading,omitempty"`
}

// ProductSpec is the product snapshot passed to add.
type ProductSpec struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name,omitempty"`
	Price string `yaml:"price,omitempty"`
	Stock int    `yaml:"stock,omitempty"`
}

// FailSpec scripts a transport failure for the step's backend call.
type FailSpec struct {
	Status int    `yaml:"status"`
	Body   string `yaml:"body"`
}

// Step is one scenario operation.
type Step struct {
	Op string `yaml:"op"`

	// add
	Product  *ProductSpec `yaml:"product,omitempty"`
	Quantity int          `yaml:"quantity,omitempty"`
	Size     string       `yaml:"size,omitempty"`
	Color    string       `yaml:"color,omitempty"`
	Variant  string       `yaml:"variant,omitempty"`

	// remove, update
	Line string `yaml:"line,omitempty"`

	// identity
	Identity *IdentitySpec `yaml:"identity,omitempty"`

	// Remote replaces the served cart envelope before the step runs.
	Remote string `yaml:"remote,omitempty"`

	// Fail makes the step's backend call fail.
	Fail *FailSpec `yaml:"fail,omitempty"`

	// Ack is the confirmation message the backend returns.
	Ack string `yaml:"ack,omitempty"`

	// Expect validates the step outcome. Nil expects success.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is the expected step outcome. Unset fields are not checked.
type Expect struct {
	Success *bool  `yaml:"success,omitempty"`
	Applied *bool  `yaml:"applied,omitempty"`
	Kind    string `yaml:"kind,omitempty"`
	Message string `yaml:"message,omitempty"`
}

// FinalState is the expected cart after all steps. Unset fields are not
// checked; Lines lists line ids in order.
type FinalState struct {
	ItemCount *int     `yaml:"item_count,omitempty"`
	Total     string   `yaml:"total,omitempty"`
	Lines     []string `yaml:"lines,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "step:" vs "steps:".
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

// LoadScenarios loads every *.yaml scenario in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	names := make(map[string]string)
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if prev, ok := names[s.Name]; ok {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(p), s.Name, prev)
		}
		names[s.Name] = filepath.Base(p)
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	if s.Final != nil && s.Final.Total != "" {
		if _, err := decimal.NewFromString(s.Final.Total); err != nil {
			return fmt.Errorf("final.total: %w", err)
		}
	}

	return nil
}

func validateStep(i int, step *Step) error {
	switch step.Op {
	case OpAdd:
		if step.Product == nil || step.Product.ID == "" {
			return fmt.Errorf("steps[%d]: product.id is required for add", i)
		}
		if step.Product.Price != "" {
			if _, err := decimal.NewFromString(step.Product.Price); err != nil {
				return fmt.Errorf("steps[%d]: product.price: %w", i, err)
			}
		}
	case OpRemove, OpUpdate:
		if step.Line == "" {
			return fmt.Errorf("steps[%d]: line is required for %s", i, step.Op)
		}
	case OpIdentity:
		if step.Identity == nil {
			return fmt.Errorf("steps[%d]: identity is required for identity", i)
		}
	case OpClear, OpHydrate:
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
	}
	return nil
}
