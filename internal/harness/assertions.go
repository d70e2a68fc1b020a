package harness

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/cartsync/internal/cart"
)

// Assertion types.
const (
	AssertCallContains = "call_contains"
	AssertCallOrder    = "call_order"
	AssertCallCount    = "call_count"
)

// Assertion checks the backend calls a scenario produced.
type Assertion struct {
	Type string `yaml:"type"`

	// call_contains, call_count
	Op string `yaml:"op,omitempty"`

	// call_contains: empty means any id.
	ID string `yaml:"id,omitempty"`

	// call_order
	Ops []string `yaml:"ops,omitempty"`

	// call_count
	Count int `yaml:"count,omitempty"`
}

func validateAssertion(i int, a *Assertion) error {
	switch a.Type {
	case AssertCallContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: call_contains requires op", i)
		}
	case AssertCallOrder:
		if len(a.Ops) < 2 {
			return fmt.Errorf("assertions[%d]: call_order requires at least two ops", i)
		}
	case AssertCallCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: call_count requires op", i)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: call_count count must not be negative", i)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string      // Assertion type for categorization
	Expected string      // Human-readable expected outcome
	Actual   string      // Human-readable actual outcome
	Calls    []CallEvent // Every backend call, for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Calls) > 0 {
		fmt.Fprintf(&buf, "\nBackend calls:\n")
		for i, c := range e.Calls {
			fmt.Fprintf(&buf, "  [%d] %s %s\n", i+1, c.Op, c.ID)
		}
	}

	return buf.String()
}

// assertCallContains checks that some call matches op and, when set, id.
func assertCallContains(calls []CallEvent, a Assertion) error {
	for _, c := range calls {
		if c.Op == a.Op && (a.ID == "" || c.ID == a.ID) {
			return nil
		}
	}
	expected := a.Op
	if a.ID != "" {
		expected += " " + a.ID
	}
	return &AssertionError{
		Type:     AssertCallContains,
		Expected: fmt.Sprintf("call %s", expected),
		Actual:   "not found",
		Calls:    calls,
	}
}

// assertCallOrder checks that the first occurrence of each op appears in
// the given order. Intervening calls are allowed.
func assertCallOrder(calls []CallEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, c := range calls {
		if positions[c.Op] == 0 {
			positions[c.Op] = i + 1 // 1-indexed for readability
		}
	}

	for _, op := range a.Ops {
		if positions[op] == 0 {
			return &AssertionError{
				Type:     AssertCallOrder,
				Expected: fmt.Sprintf("all ops present: %v", a.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Calls:    calls,
			}
		}
	}

	for i := 1; i < len(a.Ops); i++ {
		prev, curr := a.Ops[i-1], a.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertCallOrder,
				Expected: fmt.Sprintf("ops in order: %v", a.Ops),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Calls: calls,
			}
		}
	}
	return nil
}

// assertCallCount checks that op was called exactly Count times.
func assertCallCount(calls []CallEvent, a Assertion) error {
	count := 0
	for _, c := range calls {
		if c.Op == a.Op {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertCallCount,
			Expected: fmt.Sprintf("%d calls to %s", a.Count, a.Op),
			Actual:   fmt.Sprintf("%d calls", count),
			Calls:    calls,
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the recorded calls.
// Returns one message per failed assertion.
func EvaluateAssertions(calls []CallEvent, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertCallContains:
			err = assertCallContains(calls, a)
		case AssertCallOrder:
			err = assertCallOrder(calls, a)
		case AssertCallCount:
			err = assertCallCount(calls, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// checkFinal compares the final cart against the expected state.
func checkFinal(s cart.State, want *FinalState) []string {
	if want == nil {
		return nil
	}
	var errs []string
	if want.ItemCount != nil && *want.ItemCount != s.ItemCount {
		errs = append(errs, fmt.Sprintf("final: item_count = %d, want %d", s.ItemCount, *want.ItemCount))
	}
	if want.Total != "" {
		total := decimal.RequireFromString(want.Total)
		if !total.Equal(s.Total) {
			errs = append(errs, fmt.Sprintf("final: total = %s, want %s", s.Total, total))
		}
	}
	if want.Lines != nil {
		got := make([]string, 0, len(s.Lines))
		for _, l := range s.Lines {
			got = append(got, l.ID)
		}
		if strings.Join(got, ",") != strings.Join(want.Lines, ",") {
			errs = append(errs, fmt.Sprintf("final: lines = %v, want %v", got, want.Lines))
		}
	}
	return errs
}

// checkExpect compares one step outcome against its expectation. A nil
// expectation expects success.
func checkExpect(step int, ev TraceEvent, want *Expect) []string {
	if want == nil {
		if !ev.Success {
			return []string{fmt.Sprintf("steps[%d] %s: unexpected failure: %s", step, ev.Op, ev.Message)}
		}
		return nil
	}
	var errs []string
	if want.Success != nil && *want.Success != ev.Success {
		errs = append(errs, fmt.Sprintf("steps[%d] %s: success = %t, want %t (%s)", step, ev.Op, ev.Success, *want.Success, ev.Message))
	}
	if want.Applied != nil && *want.Applied != ev.Applied {
		errs = append(errs, fmt.Sprintf("steps[%d] %s: applied = %t, want %t", step, ev.Op, ev.Applied, *want.Applied))
	}
	if want.Kind != "" && want.Kind != ev.Kind {
		errs = append(errs, fmt.Sprintf("steps[%d] %s: kind = %q, want %q", step, ev.Op, ev.Kind, want.Kind))
	}
	if want.Message != "" && want.Message != ev.Message {
		errs = append(errs, fmt.Sprintf("steps[%d] %s: message = %q, want %q", step, ev.Op, ev.Message, want.Message))
	}
	return errs
}
