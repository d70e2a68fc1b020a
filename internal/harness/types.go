package harness

import (
	"fmt"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/testutil"
)

// TraceEvent records one step: the operation, its outcome, and a summary
// of the cart afterwards.
type TraceEvent struct {
	Step    int    `json:"step"`
	Op      string `json:"op"`
	Target  string `json:"target,omitempty"`
	Success bool   `json:"success"`
	Applied bool   `json:"applied"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	ItemCount int      `json:"item_count"`
	Total     string   `json:"total"`
	Lines     []string `json:"lines"`
}

// CallEvent records one backend call made by the engine.
type CallEvent struct {
	Op        string `json:"op"`
	ID        string `json:"id,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success.
	// True if every step expectation, assertion, and final check matched.
	Pass bool `json:"pass"`

	// Trace holds one event per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Calls holds the backend calls in the order they were made.
	Calls []CallEvent `json:"calls"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the cart after the last step.
	State cart.State `json:"state"`
}

// NewResult creates a new passing result.
// Used as the starting point for scenario execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Calls:  []CallEvent{},
		Errors: []string{},
		State:  cart.Empty(),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// summarize renders the cart summary carried by every trace event.
func summarize(ev *TraceEvent, s cart.State) {
	ev.ItemCount = s.ItemCount
	ev.Total = s.Total.String()
	ev.Lines = make([]string, 0, len(s.Lines))
	for _, l := range s.Lines {
		ev.Lines = append(ev.Lines, fmt.Sprintf("%s x%d @ %s", l.ID, l.Quantity, l.Product.UnitPrice.String()))
	}
}

func callEvents(calls []testutil.Call) []CallEvent {
	out := make([]CallEvent, 0, len(calls))
	for _, c := range calls {
		out = append(out, CallEvent{
			Op:        c.Op,
			ID:        c.ID,
			Quantity:  c.Quantity,
			VariantID: c.Add.VariantID,
		})
	}
	return out
}
