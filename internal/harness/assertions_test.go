package harness

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartsync/internal/cart"
)

var sampleCalls = []CallEvent{
	{Op: "getCart"},
	{Op: "add", ID: "P1", Quantity: 1},
	{Op: "remove", ID: "P1@M"},
	{Op: "add", ID: "P2", Quantity: 2},
}

func TestEvaluateAssertions(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"contains op", Assertion{Type: AssertCallContains, Op: "remove"}, ""},
		{"contains op and id", Assertion{Type: AssertCallContains, Op: "add", ID: "P2"}, ""},
		{"contains missing id", Assertion{Type: AssertCallContains, Op: "add", ID: "P3"}, "call add P3"},
		{"order", Assertion{Type: AssertCallOrder, Ops: []string{"getCart", "add", "remove"}}, ""},
		{"order reversed", Assertion{Type: AssertCallOrder, Ops: []string{"remove", "add"}}, "should be before"},
		{"order missing", Assertion{Type: AssertCallOrder, Ops: []string{"add", "clear"}}, "missing op: clear"},
		{"count", Assertion{Type: AssertCallCount, Op: "add", Count: 2}, ""},
		{"count zero", Assertion{Type: AssertCallCount, Op: "clear", Count: 0}, ""},
		{"count wrong", Assertion{Type: AssertCallCount, Op: "add", Count: 1}, "2 calls"},
		{"unknown", Assertion{Type: "final_state"}, "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleCalls, []Assertion{tt.assertion})
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.wantErr)
		})
	}
}

func TestAssertionError_ListsCalls(t *testing.T) {
	err := &AssertionError{Type: AssertCallCount, Expected: "1", Actual: "2", Calls: sampleCalls}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: call_count")
	assert.Contains(t, msg, "[3] remove P1@M")
}

func TestCheckFinal(t *testing.T) {
	s := cart.Reduce(cart.Empty(), cart.AddItem{
		Product:  cart.Product{ID: "P1", UnitPrice: decimal.RequireFromString("2.50")},
		Quantity: 2,
	})

	two := 2
	assert.Empty(t, checkFinal(s, &FinalState{ItemCount: &two, Total: "5.00", Lines: []string{"P1"}}))
	assert.Empty(t, checkFinal(s, nil))

	three := 3
	errs := checkFinal(s, &FinalState{ItemCount: &three, Total: "4", Lines: []string{"P2"}})
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "item_count = 2, want 3")
	assert.Contains(t, errs[1], "total = 5, want 4")
	assert.Contains(t, errs[2], "lines = [P1], want [P2]")
}

func TestCheckExpect(t *testing.T) {
	failed := TraceEvent{Step: 1, Op: "add", Kind: "DuplicateLine", Message: "dup"}

	errs := checkExpect(1, failed, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "unexpected failure: dup")

	no := false
	assert.Empty(t, checkExpect(1, failed, &Expect{Success: &no, Kind: "DuplicateLine", Message: "dup"}))

	errs = checkExpect(1, failed, &Expect{Kind: "Unauthenticated"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `kind = "DuplicateLine", want "Unauthenticated"`)
}
