package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/engine"
	"github.com/roach88/cartsync/internal/fault"
	"github.com/roach88/cartsync/internal/identity"
	"github.com/roach88/cartsync/internal/policy"
	"github.com/roach88/cartsync/internal/testutil"
)

// DefaultStepTimeout bounds each step so a stuck scenario fails instead
// of hanging.
const DefaultStepTimeout = 5 * time.Second

// Harness runs scenarios against a real engine backed by a scripted
// transport. Request tokens are sequential, so traces are reproducible.
type Harness struct {
	policy      *policy.Policy
	logger      *slog.Logger
	stepTimeout time.Duration
}

// Option configures a Harness.
type Option func(*Harness)

// WithPolicy runs scenarios under p instead of the default policy.
func WithPolicy(p *policy.Policy) Option {
	return func(h *Harness) { h.policy = p }
}

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithStepTimeout overrides DefaultStepTimeout.
func WithStepTimeout(d time.Duration) Option {
	return func(h *Harness) { h.stepTimeout = d }
}

// New creates a Harness.
func New(opts ...Option) *Harness {
	h := &Harness{
		policy:      policy.Default(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		stepTimeout: DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a scenario with default options.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	return New(opts...).Run(context.Background(), scenario)
}

// Run executes a scenario and returns the result.
//
// Each scenario gets a fresh engine and transport. Execution flow:
//  1. serve the scenario's remote cart
//  2. observe the initial identity, if any, recorded as step 0
//  3. run each step, recording its outcome and the cart summary
//  4. evaluate call assertions and the final state
//
// The returned error covers setup problems only; scenario mismatches are
// reported through Result.Pass and Result.Errors.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	if scenario == nil {
		return nil, fmt.Errorf("scenario is nil")
	}

	ft := testutil.NewFakeTransport()
	if scenario.Remote != "" {
		ft.SetCart(scenario.Remote)
	}

	eng := engine.New(ft,
		engine.WithPolicy(h.policy),
		engine.WithLogger(h.logger.With("scenario", scenario.Name)),
		engine.WithTokenGenerator(testutil.NewSequenceGenerator("req")))
	defer eng.Stop()

	r := &runner{h: h, eng: eng, ft: ft, norm: fault.New(h.policy.Messages)}
	result := NewResult()

	steps := scenario.Steps
	if scenario.Identity != nil {
		steps = append([]Step{{Op: OpIdentity, Identity: scenario.Identity}}, steps...)
	}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev := r.step(ctx, i, step)
		result.Trace = append(result.Trace, ev)
		for _, msg := range checkExpect(i, ev, step.Expect) {
			result.AddError(msg)
		}
	}

	result.Calls = callEvents(ft.Calls())
	result.State = eng.State()

	for _, msg := range EvaluateAssertions(result.Calls, scenario.Assertions) {
		result.AddError(msg)
	}
	for _, msg := range checkFinal(result.State, scenario.Final) {
		result.AddError(msg)
	}

	return result, nil
}

type runner struct {
	h    *Harness
	eng  *engine.Engine
	ft   *testutil.FakeTransport
	norm *fault.Normalizer
}

func (r *runner) step(ctx context.Context, i int, step Step) TraceEvent {
	ctx, cancel := context.WithTimeout(ctx, r.h.stepTimeout)
	defer cancel()

	if step.Remote != "" {
		r.ft.SetCart(step.Remote)
	}
	if op := transportOp(step); op != "" {
		if step.Fail != nil {
			r.ft.FailNextStatus(op, step.Fail.Status, step.Fail.Body)
		}
		if step.Ack != "" {
			r.ft.AckNext(op, step.Ack)
		}
	}

	ev := TraceEvent{Step: i, Op: step.Op}
	switch step.Op {
	case OpAdd:
		ev.Target = step.Product.ID
		res := r.eng.Add(ctx, productOf(step.Product), step.Quantity, cart.Options{
			Size:      step.Size,
			Color:     step.Color,
			VariantID: step.Variant,
		})
		fromResult(&ev, res)
	case OpRemove:
		ev.Target = step.Line
		fromResult(&ev, r.eng.Remove(ctx, step.Line))
	case OpUpdate:
		ev.Target = step.Line
		fromResult(&ev, r.eng.UpdateQuantity(ctx, step.Line, step.Quantity, step.Variant))
	case OpClear:
		fromResult(&ev, r.eng.Clear(ctx))
	case OpIdentity:
		sig := signalOf(step.Identity)
		ev.Target = sig.String()
		r.fromObserve(&ev, r.eng.Observe(ctx, sig))
		ev.Applied = ev.Applied && sig.State() != identity.StateLoading
		summarize(&ev, r.eng.State())
	case OpHydrate:
		r.fromObserve(&ev, r.eng.Refresh(ctx))
		summarize(&ev, r.eng.State())
	}
	return ev
}

func (r *runner) fromObserve(ev *TraceEvent, err error) {
	if err == nil {
		ev.Success, ev.Applied = true, true
		return
	}
	n := r.norm.Normalize(err)
	ev.Kind = string(n.Kind)
	ev.Message = n.Message
}

func fromResult(ev *TraceEvent, res engine.Result) {
	ev.Success = res.Success
	ev.Applied = res.Applied
	ev.Kind = string(res.Kind)
	ev.Message = res.Message
	summarize(ev, res.State)
}

// transportOp is the backend call a step makes, for scripting failures
// and acks.
func transportOp(step Step) string {
	switch step.Op {
	case OpAdd:
		return testutil.OpAdd
	case OpRemove:
		return testutil.OpRemove
	case OpUpdate:
		if step.Quantity <= 0 {
			return testutil.OpRemove
		}
		return testutil.OpUpdate
	case OpClear:
		return testutil.OpClear
	case OpIdentity, OpHydrate:
		return testutil.OpGetCart
	}
	return ""
}

func productOf(p *ProductSpec) cart.Product {
	price := decimal.Zero
	if p.Price != "" {
		price = decimal.RequireFromString(p.Price)
	}
	return cart.Product{ID: p.ID, Name: p.Name, UnitPrice: price, Stock: p.Stock}
}

func signalOf(s *IdentitySpec) identity.Signal {
	switch {
	case s.Loading:
		return identity.Loading()
	case s.ID == "":
		return identity.Anonymous()
	default:
		return identity.Identified(s.ID, s.Role)
	}
}
