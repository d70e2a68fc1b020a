package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/fault"
	"github.com/roach88/cartsync/internal/identity"
	"github.com/roach88/cartsync/internal/policy"
	"github.com/roach88/cartsync/internal/transport"
)

// Engine keeps a client-side cart mirror consistent with a remote cart.
//
// It has two halves that share one cart.Store:
//   - the synchronization controller (this file) follows identity signals
//     and rehydrates the store from the backend
//   - the mutation gateway (gateway.go) performs user mutations with
//     confirm-then-apply semantics
//
// Thread-safety model:
//   - Enqueue, Follow, Observe, Refresh: safe from any goroutine
//   - Add, Remove, UpdateQuantity, Clear, IsInCart, State: safe from any
//     goroutine
//   - Run: must be called from exactly one goroutine
//
// INVARIANTS:
//   - the store is written only through DispatchAt stamped with the
//     generation the work started under
//   - at most one hydration fetch is live; a new identity cancels it
type Engine struct {
	store      *cart.Store
	transport  transport.Transport
	policy     *policy.Policy
	normalizer *fault.Normalizer
	clock      *Clock
	queue      *eventQueue
	tokens     TokenGenerator
	locks      *keyLocks
	logger     *slog.Logger

	maxInFlight int64

	mu          sync.Mutex // guards cancelFetch and last
	cancelFetch context.CancelFunc
	last        identity.Signal

	fetches sync.WaitGroup
	stopped atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore uses an existing store instead of a fresh empty one.
func WithStore(s *cart.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithPolicy sets the cart policy. Default: policy.Default().
func WithPolicy(p *policy.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTokenGenerator sets the request token source. Default: UUIDv7.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(e *Engine) { e.tokens = g }
}

// WithClock sets the generation clock. Used to resume generations.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMaxInFlight bounds concurrent mutations.
// Default: 64 (DefaultMaxInFlight).
func WithMaxInFlight(n int) Option {
	return func(e *Engine) { e.maxInFlight = int64(n) }
}

// New creates an Engine mirroring the cart behind t.
func New(t transport.Transport, opts ...Option) *Engine {
	e := &Engine{
		transport:   t,
		queue:       newEventQueue(),
		maxInFlight: DefaultMaxInFlight,
		last:        identity.Loading(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		e.store = cart.NewStore()
	}
	if e.policy == nil {
		e.policy = policy.Default()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tokens == nil {
		e.tokens = UUIDv7Generator{}
	}
	if e.clock == nil {
		e.clock = NewClockAt(e.store.Generation())
	}
	e.normalizer = fault.New(e.policy.Messages)
	e.locks = newKeyLocks(e.maxInFlight)
	return e
}

// Store returns the underlying cart store, for subscriptions and reads.
func (e *Engine) Store() *cart.Store {
	return e.store
}

// State returns a snapshot of the cart.
func (e *Engine) State() cart.State {
	return e.store.Snapshot()
}

// Policy returns the policy in effect.
func (e *Engine) Policy() *policy.Policy {
	return e.policy
}

// Generation returns the current identity generation.
func (e *Engine) Generation() int64 {
	return e.store.Generation()
}

// QueueLen returns the number of pending events.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Enqueue submits an event for the Run loop.
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(ev Event) bool {
	return e.queue.Enqueue(ev)
}

// Follow feeds every signal published by src into the Run loop until ctx
// is done or src is closed.
func (e *Engine) Follow(ctx context.Context, src *identity.Source) error {
	ch, unsubscribe := src.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			if !e.Enqueue(IdentityEvent(sig)) {
				return NewEngineStoppedError()
			}
		}
	}
}

// Run starts the single-writer event loop.
// Blocks until ctx is cancelled or Stop() is called. On return any
// in-flight hydration is cancelled and waited for.
//
// A hydration failure is logged and processing continues; the store keeps
// its prior state.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")
	defer e.shutdown()

	for {
		if e.stopped.Load() {
			if n := e.queue.Len(); n > 0 {
				e.logger.Info("engine stopping: dropping queued events", "queued", n)
			} else {
				e.logger.Info("engine stopping: queue closed")
			}
			return nil
		}

		event, ok := e.queue.TryDequeue()
		if ok {
			e.processEvent(ctx, event)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes with the queue; the stopped check
			// at the top of the loop ends Run.
		}
	}
}

// Stop shuts the engine down. Run returns without processing queued
// events, and later mutations fail with ENGINE_STOPPED.
func (e *Engine) Stop() {
	e.stopped.Store(true)
	e.queue.Close()
	e.cancelInFlight()
}

func (e *Engine) shutdown() {
	e.stopped.Store(true)
	e.cancelInFlight()
	e.fetches.Wait()
}

func (e *Engine) cancelInFlight() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelFetch != nil {
		e.cancelFetch()
		e.cancelFetch = nil
	}
}

// Observe processes one signal synchronously and waits for the resulting
// hydration. It returns the hydration error, if any; the store is left in
// its prior state in that case.
func (e *Engine) Observe(ctx context.Context, sig identity.Signal) error {
	if e.stopped.Load() {
		return NewEngineStoppedError()
	}
	h := e.processSignal(ctx, sig)
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh re-hydrates the cart for the last observed identity and waits
// for the result.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.Observe(ctx, e.lastSignal())
}

func (e *Engine) lastSignal() identity.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// processEvent routes an event. The loop never waits on a fetch; hydrate
// logs its own failures.
func (e *Engine) processEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventTypeIdentity:
		e.processSignal(ctx, ev.Signal)
	case EventTypeRefresh:
		e.processSignal(ctx, e.lastSignal())
	default:
		e.logger.Error("event processing failed",
			"type", ev.Type.String(),
			"error", fmt.Sprintf("unknown event type: %d", ev.Type))
	}
}

// hydration is the handle for one signal's processing.
type hydration struct {
	done chan struct{}
	err  error
}

func finished(err error) *hydration {
	h := &hydration{done: make(chan struct{}), err: err}
	close(h.done)
	return h
}

// processSignal reacts to one identity signal:
//   - loading: nothing changes
//   - anonymous or non-purchasing role: new generation, CLEAR, no fetch
//   - purchasing role: new generation, cancel the previous fetch, start a
//     fetch whose result is applied only if the generation still holds
func (e *Engine) processSignal(ctx context.Context, sig identity.Signal) *hydration {
	if sig.State() == identity.StateLoading {
		e.logger.Debug("identity loading, cart untouched")
		return finished(nil)
	}

	e.mu.Lock()
	if e.cancelFetch != nil {
		e.cancelFetch()
		e.cancelFetch = nil
	}
	e.last = sig

	gen := e.nextGeneration()

	if sig.State() == identity.StateAnonymous || !e.policy.CanPurchase(sig.User.Role) {
		e.mu.Unlock()
		e.store.DispatchAt(gen, cart.Clear{})
		e.logger.Info("hydration suppressed",
			"identity", sig.String(),
			"generation", gen)
		return finished(nil)
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	e.cancelFetch = cancel
	e.fetches.Add(1)
	e.mu.Unlock()

	h := &hydration{done: make(chan struct{})}
	token := e.tokens.Generate()
	go func() {
		defer e.fetches.Done()
		defer close(h.done)
		defer cancel()
		h.err = e.hydrate(fetchCtx, gen, token, sig)
	}()
	return h
}

// hydrate fetches the remote cart and applies it at generation gen.
// Hydration waits for in-flight mutations so it cannot interleave with
// one.
// nextGeneration draws a generation and installs it in the store. A store
// shared with an earlier engine may be ahead of the clock; the clock then
// catches up and draws again.
func (e *Engine) nextGeneration() int64 {
	for {
		gen := e.clock.Next()
		if e.store.Advance(gen) {
			return gen
		}
		current := e.store.Generation()
		e.logger.Debug("clock behind store, catching up",
			"generation", gen,
			"current_generation", current)
		e.clock.CatchUp(current)
	}
}

func (e *Engine) hydrate(ctx context.Context, gen int64, token string, sig identity.Signal) error {
	log := e.logger.With("request", token, "generation", gen)
	log.Debug("hydration started", "identity", sig.String())

	release, err := e.locks.lockAll(ctx)
	if err != nil {
		log.Debug("hydration cancelled before fetch", "error", err)
		return fmt.Errorf("hydrate: %w", err)
	}
	defer release()

	raw, err := e.transport.GetCart(ctx)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("hydration cancelled", "error", err)
			return fmt.Errorf("hydrate: %w", err)
		}
		n := e.normalizer.Normalize(err)
		log.Warn("hydration failed",
			"kind", n.Kind,
			"status", n.Status,
			"error", err)
		return fmt.Errorf("hydrate: %w", err)
	}

	norm, err := NormalizeEnvelope(raw, e.policy)
	if err != nil {
		log.Warn("hydration failed", "error", err)
		return fmt.Errorf("hydrate: %w", err)
	}

	state, applied := e.store.DispatchAt(gen, cart.Hydrate{Lines: norm.Lines})
	if !applied {
		log.Info("hydration discarded as stale", "current_generation", e.store.Generation())
		return NewStaleGenerationError(token, "", gen)
	}

	log.Info("hydration applied",
		"shape", norm.Shape,
		"lines", len(state.Lines),
		"dropped", norm.Dropped,
		"item_count", state.ItemCount,
		"total", state.Total.String())
	return nil
}
