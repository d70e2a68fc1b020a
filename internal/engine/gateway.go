package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/fault"
	"github.com/roach88/cartsync/internal/transport"
)

// Result is the outcome of a mutation. Failures never escape the gateway
// as errors; they are reported here.
type Result struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Kind    fault.Kind `json:"kind,omitempty"`

	// Applied reports whether the store was changed. Success with
	// Applied=false means the backend confirmed but the identity changed
	// while the call was in flight, so the result was discarded.
	Applied bool `json:"applied"`

	Request string     `json:"request"`
	State   cart.State `json:"state"`

	// Err is the underlying cause, for logs. Nil on a clean success.
	Err error `json:"-"`
}

// mutation describes one confirm-then-apply operation.
type mutation struct {
	op      string
	lockKey string
	lineID  string
	call    func(ctx context.Context) (transport.Ack, error)
	action  cart.Action
	message string // default confirmation
}

// Add adds quantity units of product. A quantity of 0 means 1; a negative
// quantity is rejected without contacting the backend.
func (e *Engine) Add(ctx context.Context, product cart.Product, quantity int, opts cart.Options) Result {
	token := e.tokens.Generate()
	if product.ID == "" {
		return e.rejectLocal(token, NewInvalidProductError(token))
	}
	if quantity < 0 {
		return e.rejectLocal(token, NewInvalidQuantityError(token, "", quantity))
	}
	if quantity == 0 {
		quantity = 1
	}

	key := cart.NewKey(product.ID, opts.Size, opts.Color)
	lineID := key.LineID()
	// Lock under the existing line's id so an add serializes with removes
	// and updates addressed to a hydrated line.
	for _, l := range e.store.Snapshot().Lines {
		if l.Key() == key {
			lineID = l.ID
			break
		}
	}

	req := transport.AddRequest{ProductID: product.ID, Quantity: quantity, VariantID: opts.VariantID}
	return e.mutate(ctx, token, mutation{
		op:      "add",
		lockKey: lineID,
		lineID:  lineID,
		call: func(ctx context.Context) (transport.Ack, error) {
			return e.transport.AddToCart(ctx, req)
		},
		action:  cart.AddItem{Product: product, Quantity: quantity, Options: opts},
		message: e.policy.Messages.Added,
	})
}

// Remove removes a line. The backend is addressed by the line's variant id
// when known, by the line id otherwise. The id is resolved once the line
// lock is held, so a remove queued behind an add sees the added line.
func (e *Engine) Remove(ctx context.Context, lineID string) Result {
	token := e.tokens.Generate()
	return e.mutate(ctx, token, mutation{
		op:      "remove",
		lockKey: lineID,
		lineID:  lineID,
		call: func(ctx context.Context) (transport.Ack, error) {
			return e.transport.RemoveFromCart(ctx, e.remoteID(lineID, ""))
		},
		action:  cart.RemoveItem{LineID: lineID},
		message: e.policy.Messages.Removed,
	})
}

// UpdateQuantity sets a line's quantity. The backend id is resolved as:
// variantID argument, then the line's stored variant id, then the line id.
// A quantity <= 0 removes the line on the backend and locally.
func (e *Engine) UpdateQuantity(ctx context.Context, lineID string, quantity int, variantID string) Result {
	token := e.tokens.Generate()

	m := mutation{
		op:      "update",
		lockKey: lineID,
		lineID:  lineID,
		action:  cart.UpdateQuantity{LineID: lineID, Quantity: quantity},
	}
	if quantity <= 0 {
		m.call = func(ctx context.Context) (transport.Ack, error) {
			return e.transport.RemoveFromCart(ctx, e.remoteID(lineID, variantID))
		}
		m.message = e.policy.Messages.Removed
	} else {
		m.call = func(ctx context.Context) (transport.Ack, error) {
			return e.transport.UpdateCartItem(ctx, e.remoteID(lineID, variantID), quantity)
		}
		m.message = e.policy.Messages.Updated
	}
	return e.mutate(ctx, token, m)
}

// Clear empties the cart. It waits for every in-flight mutation and holds
// off new ones until it completes.
func (e *Engine) Clear(ctx context.Context) Result {
	token := e.tokens.Generate()
	return e.mutate(ctx, token, mutation{
		op: "clear",
		call: func(ctx context.Context) (transport.Ack, error) {
			return e.transport.ClearCart(ctx)
		},
		action:  cart.Clear{},
		message: e.policy.Messages.Cleared,
	})
}

// IsInCart reports whether any line holds productID, regardless of size,
// color, or variant.
func (e *Engine) IsInCart(productID string) bool {
	return e.store.Snapshot().ContainsProduct(productID)
}

func (e *Engine) remoteID(lineID, variantID string) string {
	if variantID != "" {
		return variantID
	}
	if l, ok := e.store.Snapshot().Line(lineID); ok {
		return l.RemoteID()
	}
	return lineID
}

// mutate runs the confirm-then-apply protocol:
//  1. take the line lock (or the exclusive lock for clear)
//  2. call the backend; calls resolve remote ids here, under the lock
//  3. on failure normalize the error and leave the store untouched
//  4. on success dispatch the action at the generation captured in step 1
func (e *Engine) mutate(ctx context.Context, token string, m mutation) Result {
	log := e.logger.With("request", token, "op", m.op)
	if m.lineID != "" {
		log = log.With("line_id", m.lineID)
	}

	if e.stopped.Load() {
		return e.fail(log, token, NewEngineStoppedError())
	}

	var (
		release func()
		err     error
	)
	if m.lockKey == "" {
		release, err = e.locks.lockAll(ctx)
	} else {
		release, err = e.locks.lock(ctx, m.lockKey)
	}
	if err != nil {
		return e.fail(log, token, err)
	}
	defer release()

	gen := e.store.Generation()
	ack, err := m.call(ctx)
	if err != nil {
		return e.fail(log, token, err)
	}

	msg := ack.Message
	if msg == "" {
		msg = m.message
	}

	state, applied := e.store.DispatchAt(gen, m.action)
	if !applied {
		log.Info("mutation confirmed but discarded",
			"generation", gen,
			"current_generation", e.store.Generation())
		return Result{
			Success: true,
			Message: msg,
			Request: token,
			State:   state,
			Err:     NewStaleGenerationError(token, m.lineID, gen),
		}
	}

	log.Info("mutation confirmed",
		"generation", gen,
		"item_count", state.ItemCount,
		"total", state.Total.String())
	return Result{
		Success: true,
		Message: msg,
		Applied: true,
		Request: token,
		State:   state,
	}
}

func (e *Engine) fail(log *slog.Logger, token string, err error) Result {
	n := e.normalizer.Normalize(err)
	log.Warn("mutation rejected",
		"kind", n.Kind,
		"status", n.Status,
		"detail", n.Detail)
	return Result{
		Success: false,
		Message: n.Message,
		Kind:    n.Kind,
		Request: token,
		State:   e.store.Snapshot(),
		Err:     err,
	}
}

// rejectLocal reports a mutation refused before any backend call.
func (e *Engine) rejectLocal(token string, err *RuntimeError) Result {
	e.logger.Warn("mutation rejected locally",
		"request", token,
		"code", string(err.Code),
		"error", err.Message)
	return Result{
		Success: false,
		Message: err.Message,
		Request: token,
		State:   e.store.Snapshot(),
		Err:     err,
	}
}
