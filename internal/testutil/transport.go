package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/roach88/cartsync/internal/transport"
)

// Operation names used by FakeTransport.
const (
	OpGetCart = "getCart"
	OpAdd     = "add"
	OpRemove  = "remove"
	OpUpdate  = "update"
	OpClear   = "clear"
)

// Call records one FakeTransport invocation.
type Call struct {
	Op       string
	ID       string
	Quantity int
	Add      transport.AddRequest
}

// Hold pauses one scripted call until Release.
type Hold struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Entered is closed once the held call has started.
func (h *Hold) Entered() <-chan struct{} {
	return h.entered
}

// Release lets the held call continue. Safe to call more than once.
func (h *Hold) Release() {
	h.once.Do(func() { close(h.release) })
}

// FakeTransport is a scripted transport.Transport.
//
// By default every call succeeds with an empty Ack and GetCart returns
// {"items":[]}. Tests script failures, acks, and pauses per operation;
// each scripted entry is consumed by exactly one call, in order.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeTransport struct {
	mu       sync.Mutex
	cart     json.RawMessage
	calls    []Call
	failures map[string][]error
	acks     map[string][]string
	holds    map[string][]*Hold
}

// NewFakeTransport creates a transport serving an empty cart.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		cart:     json.RawMessage(`{"items":[]}`),
		failures: make(map[string][]error),
		acks:     make(map[string][]string),
		holds:    make(map[string][]*Hold),
	}
}

// SetCart sets the envelope returned by GetCart.
func (f *FakeTransport) SetCart(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cart = json.RawMessage(raw)
}

// FailNext makes the next call to op return err.
func (f *FakeTransport) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// FailNextStatus makes the next call to op fail with an HTTP-style error.
func (f *FakeTransport) FailNextStatus(op string, status int, body string) {
	f.FailNext(op, &transport.Error{Op: op, StatusCode: status, Body: []byte(body)})
}

// AckNext makes the next successful call to op return message.
func (f *FakeTransport) AckNext(op, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[op] = append(f.acks[op], message)
}

// HoldNext pauses the next call to op until the returned Hold is released
// or the call's context is done.
func (f *FakeTransport) HoldNext(op string) *Hold {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &Hold{entered: make(chan struct{}), release: make(chan struct{})}
	f.holds[op] = append(f.holds[op], h)
	return h
}

// Calls returns every recorded call in order.
func (f *FakeTransport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many calls were made to op.
func (f *FakeTransport) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls and scripted entries. The cart is kept.
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.failures = make(map[string][]error)
	f.acks = make(map[string][]string)
	f.holds = make(map[string][]*Hold)
}

// GetCart implements transport.Transport.
func (f *FakeTransport) GetCart(ctx context.Context) (json.RawMessage, error) {
	if _, err := f.call(ctx, Call{Op: OpGetCart}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(json.RawMessage, len(f.cart))
	copy(out, f.cart)
	return out, nil
}

// AddToCart implements transport.Transport.
func (f *FakeTransport) AddToCart(ctx context.Context, req transport.AddRequest) (transport.Ack, error) {
	return f.call(ctx, Call{Op: OpAdd, ID: req.ProductID, Quantity: req.Quantity, Add: req})
}

// RemoveFromCart implements transport.Transport.
func (f *FakeTransport) RemoveFromCart(ctx context.Context, id string) (transport.Ack, error) {
	return f.call(ctx, Call{Op: OpRemove, ID: id})
}

// UpdateCartItem implements transport.Transport.
func (f *FakeTransport) UpdateCartItem(ctx context.Context, id string, quantity int) (transport.Ack, error) {
	return f.call(ctx, Call{Op: OpUpdate, ID: id, Quantity: quantity})
}

// ClearCart implements transport.Transport.
func (f *FakeTransport) ClearCart(ctx context.Context) (transport.Ack, error) {
	return f.call(ctx, Call{Op: OpClear})
}

func (f *FakeTransport) call(ctx context.Context, c Call) (transport.Ack, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	hold := shift(f.holds, c.Op)
	f.mu.Unlock()

	if hold != nil {
		close(hold.entered)
		select {
		case <-hold.release:
		case <-ctx.Done():
			return transport.Ack{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return transport.Ack{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := shift(f.failures, c.Op); err != nil {
		return transport.Ack{}, err
	}
	msg := shift(f.acks, c.Op)
	return transport.Ack{Message: msg}, nil
}

func shift[T any](m map[string][]T, op string) T {
	var zero T
	q := m[op]
	if len(q) == 0 {
		return zero
	}
	v := q[0]
	m[op] = q[1:]
	return v
}

var _ transport.Transport = (*FakeTransport)(nil)
