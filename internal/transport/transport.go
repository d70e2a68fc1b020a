// Package transport defines the cart backend contract the engine consumes
// and a REST client implementing it.
//
// The contract is deliberately thin: the cart fetch returns the raw
// envelope because the backend has used several response shapes over
// time, and normalizing them is the sync engine's job, not the
// transport's.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Transport is the remote cart service. Implementations must honor ctx
// cancellation on every call.
type Transport interface {
	GetCart(ctx context.Context) (json.RawMessage, error)
	AddToCart(ctx context.Context, req AddRequest) (Ack, error)
	RemoveFromCart(ctx context.Context, id string) (Ack, error)
	UpdateCartItem(ctx context.Context, id string, quantity int) (Ack, error)
	ClearCart(ctx context.Context) (Ack, error)
}

// AddRequest is the body of an add-to-cart call.
type AddRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	VariantID string `json:"variant_id,omitempty"`
}

// UpdateRequest is the body of an update-quantity call.
type UpdateRequest struct {
	Quantity int `json:"quantity"`
}

// Ack is a successful mutation response. Message may be empty.
type Ack struct {
	Message string `json:"message,omitempty"`
}

// Error is a non-2xx response from the backend. Body is kept raw; the
// fault package knows how to decode it.
type Error struct {
	Op         string
	StatusCode int
	Body       []byte
}

func (e *Error) Error() string {
	body := string(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, body)
}

// ErrorPayload exposes the status and raw body for normalization.
func (e *Error) ErrorPayload() (int, []byte) {
	return e.StatusCode, e.Body
}

// StatusOf returns the HTTP status carried by err, if any.
func StatusOf(err error) (int, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.StatusCode, true
	}
	return 0, false
}
