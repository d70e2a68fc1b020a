// Package fault turns cart backend failures into a small taxonomy of
// user-facing outcomes.
//
// Backend error payloads arrive in three observed forms:
//
//	Product already exists in cart                         (plain string)
//	{"message":"Product already exists in cart"}           (flat object)
//	{"message":"{\"status\":403,\"data\":{\"error\":...}}"} (double-encoded)
//
// Normalize runs a fixed pipeline of pure stages over the payload:
//
//	parseOuter → unwrapInner → extract → rewrite
//
// Each stage is independently testable. This is the only package in the
// module that pattern-matches error text; everything else treats errors
// opaquely.
package fault

import (
	"context"
	"errors"

	"github.com/roach88/cartsync/internal/policy"
)

// Kind classifies a normalized failure.
type Kind string

const (
	// DuplicateLine: the product is already in the cart.
	DuplicateLine Kind = "DuplicateLine"
	// OwnershipViolation: a seller tried to act on their own product.
	// Never retried.
	OwnershipViolation Kind = "OwnershipViolation"
	// Unauthenticated: status 401. The caller decides whether to redirect.
	Unauthenticated Kind = "Unauthenticated"
	// TransportFailure: everything else (network, 5xx, malformed payload).
	TransportFailure Kind = "TransportFailure"
)

// DefaultStatus is assumed when neither the payload nor the transport
// reports a status code.
const DefaultStatus = 500

// Payload is implemented by transport errors that carry an HTTP status and
// a raw response body.
type Payload interface {
	ErrorPayload() (status int, body []byte)
}

// Normalized is the outcome of normalizing one error.
type Normalized struct {
	Kind    Kind   `json:"kind"`
	Status  int    `json:"status"`
	Message string `json:"message"`

	// Detail is the message extracted from the payload before rewriting.
	// It is meant for logs, not for users.
	Detail string `json:"detail,omitempty"`
}

// Normalizer maps errors to Normalized outcomes using a policy's message
// table. It holds no mutable state.
type Normalizer struct {
	messages policy.Messages
}

// New creates a Normalizer rendering messages from m.
func New(m policy.Messages) *Normalizer {
	return &Normalizer{messages: m}
}

// Normalize classifies err. A nil error yields the zero Normalized.
func (n *Normalizer) Normalize(err error) Normalized {
	if err == nil {
		return Normalized{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Normalized{
			Kind:    TransportFailure,
			Status:  DefaultStatus,
			Message: n.messages.TransportFailure,
			Detail:  err.Error(),
		}
	}

	raw, status := payloadOf(err)
	return NormalizePayload(raw, status, n.messages)
}

// NormalizePayload runs the decode pipeline over a raw payload.
// fallbackStatus is used when the payload carries no status of its own.
func NormalizePayload(raw []byte, fallbackStatus int, m policy.Messages) Normalized {
	obj, text := parseOuter(raw)
	if obj != nil {
		obj = unwrapInner(obj)
	}
	ex := extract(obj, text, fallbackStatus)
	return rewrite(ex, m)
}

// payloadOf returns the raw error payload and the transport status. Errors
// that do not carry a payload are treated as their message with status 500.
func payloadOf(err error) ([]byte, int) {
	var p Payload
	if errors.As(err, &p) {
		status, body := p.ErrorPayload()
		if status == 0 {
			status = DefaultStatus
		}
		return body, status
	}
	return []byte(err.Error()), DefaultStatus
}
