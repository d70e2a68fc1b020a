package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartsync/internal/transport"
)

func TestFakeTransport_Defaults(t *testing.T) {
	f := NewFakeTransport()
	ctx := context.Background()

	raw, err := f.GetCart(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[]}`, string(raw))

	ack, err := f.AddToCart(ctx, transport.AddRequest{ProductID: "P1", Quantity: 2})
	require.NoError(t, err)
	assert.Empty(t, ack.Message)

	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, OpGetCart, calls[0].Op)
	assert.Equal(t, Call{Op: OpAdd, ID: "P1", Quantity: 2, Add: transport.AddRequest{ProductID: "P1", Quantity: 2}}, calls[1])
}

func TestFakeTransport_ScriptedFailureConsumedOnce(t *testing.T) {
	f := NewFakeTransport()
	ctx := context.Background()
	f.FailNextStatus(OpRemove, 404, `{"error":"not found"}`)

	_, err := f.RemoveFromCart(ctx, "L1")
	require.Error(t, err)
	code, ok := transport.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, 404, code)

	_, err = f.RemoveFromCart(ctx, "L1")
	assert.NoError(t, err)
	assert.Equal(t, 2, f.CallCount(OpRemove))
}

func TestFakeTransport_AckNext(t *testing.T) {
	f := NewFakeTransport()
	f.AckNext(OpClear, "Emptied")

	ack, err := f.ClearCart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Emptied", ack.Message)
}

func TestFakeTransport_Hold(t *testing.T) {
	f := NewFakeTransport()
	h := f.HoldNext(OpUpdate)

	done := make(chan error, 1)
	go func() {
		_, err := f.UpdateCartItem(context.Background(), "L1", 3)
		done <- err
	}()

	select {
	case <-h.Entered():
	case <-time.After(time.Second):
		t.Fatal("call never started")
	}
	select {
	case <-done:
		t.Fatal("held call returned early")
	default:
	}

	h.Release()
	h.Release()
	require.NoError(t, <-done)
}

func TestFakeTransport_HoldRespectsContext(t *testing.T) {
	f := NewFakeTransport()
	f.HoldNext(OpGetCart)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.GetCart(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFakeTransport_Reset(t *testing.T) {
	f := NewFakeTransport()
	f.SetCart(`{"products":[]}`)
	f.FailNext(OpGetCart, errors.New("boom"))
	f.Reset()

	raw, err := f.GetCart(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"products":[]}`, string(raw))
	assert.Len(t, f.Calls(), 1)
}
