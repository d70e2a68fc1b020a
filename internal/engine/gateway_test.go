package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/fault"
	"github.com/roach88/cartsync/internal/identity"
	"github.com/roach88/cartsync/internal/policy"
	"github.com/roach88/cartsync/internal/testutil"
)

func waitEntered(t *testing.T, h *testutil.Hold) {
	t.Helper()
	select {
	case <-h.Entered():
	case <-time.After(time.Second):
		t.Fatal("held call never started")
	}
}

func TestGateway_EndToEndScenario(t *testing.T) {
	e, ft := newTestEngine(t)
	ctx := context.Background()
	p1 := product("P1", "19.99")
	m := cart.Options{Size: "M"}

	res := e.Add(ctx, p1, 1, m)
	require.True(t, res.Success)
	require.True(t, res.Applied)
	assert.Equal(t, "Item added to cart", res.Message)
	s := e.State()
	require.Len(t, s.Lines, 1)
	assert.Equal(t, "P1@M", s.Lines[0].ID)
	assert.Equal(t, 1, s.Lines[0].Quantity)
	assert.Equal(t, 1, s.ItemCount)
	assertTotal(t, "19.99", s)

	res = e.Add(ctx, p1, 1, m)
	require.True(t, res.Success)
	s = e.State()
	require.Len(t, s.Lines, 1)
	assert.Equal(t, 2, s.Lines[0].Quantity)
	assert.Equal(t, 2, s.ItemCount)
	assertTotal(t, "39.98", s)

	res = e.Remove(ctx, "P1@M")
	require.True(t, res.Success)
	assert.Equal(t, "Item removed from cart", res.Message)
	assert.True(t, e.State().IsEmpty())
	assert.Equal(t, 0, e.State().ItemCount)
	assertTotal(t, "0", e.State())

	calls := ft.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, testutil.OpAdd, calls[0].Op)
	assert.Equal(t, "P1", calls[0].Add.ProductID)
	assert.Equal(t, testutil.OpRemove, calls[2].Op)
	assert.Equal(t, "P1@M", calls[2].ID)
}

func TestGateway_RejectedAddLeavesStateUntouched(t *testing.T) {
	e, ft := newTestEngine(t)
	ctx := context.Background()
	require.True(t, e.Add(ctx, product("P1", "2.50"), 2, noOptions).Success)
	before := e.State()

	ft.FailNextStatus(testutil.OpAdd, 409, `{"message":"Product already exists in cart"}`)
	res := e.Add(ctx, product("P1", "2.50"), 1, noOptions)

	assert.False(t, res.Success)
	assert.False(t, res.Applied)
	assert.Equal(t, fault.DuplicateLine, res.Kind)
	assert.Equal(t, policy.Default().Messages.DuplicateLine, res.Message)
	assert.Error(t, res.Err)
	assert.Equal(t, before, e.State())
	assert.Equal(t, before, res.State)
}

func TestGateway_OwnershipViolation(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.FailNextStatus(testutil.OpAdd, 403,
		`{"message":"{\"status\":403,\"data\":{\"error\":\"cannot add your own product to cart\"}}"}`)

	res := e.Add(context.Background(), product("P9", "5"), 1, noOptions)

	assert.False(t, res.Success)
	assert.Equal(t, fault.OwnershipViolation, res.Kind)
	assert.Equal(t, policy.Default().Messages.OwnershipViolation, res.Message)
	assert.True(t, e.State().IsEmpty())
}

func TestGateway_Unauthenticated(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.FailNextStatus(testutil.OpClear, 401, `{"error":"Unauthorized"}`)

	res := e.Clear(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, fault.Unauthenticated, res.Kind)
}

func TestGateway_AddQuantityDefaults(t *testing.T) {
	e, ft := newTestEngine(t)

	res := e.Add(context.Background(), product("P1", "1"), 0, noOptions)
	require.True(t, res.Success)
	assert.Equal(t, 1, e.State().ItemCount)
	assert.Equal(t, 1, ft.Calls()[0].Quantity)
}

func TestGateway_AddRejectsLocally(t *testing.T) {
	e, ft := newTestEngine(t)

	res := e.Add(context.Background(), product("P1", "1"), -2, noOptions)
	assert.False(t, res.Success)
	assert.True(t, IsInvalidInput(res.Err))

	res = e.Add(context.Background(), cart.Product{}, 1, noOptions)
	assert.False(t, res.Success)
	assert.True(t, IsInvalidInput(res.Err))

	assert.Empty(t, ft.Calls(), "transport must not be called")
}

func TestGateway_AckMessageWins(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.AckNext(testutil.OpAdd, "Added 1 x Shirt")

	res := e.Add(context.Background(), product("P1", "1"), 1, noOptions)
	assert.Equal(t, "Added 1 x Shirt", res.Message)
}

func TestGateway_AddSendsVariantID(t *testing.T) {
	e, ft := newTestEngine(t)

	res := e.Add(context.Background(), product("P1", "1"), 1, cart.Options{Size: "L", VariantID: "V-L"})
	require.True(t, res.Success)
	assert.Equal(t, "V-L", ft.Calls()[0].Add.VariantID)
	assert.Equal(t, "V-L", e.State().Lines[0].VariantID)
}

func TestGateway_UpdateQuantityIdentityPriority(t *testing.T) {
	e, ft := newTestEngine(t)
	ctx := context.Background()
	e.Store().Dispatch(cart.Hydrate{Lines: []cart.Line{
		{ID: "L1", Product: product("P1", "1"), Quantity: 1, VariantID: "V1"},
		{ID: "L2", Product: product("P2", "1"), Quantity: 1},
	}})

	require.True(t, e.UpdateQuantity(ctx, "L1", 3, "EXPLICIT").Success)
	require.True(t, e.UpdateQuantity(ctx, "L1", 4, "").Success)
	require.True(t, e.UpdateQuantity(ctx, "L2", 2, "").Success)

	calls := ft.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "EXPLICIT", calls[0].ID)
	assert.Equal(t, "V1", calls[1].ID)
	assert.Equal(t, "L2", calls[2].ID)

	l1, _ := e.State().Line("L1")
	assert.Equal(t, 4, l1.Quantity)
	assert.Equal(t, 6, e.State().ItemCount)
}

func TestGateway_UpdateQuantityNonPositiveRemoves(t *testing.T) {
	e, ft := newTestEngine(t)
	ctx := context.Background()
	e.Store().Dispatch(cart.Hydrate{Lines: []cart.Line{
		{ID: "L1", Product: product("P1", "1"), Quantity: 2, VariantID: "V1"},
	}})

	res := e.UpdateQuantity(ctx, "L1", 0, "")
	require.True(t, res.Success)
	assert.Equal(t, "Item removed from cart", res.Message)
	assert.True(t, e.State().IsEmpty())

	calls := ft.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, testutil.OpRemove, calls[0].Op)
	assert.Equal(t, "V1", calls[0].ID)
}

func TestGateway_RemoveUsesVariantID(t *testing.T) {
	e, ft := newTestEngine(t)
	e.Store().Dispatch(cart.Hydrate{Lines: []cart.Line{
		{ID: "L1", Product: product("P1", "1"), Quantity: 1, VariantID: "V1"},
	}})

	require.True(t, e.Remove(context.Background(), "L1").Success)
	assert.Equal(t, "V1", ft.Calls()[0].ID)
}

func TestGateway_Clear(t *testing.T) {
	e, ft := newTestEngine(t)
	ctx := context.Background()
	e.Add(ctx, product("P1", "1"), 2, noOptions)

	res := e.Clear(ctx)
	require.True(t, res.Success)
	assert.Equal(t, "Cart cleared", res.Message)
	assert.True(t, e.State().IsEmpty())
	assert.Equal(t, 1, ft.CallCount(testutil.OpClear))
}

func TestGateway_IsInCartIgnoresVariant(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	e.Add(ctx, product("P1", "1"), 1, cart.Options{Size: "S", Color: "red"})

	assert.True(t, e.IsInCart("P1"))
	assert.False(t, e.IsInCart("P2"))
}

func TestGateway_ConfirmedAfterIdentityChangeIsDiscarded(t *testing.T) {
	e, ft := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Observe(ctx, identity.Identified("u1", "customer")))
	hold := ft.HoldNext(testutil.OpAdd)

	done := make(chan Result, 1)
	go func() { done <- e.Add(ctx, product("P1", "1"), 1, noOptions) }()
	waitEntered(t, hold)

	require.NoError(t, e.Observe(ctx, identity.Anonymous()))
	hold.Release()

	res := <-done
	assert.True(t, res.Success, "the backend confirmed")
	assert.False(t, res.Applied)
	assert.True(t, IsStaleGeneration(res.Err))
	assert.True(t, e.State().IsEmpty(), "result for the old identity must not land")
}

func TestGateway_SameLineMutationsAreSerialized(t *testing.T) {
	e, ft := newTestEngine(t)
	ctx := context.Background()
	hold := ft.HoldNext(testutil.OpAdd)

	addDone := make(chan Result, 1)
	go func() { addDone <- e.Add(ctx, product("P1", "1"), 1, noOptions) }()
	waitEntered(t, hold)

	removeDone := make(chan Result, 1)
	go func() { removeDone <- e.Remove(ctx, "P1") }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, ft.CallCount(testutil.OpRemove), "remove must wait for the in-flight add")

	hold.Release()
	require.True(t, (<-addDone).Success)
	require.True(t, (<-removeDone).Success)

	assert.True(t, e.State().IsEmpty(), "remove confirmed after add must win")
}

func TestGateway_QueuedRemoveSeesAddedVariant(t *testing.T) {
	e, ft := newTestEngine(t)
	ctx := context.Background()
	hold := ft.HoldNext(testutil.OpAdd)

	addDone := make(chan Result, 1)
	go func() {
		addDone <- e.Add(ctx, product("P1", "1"), 1, cart.Options{Size: "M", VariantID: "V1"})
	}()
	waitEntered(t, hold)

	removeDone := make(chan Result, 1)
	go func() { removeDone <- e.Remove(ctx, "P1@M") }()

	time.Sleep(20 * time.Millisecond)
	hold.Release()
	require.True(t, (<-addDone).Success)
	require.True(t, (<-removeDone).Success)

	calls := ft.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, testutil.OpRemove, calls[1].Op)
	assert.Equal(t, "V1", calls[1].ID, "remove must address the variant stored by the add")
	assert.True(t, e.State().IsEmpty())
}

func TestGateway_QueuedUpdateSeesAddedVariant(t *testing.T) {
	e, ft := newTestEngine(t)
	ctx := context.Background()
	hold := ft.HoldNext(testutil.OpAdd)

	addDone := make(chan Result, 1)
	go func() {
		addDone <- e.Add(ctx, product("P1", "1"), 1, cart.Options{Size: "M", VariantID: "V1"})
	}()
	waitEntered(t, hold)

	updateDone := make(chan Result, 1)
	go func() { updateDone <- e.UpdateQuantity(ctx, "P1@M", 4, "") }()

	time.Sleep(20 * time.Millisecond)
	hold.Release()
	require.True(t, (<-addDone).Success)
	require.True(t, (<-updateDone).Success)

	calls := ft.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, testutil.OpUpdate, calls[1].Op)
	assert.Equal(t, "V1", calls[1].ID)
	assert.Equal(t, 4, e.State().ItemCount)
}

func TestGateway_DifferentLinesRunConcurrently(t *testing.T) {
	e, ft := newTestEngine(t)
	ctx := context.Background()
	hold := ft.HoldNext(testutil.OpAdd)

	slow := make(chan Result, 1)
	go func() { slow <- e.Add(ctx, product("P1", "1"), 1, noOptions) }()
	waitEntered(t, hold)

	res := e.Add(ctx, product("P2", "1"), 1, noOptions)
	require.True(t, res.Success)
	assert.True(t, e.IsInCart("P2"))

	hold.Release()
	require.True(t, (<-slow).Success)
	assert.Equal(t, 2, e.State().ItemCount)
}

func TestGateway_ClearWaitsForInFlight(t *testing.T) {
	e, ft := newTestEngine(t)
	ctx := context.Background()
	hold := ft.HoldNext(testutil.OpAdd)

	addDone := make(chan Result, 1)
	go func() { addDone <- e.Add(ctx, product("P1", "1"), 1, noOptions) }()
	waitEntered(t, hold)

	clearDone := make(chan Result, 1)
	go func() { clearDone <- e.Clear(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, ft.CallCount(testutil.OpClear))

	hold.Release()
	require.True(t, (<-addDone).Success)
	require.True(t, (<-clearDone).Success)
	assert.True(t, e.State().IsEmpty())
}

func TestGateway_LockWaitRespectsContext(t *testing.T) {
	e, ft := newTestEngine(t)
	hold := ft.HoldNext(testutil.OpAdd)
	defer hold.Release()

	go e.Add(context.Background(), product("P1", "1"), 1, noOptions)
	waitEntered(t, hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := e.Remove(ctx, "P1")

	assert.False(t, res.Success)
	assert.Equal(t, fault.TransportFailure, res.Kind)
	assert.Equal(t, 0, ft.CallCount(testutil.OpRemove))
}

func TestGateway_ConcurrentAddsSameLine(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Add(ctx, product("P1", "0.50"), 1, cart.Options{Size: "M"})
		}()
	}
	wg.Wait()

	s := e.State()
	require.Len(t, s.Lines, 1)
	assert.Equal(t, 20, s.ItemCount)
	assertTotal(t, "10", s)
	assert.Equal(t, 0, e.locks.held())
}

func TestGateway_StoppedEngine(t *testing.T) {
	e, ft := newTestEngine(t)
	e.Stop()

	res := e.Add(context.Background(), product("P1", "1"), 1, noOptions)
	assert.False(t, res.Success)
	assert.True(t, IsEngineStopped(res.Err))
	assert.Equal(t, policy.Default().Messages.TransportFailure, res.Message)
	assert.Empty(t, ft.Calls())
}
