package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/identity"
	"github.com/roach88/cartsync/internal/policy"
	"github.com/roach88/cartsync/internal/testutil"
)

var noOptions = cart.Options{}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func product(id, price string) cart.Product {
	return cart.Product{ID: id, Name: "Product " + id, UnitPrice: decimal.RequireFromString(price), Stock: 10}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *testutil.FakeTransport) {
	t.Helper()
	ft := testutil.NewFakeTransport()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithTokenGenerator(testutil.NewSequenceGenerator("req")),
	}, opts...)
	return New(ft, opts...), ft
}

func assertTotal(t *testing.T, want string, s cart.State) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(s.Total), "total: expected %s, got %s", want, s.Total)
}

const twoLineCart = `{"items":[
	{"id":"L1","product":{"id":"P1","name":"Shirt","price":"10.00","stock":5,"images":["/p1.png"]},"quantity":2,"size":"M"},
	{"id":"L2","product_id":"P2","price":3.5,"quantity":"1"}
]}`

func TestObserve_HydratesPurchasingIdentity(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.SetCart(twoLineCart)

	require.NoError(t, e.Observe(context.Background(), identity.Identified("u1", "customer")))

	s := e.State()
	require.Len(t, s.Lines, 2)
	assert.Equal(t, "L1", s.Lines[0].ID)
	assert.Equal(t, "M", s.Lines[0].Size)
	assert.Equal(t, "/p1.png", s.Lines[0].Product.Image)
	assert.Equal(t, 3, s.ItemCount)
	assertTotal(t, "23.50", s)
	assert.Equal(t, 1, ft.CallCount(testutil.OpGetCart))
	assert.Equal(t, int64(1), e.Generation())
}

func TestObserve_RoleGating(t *testing.T) {
	signals := []identity.Signal{
		identity.Anonymous(),
		identity.Identified("a1", "admin"),
		identity.Identified("a2", "ADMIN"),
		identity.Identified("s1", "Seller"),
	}
	for _, sig := range signals {
		t.Run(sig.String(), func(t *testing.T) {
			e, ft := newTestEngine(t)
			e.Store().Dispatch(cart.AddItem{Product: product("P1", "1"), Quantity: 3})

			require.NoError(t, e.Observe(context.Background(), sig))

			assert.Equal(t, 0, ft.CallCount(testutil.OpGetCart), "transport must not be contacted")
			assert.True(t, e.State().IsEmpty())
			assert.Equal(t, 0, e.State().ItemCount)
		})
	}
}

func TestObserve_CustomNonPurchasingRole(t *testing.T) {
	pol, err := policy.Compile("test.cue", []byte(`roles: non_purchasing: ["support"]`))
	require.NoError(t, err)
	e, ft := newTestEngine(t, WithPolicy(pol))

	require.NoError(t, e.Observe(context.Background(), identity.Identified("x", "Support")))
	assert.Equal(t, 0, ft.CallCount(testutil.OpGetCart))

	require.NoError(t, e.Observe(context.Background(), identity.Identified("y", "admin")))
	assert.Equal(t, 1, ft.CallCount(testutil.OpGetCart), "admin purchases under this policy")
}

func TestObserve_LoadingIsNoop(t *testing.T) {
	e, ft := newTestEngine(t)
	e.Store().Dispatch(cart.AddItem{Product: product("P1", "1"), Quantity: 1})

	require.NoError(t, e.Observe(context.Background(), identity.Loading()))

	assert.Equal(t, 1, e.State().ItemCount)
	assert.Equal(t, int64(0), e.Generation())
	assert.Empty(t, ft.Calls())
}

func TestObserve_FailureKeepsPriorState(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.SetCart(twoLineCart)
	require.NoError(t, e.Observe(context.Background(), identity.Identified("u1", "customer")))
	before := e.State()

	ft.FailNextStatus(testutil.OpGetCart, 500, `{"message":"db down"}`)
	err := e.Observe(context.Background(), identity.Identified("u1", "customer"))
	require.Error(t, err)

	assert.Equal(t, before, e.State())
}

func TestObserve_MalformedEnvelopeKeepsPriorState(t *testing.T) {
	e, ft := newTestEngine(t)
	e.Store().Dispatch(cart.AddItem{Product: product("P1", "1"), Quantity: 1})
	ft.SetCart(`{"cart":"?"}`)

	err := e.Observe(context.Background(), identity.Identified("u1", "customer"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEnvelope))
	assert.Equal(t, 1, e.State().ItemCount)
}

func TestHydrate_StaleGenerationDiscarded(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.SetCart(twoLineCart)
	e.Store().Advance(2)

	err := e.hydrate(context.Background(), 1, "req-x", identity.Identified("u1", "customer"))
	require.Error(t, err)
	assert.True(t, IsStaleGeneration(err))
	assert.True(t, e.State().IsEmpty(), "stale hydration must not land")
}

func TestObserve_SupersededFetchIsCancelled(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.SetCart(`{"items":[{"product_id":"OLD","quantity":1}]}`)
	hold := ft.HoldNext(testutil.OpGetCart)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- e.Observe(context.Background(), identity.Identified("u1", "customer"))
	}()
	select {
	case <-hold.Entered():
	case <-time.After(time.Second):
		t.Fatal("first fetch never started")
	}

	ft.SetCart(`{"items":[{"product_id":"NEW","quantity":4}]}`)
	require.NoError(t, e.Observe(context.Background(), identity.Identified("u2", "customer")))

	select {
	case err := <-firstDone:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("superseded fetch never returned")
	}
	hold.Release()

	s := e.State()
	require.Len(t, s.Lines, 1)
	assert.Equal(t, "NEW", s.Lines[0].Product.ID)
	assert.Equal(t, int64(2), e.Generation())
}

func TestObserve_AnonymousCancelsFetch(t *testing.T) {
	e, ft := newTestEngine(t)
	hold := ft.HoldNext(testutil.OpGetCart)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- e.Observe(context.Background(), identity.Identified("u1", "customer"))
	}()
	<-hold.Entered()

	require.NoError(t, e.Observe(context.Background(), identity.Anonymous()))
	assert.Error(t, <-firstDone)
	assert.True(t, e.State().IsEmpty())
}

func TestRefresh_RehydratesLastIdentity(t *testing.T) {
	e, ft := newTestEngine(t)
	require.NoError(t, e.Observe(context.Background(), identity.Identified("u1", "customer")))
	assert.True(t, e.State().IsEmpty())

	ft.SetCart(twoLineCart)
	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, 3, e.State().ItemCount)
	assert.Equal(t, 2, ft.CallCount(testutil.OpGetCart))
}

func TestRun_FollowsSource(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.SetCart(twoLineCart)
	src := identity.NewSource()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()
	go func() { _ = e.Follow(ctx, src) }()

	src.Publish(identity.Identified("u1", "customer"))
	assert.Eventually(t, func() bool { return e.State().ItemCount == 3 }, time.Second, 5*time.Millisecond)

	src.Publish(identity.Anonymous())
	assert.Eventually(t, func() bool { return e.State().IsEmpty() }, time.Second, 5*time.Millisecond)

	e.Enqueue(RefreshEvent())

	e.Stop()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.False(t, e.Enqueue(RefreshEvent()))
}

func TestRun_ContextCancel(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-runDone:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFollow_ReturnsWhenSourceCloses(t *testing.T) {
	e, _ := newTestEngine(t)
	src := identity.NewSource()
	src.Close()

	assert.NoError(t, e.Follow(context.Background(), src))
}

func TestFollow_StoppedEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Stop()

	err := e.Follow(context.Background(), identity.NewSource())
	assert.True(t, IsEngineStopped(err))
}

func TestObserve_AfterStop(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Stop()

	err := e.Observe(context.Background(), identity.Anonymous())
	assert.True(t, IsEngineStopped(err))
}

func TestRuntimeError_Format(t *testing.T) {
	assert.Equal(t, "ENGINE_STOPPED: engine is stopped", NewEngineStoppedError().Error())
	assert.Equal(t, "INVALID_PRODUCT: product id is required (request=r1)", NewInvalidProductError("r1").Error())
	assert.Equal(t,
		"STALE_GENERATION: identity changed after generation 3 (request=r1, line=L1)",
		NewStaleGenerationError("r1", "L1", 3).Error())

	assert.True(t, IsInvalidInput(NewInvalidQuantityError("r", "", -1)))
	assert.False(t, IsInvalidInput(errors.New("x")))
}

func TestNew_WithAdvancedStoreStillHydrates(t *testing.T) {
	s := cart.NewStore()
	require.True(t, s.Advance(3))

	e, ft := newTestEngine(t, WithStore(s))
	ft.SetCart(twoLineCart)

	require.NoError(t, e.Observe(context.Background(), identity.Identified("u1", "customer")))
	assert.Equal(t, 3, e.State().ItemCount)
	assert.Equal(t, int64(4), e.Generation())

	require.NoError(t, e.Observe(context.Background(), identity.Identified("u1", "admin")))
	assert.True(t, e.State().IsEmpty(), "non-purchasing identity clears a shared store")
}

func TestObserve_ClockCatchesUpWithStore(t *testing.T) {
	e, ft := newTestEngine(t, WithClock(NewClock()))
	ft.SetCart(twoLineCart)
	e.Store().Advance(7)

	require.NoError(t, e.Observe(context.Background(), identity.Identified("u1", "customer")))
	assert.Equal(t, 3, e.State().ItemCount)
	assert.Equal(t, int64(8), e.Generation())
}

func TestRun_StopDropsQueuedEvents(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.SetCart(twoLineCart)
	require.True(t, e.Enqueue(IdentityEvent(identity.Identified("u1", "customer"))))
	require.True(t, e.Enqueue(RefreshEvent()))

	e.Stop()
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, 0, ft.CallCount(testutil.OpGetCart))
	assert.True(t, e.State().IsEmpty())
}
