package cart

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_StartsEmpty(t *testing.T) {
	s := NewStore()
	snap := s.Snapshot()
	assert.True(t, snap.IsEmpty())
	assert.Equal(t, 0, snap.ItemCount)
	assert.Equal(t, int64(0), s.Generation())
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := NewStore()
	s.Dispatch(AddItem{Product: product("A", "1"), Quantity: 1})

	snap := s.Snapshot()
	snap.Lines[0].Quantity = 99

	assert.Equal(t, 1, s.Snapshot().Lines[0].Quantity)
}

func TestStore_Advance_Monotonic(t *testing.T) {
	s := NewStore()
	assert.True(t, s.Advance(1))
	assert.True(t, s.Advance(5))
	assert.False(t, s.Advance(5))
	assert.False(t, s.Advance(3))
	assert.Equal(t, int64(5), s.Generation())
}

func TestStore_DispatchAt_DiscardsStaleGeneration(t *testing.T) {
	s := NewStore()
	s.Advance(1)
	_, applied := s.DispatchAt(1, AddItem{Product: product("A", "1"), Quantity: 1})
	require.True(t, applied)

	s.Advance(2)
	state, applied := s.DispatchAt(1, Hydrate{Lines: nil})
	assert.False(t, applied)
	assert.Len(t, state.Lines, 1, "stale hydrate must not wipe newer state")
	assert.Len(t, s.Snapshot().Lines, 1)
}

func TestStore_SubscribeReceivesLatest(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Dispatch(AddItem{Product: product("A", "1"), Quantity: 1})
	s.Dispatch(AddItem{Product: product("A", "1"), Quantity: 1})

	select {
	case snap := <-ch:
		assert.Equal(t, 2, snap.ItemCount, "unread snapshots are coalesced to the newest")
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestStore_UnsubscribeClosesChannel(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
}

func TestStore_CloseClosesSubscriptions(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Close()
	_, ok := <-ch
	assert.False(t, ok)

	late, lateCancel := s.Subscribe()
	defer lateCancel()
	_, ok = <-late
	assert.False(t, ok, "subscribing after Close yields a closed channel")
}

func TestStore_ConcurrentDispatch(t *testing.T) {
	s := NewStore()
	p := product("A", "2")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Dispatch(AddItem{Product: p, Quantity: 1})
			_ = s.Snapshot()
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, 50, snap.ItemCount)
	assertDecimal(t, "100", snap.Total)
}
