package poolcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/curvestream/curvestream/internal/events"
)

func TestCache_UpdateAndGet(t *testing.T) {
	c := NewCache(zaptest.NewLogger(t), nil)

	ok := c.Update(Reserves{
		Mint:                 "MintA",
		Pool:                 "PoolA",
		VirtualSolReserves:   30_500_000_000,
		VirtualTokenReserves: 1_050_000_000_000_000,
		Slot:                 100,
	})
	require.True(t, ok)

	r, ok := c.Get("MintA")
	require.True(t, ok)
	assert.Equal(t, uint64(30_500_000_000), r.VirtualSolReserves)
	assert.Equal(t, uint64(100), r.Slot)
	assert.False(t, r.UpdatedAt.IsZero(), "accept stamps the update time")

	byPool, ok := c.GetByPool("PoolA")
	require.True(t, ok)
	assert.Equal(t, "MintA", byPool.Mint)

	_, ok = c.Get("MintB")
	assert.False(t, ok)
	_, ok = c.GetByPool("PoolB")
	assert.False(t, ok)
}

func TestCache_RejectsOlderSlot(t *testing.T) {
	c := NewCache(zaptest.NewLogger(t), nil)

	require.True(t, c.Update(Reserves{Mint: "MintA", VirtualSolReserves: 10, Slot: 50}))
	assert.False(t, c.Update(Reserves{Mint: "MintA", VirtualSolReserves: 99, Slot: 49}))

	r, _ := c.Get("MintA")
	assert.Equal(t, uint64(10), r.VirtualSolReserves, "older slot must not overwrite")
	assert.Equal(t, uint64(1), c.RejectedCount())

	// Equal slot is a re-delivery of the same state and is accepted.
	assert.True(t, c.Update(Reserves{Mint: "MintA", VirtualSolReserves: 11, Slot: 50}))
	assert.True(t, c.Update(Reserves{Mint: "MintA", VirtualSolReserves: 12, Slot: 51}))

	r, _ = c.Get("MintA")
	assert.Equal(t, uint64(12), r.VirtualSolReserves)
}

func TestCache_ConcurrentWritersKeepMaxSlot(t *testing.T) {
	c := NewCache(zaptest.NewLogger(t), nil)

	const writers = 64
	var wg sync.WaitGroup
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(slot uint64) {
			defer wg.Done()
			c.Update(Reserves{Mint: "MintA", VirtualSolReserves: slot, Slot: slot})
		}(uint64(i))
	}
	wg.Wait()

	r, ok := c.Get("MintA")
	require.True(t, ok)
	assert.Equal(t, uint64(writers), r.Slot, "highest slot wins regardless of arrival order")
	assert.Equal(t, uint64(writers), r.VirtualSolReserves)

	stats := c.StatsSnapshot()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(writers), stats.Updates+stats.Rejected)
}

func TestCache_Fresh(t *testing.T) {
	c := NewCache(zaptest.NewLogger(t), nil)

	c.Update(Reserves{Mint: "MintA", Slot: 1, UpdatedAt: time.Now().Add(-2 * time.Minute)})
	_, ok := c.Fresh("MintA", time.Minute)
	assert.False(t, ok, "two-minute-old state is not fresh at a one-minute bound")

	c.Update(Reserves{Mint: "MintA", Slot: 2})
	_, ok = c.Fresh("MintA", time.Minute)
	assert.True(t, ok)
}

func TestCache_MarkComplete(t *testing.T) {
	c := NewCache(zaptest.NewLogger(t), nil)

	c.Update(Reserves{Mint: "MintA", Slot: 1})
	c.MarkComplete("MintA")

	r, _ := c.Get("MintA")
	assert.True(t, r.Complete)

	c.MarkComplete("MintUnknown") // unknown mint is a no-op
	assert.Equal(t, 1, c.Len())
}

func TestCache_CompleteSurvivesLaterUpdates(t *testing.T) {
	c := NewCache(zaptest.NewLogger(t), nil)

	c.Update(Reserves{Mint: "MintA", Slot: 1})
	c.MarkComplete("MintA")

	// A newer snapshot without the flag (an AMM-side update has no curve
	// completion to report) must not roll the graduation back.
	require.True(t, c.Update(Reserves{Mint: "MintA", VirtualSolReserves: 5, Slot: 2, Complete: false}))

	r, ok := c.Get("MintA")
	require.True(t, ok)
	assert.True(t, r.Complete)
	assert.Equal(t, uint64(2), r.Slot)
	assert.Equal(t, uint64(5), r.VirtualSolReserves)
}

func TestCache_PublishesUpdateEvents(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t), 16)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	}()

	got := make(chan events.PoolStateUpdatedEvent, 1)
	bus.SubscribeFunc(events.PoolStateUpdated, func(_ context.Context, e events.Event) error {
		got <- e.(events.PoolStateUpdatedEvent)
		return nil
	})

	c := NewCache(zaptest.NewLogger(t), bus)
	c.Update(Reserves{Mint: "MintA", Pool: "PoolA", VirtualSolReserves: 7, Slot: 3})

	select {
	case ev := <-got:
		assert.Equal(t, "MintA", ev.Mint)
		assert.Equal(t, "PoolA", ev.Pool)
		assert.Equal(t, uint64(3), ev.Slot)
		assert.Equal(t, uint64(7), ev.VirtualSolReserves)
	case <-time.After(2 * time.Second):
		t.Fatal("no pool state event")
	}
}
