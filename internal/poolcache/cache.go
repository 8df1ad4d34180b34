// internal/poolcache/cache.go
package poolcache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/curvestream/curvestream/internal/events"
)

// Reserves is the latest known balance snapshot for one mint. Amounts are in
// their smallest units.
type Reserves struct {
	Mint string
	Pool string

	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
	RealSolReserves      uint64
	RealTokenReserves    uint64

	Complete bool
	Slot     uint64

	// Stamped on accept when zero.
	UpdatedAt time.Time
}

// Cache maps mint to the latest reserves and pool address back to mint.
// Updates are slot-monotonic per mint: an update older than what the cache
// already holds is rejected, so out-of-order stream delivery cannot roll a
// price backwards.
type Cache struct {
	mu         sync.RWMutex
	byMint     map[string]Reserves
	mintByPool map[string]string

	updates  uint64
	rejected uint64

	bus    *events.Bus
	logger *zap.Logger
}

// Stats is a counter snapshot.
type Stats struct {
	Size     int
	Updates  uint64
	Rejected uint64
}

// NewCache builds an empty cache. bus may be nil.
func NewCache(logger *zap.Logger, bus *events.Bus) *Cache {
	return &Cache{
		byMint:     make(map[string]Reserves),
		mintByPool: make(map[string]string),
		bus:        bus,
		logger:     logger.Named("pool_cache"),
	}
}

// Update stores r when its slot is at least the stored slot for the mint.
// Returns false when the update lost the race to a newer snapshot.
func (c *Cache) Update(r Reserves) bool {
	if r.Mint == "" {
		return false
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}

	c.mu.Lock()
	if cur, ok := c.byMint[r.Mint]; ok {
		if r.Slot < cur.Slot {
			c.rejected++
			c.mu.Unlock()
			c.logger.Debug("Rejected stale pool state",
				zap.String("mint", r.Mint),
				zap.Uint64("update_slot", r.Slot),
				zap.Uint64("cached_slot", cur.Slot))
			return false
		}
		// Graduation is one-way; a later snapshot cannot clear it.
		if cur.Complete {
			r.Complete = true
		}
	}
	c.byMint[r.Mint] = r
	if r.Pool != "" {
		c.mintByPool[r.Pool] = r.Mint
	}
	c.updates++
	c.mu.Unlock()

	if c.bus != nil {
		_ = c.bus.Publish(events.PoolStateUpdatedEvent{
			BaseEvent:            events.Base(events.PoolStateUpdated),
			Mint:                 r.Mint,
			Pool:                 r.Pool,
			Slot:                 r.Slot,
			VirtualSolReserves:   r.VirtualSolReserves,
			VirtualTokenReserves: r.VirtualTokenReserves,
		})
	}
	return true
}

// Get returns the latest reserves for a mint.
func (c *Cache) Get(mint string) (Reserves, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byMint[mint]
	return r, ok
}

// GetByPool resolves a pool address to its mint's reserves.
func (c *Cache) GetByPool(pool string) (Reserves, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mint, ok := c.mintByPool[pool]
	if !ok {
		return Reserves{}, false
	}
	r, ok := c.byMint[mint]
	return r, ok
}

// Fresh returns the reserves for a mint only when they are younger than
// maxAge.
func (c *Cache) Fresh(mint string, maxAge time.Duration) (Reserves, bool) {
	r, ok := c.Get(mint)
	if !ok || time.Since(r.UpdatedAt) > maxAge {
		return Reserves{}, false
	}
	return r, true
}

// MarkComplete sets the completion flag for a mint. The flag never clears.
func (c *Cache) MarkComplete(mint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.byMint[mint]; ok && !r.Complete {
		r.Complete = true
		c.byMint[mint] = r
	}
}

// Len returns the number of tracked mints.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byMint)
}

// RejectedCount returns how many updates lost to a newer slot.
func (c *Cache) RejectedCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rejected
}

// StatsSnapshot returns the counter totals.
func (c *Cache) StatsSnapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Size:     len(c.byMint),
		Updates:  c.updates,
		Rejected: c.rejected,
	}
}
