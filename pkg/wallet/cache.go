package wallet

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// balanceEntry is one cached account balance. lastSyncedAt records the last
// confirmed agreement with the durable store; lastMutatedAt records the last
// in-memory write. seq increments on every mutation so a flush that raced a
// concurrent write never clears the dirty flag for a value it did not persist.
type balanceEntry struct {
	balance       int64
	lastSyncedAt  time.Time
	lastMutatedAt time.Time
	dirty         bool
	seq           uint64
}

// ledgerCache is the write-back balance cache. The durable store is the
// source of truth on cold start and after eviction; while an entry is cached,
// the in-memory value is authoritative.
type ledgerCache struct {
	mu        sync.Mutex
	entries   map[string]*balanceEntry
	loadGroup singleflight.Group
	store     Store
	nowFn     func() time.Time
	metrics   *Metrics
}

func newLedgerCache(store Store, now func() time.Time, metrics *Metrics) *ledgerCache {
	return &ledgerCache{
		entries: make(map[string]*balanceEntry),
		store:   store,
		nowFn:   now,
		metrics: metrics,
	}
}

// balance returns the cached value, hydrating from the durable store on a
// miss. Concurrent misses for the same account issue a single store read.
func (cache *ledgerCache) balance(ctx context.Context, accountID AccountID) (int64, error) {
	key := accountID.String()
	cache.mu.Lock()
	if entry, ok := cache.entries[key]; ok {
		value := entry.balance
		cache.mu.Unlock()
		cache.metrics.cacheHit()
		return value, nil
	}
	cache.mu.Unlock()

	loaded, err, _ := cache.loadGroup.Do(key, func() (any, error) {
		stored, readErr := cache.store.ReadBalance(ctx, accountID)
		if readErr != nil {
			return int64(0), readErr
		}
		cache.mu.Lock()
		defer cache.mu.Unlock()
		entry, ok := cache.entries[key]
		if !ok {
			now := cache.nowFn()
			entry = &balanceEntry{balance: stored, lastSyncedAt: now, lastMutatedAt: now}
			cache.entries[key] = entry
		}
		cache.metrics.cacheSizes(cache.sizesLocked())
		return entry.balance, nil
	})
	if err != nil {
		return 0, err
	}
	cache.metrics.cacheMiss()
	return loaded.(int64), nil
}

// setBalance overwrites the cached value and marks the entry dirty. The entry
// must already be cached; callers read through balance first.
func (cache *ledgerCache) setBalance(accountID AccountID, newBalance int64) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	entry, ok := cache.entries[accountID.String()]
	if !ok {
		now := cache.nowFn()
		entry = &balanceEntry{lastSyncedAt: now}
		cache.entries[accountID.String()] = entry
	}
	entry.balance = newBalance
	entry.dirty = true
	entry.seq++
	entry.lastMutatedAt = cache.nowFn()
	cache.metrics.cacheSizes(cache.sizesLocked())
}

// flushOne persists the entry's current value if it is dirty. The dirty flag
// clears only when no mutation landed between the snapshot and the confirmed
// write; otherwise the entry stays dirty for the next cycle.
func (cache *ledgerCache) flushOne(ctx context.Context, accountID AccountID) error {
	key := accountID.String()
	cache.mu.Lock()
	entry, ok := cache.entries[key]
	if !ok || !entry.dirty {
		cache.mu.Unlock()
		return nil
	}
	snapshotBalance := entry.balance
	snapshotSeq := entry.seq
	cache.mu.Unlock()

	if err := cache.store.WriteBalance(ctx, accountID, snapshotBalance); err != nil {
		cache.metrics.flushFailure()
		return WrapError(operationFlush, errorSubjectBalance, errorCodeWrite, err)
	}

	cache.mu.Lock()
	if entry, ok := cache.entries[key]; ok && entry.seq == snapshotSeq {
		entry.dirty = false
		entry.lastSyncedAt = cache.nowFn()
	}
	cache.metrics.cacheSizes(cache.sizesLocked())
	cache.mu.Unlock()
	cache.metrics.flushedRows(1)
	return nil
}

type flushSnapshot struct {
	accountID AccountID
	balance   int64
	seq       uint64
}

// flushAllDirty persists up to maxBatch dirty entries in one store
// transaction. On failure every entry stays dirty for retry; on success the
// dirty flags clear per entry under the same seq guard as flushOne. Returns
// the number of entries confirmed persisted.
func (cache *ledgerCache) flushAllDirty(ctx context.Context, maxBatch int) (int, error) {
	cache.mu.Lock()
	batch := make([]flushSnapshot, 0, maxBatch)
	for key, entry := range cache.entries {
		if !entry.dirty {
			continue
		}
		accountID, err := NewAccountID(key)
		if err != nil {
			continue
		}
		batch = append(batch, flushSnapshot{accountID: accountID, balance: entry.balance, seq: entry.seq})
		if len(batch) >= maxBatch {
			break
		}
	}
	cache.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	err := cache.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		for _, row := range batch {
			if writeErr := txStore.WriteBalance(ctx, row.accountID, row.balance); writeErr != nil {
				return writeErr
			}
		}
		return nil
	})
	if err != nil {
		cache.metrics.flushFailure()
		return 0, WrapError(operationFlush, errorSubjectBalance, errorCodeWrite, err)
	}

	now := cache.nowFn()
	cache.mu.Lock()
	for _, row := range batch {
		entry, ok := cache.entries[row.accountID.String()]
		if !ok {
			continue
		}
		if entry.seq == row.seq {
			entry.dirty = false
			entry.lastSyncedAt = now
		}
	}
	cache.metrics.cacheSizes(cache.sizesLocked())
	cache.mu.Unlock()
	cache.metrics.flushedRows(len(batch))
	return len(batch), nil
}

// evictStale removes clean entries whose last confirmed sync predates
// now-maxAge. Dirty entries always survive the sweep.
func (cache *ledgerCache) evictStale(maxAge time.Duration) int {
	cutoff := cache.nowFn().Add(-maxAge)
	cache.mu.Lock()
	defer cache.mu.Unlock()
	evicted := 0
	for key, entry := range cache.entries {
		if entry.dirty {
			continue
		}
		if entry.lastSyncedAt.Before(cutoff) {
			delete(cache.entries, key)
			evicted++
		}
	}
	cache.metrics.cacheEvictions(evicted)
	cache.metrics.cacheSizes(cache.sizesLocked())
	return evicted
}

func (cache *ledgerCache) sizesLocked() (int, int) {
	dirty := 0
	for _, entry := range cache.entries {
		if entry.dirty {
			dirty++
		}
	}
	return len(cache.entries), dirty
}

func (cache *ledgerCache) stats() (int, int) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.sizesLocked()
}
