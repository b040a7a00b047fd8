package core

import (
	"container/list"
	"context"
	"sync"

	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"
)

// IdempotencyChecker implements two-tier deduplication of caller keys
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU of "op:key"
	lru *IdempotencyLRU

	metrics *observability.Metrics
}

func NewIdempotencyChecker(capacity int, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		metrics: metrics,
	}
}

func compositeKey(op, key string) string {
	return op + ":" + key
}

// IsDuplicate checks the LRU, then the event log through the open transaction.
// An empty key never deduplicates.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, tx persistence.Tx, op, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	ck := compositeKey(op, key)
	ic.mu.Lock()
	hit := ic.lru.Contains(ck)
	ic.mu.Unlock()
	if hit {
		ic.record(op, "lru")
		return true, nil
	}

	// Tier 2: committed log, read inside the same transaction
	dup, err := tx.HasIdempotencyKey(ctx, op, key)
	if err != nil {
		return false, err
	}
	if dup {
		ic.record(op, "store")
		ic.MarkProcessed(op, key)
	}
	return dup, nil
}

// MarkProcessed adds key to LRU after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(op, key string) {
	if key == "" {
		return
	}
	ic.mu.Lock()
	ic.lru.Add(compositeKey(op, key))
	size := ic.lru.Size()
	ic.mu.Unlock()
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(size))
	}
}

// Warm loads composite "op:key" entries, newest first, on restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	// Insert oldest first so the newest end up most recently used
	for i := len(keys) - 1; i >= 0; i-- {
		ic.lru.Add(keys[i])
	}
}

func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Size()
}

func (ic *IdempotencyChecker) record(op, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(op, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys. Not thread-safe; the
// checker holds its lock around every access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
