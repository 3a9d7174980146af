// Package dedup tracks which (recipient, item) pairs were already delivered
// during this process lifetime.
package dedup

import (
	"math"
	"sync"
)

const (
	// DefaultCapacity is the entry count above which eviction kicks in.
	DefaultCapacity = 1000
	// DefaultEvictFraction is the share of oldest entries dropped per eviction pass.
	DefaultEvictFraction = 0.1
)

// Ledger records deliveries. Implementations must make Claim atomic so that
// concurrent callers for the same key observe exactly one winner.
type Ledger interface {
	Has(recipientID, itemID string) bool
	Mark(recipientID, itemID string)
	Claim(recipientID, itemID string) bool
}

type key struct {
	recipientID string
	itemID      string
}

// MemoryLedger is a bounded in-memory Ledger. Eviction is by insertion order,
// not recency: a very old key may be delivered again after heavy churn.
type MemoryLedger struct {
	mu       sync.Mutex
	entries  map[key]struct{}
	order    []key
	capacity int
	evict    int
}

// Config sizes a MemoryLedger.
type Config struct {
	Capacity      int
	EvictFraction float64
}

// NewMemoryLedger constructs a ledger; zero values fall back to the defaults.
func NewMemoryLedger(cfg Config) *MemoryLedger {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	fraction := cfg.EvictFraction
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultEvictFraction
	}
	evict := int(math.Round(float64(capacity) * fraction))
	if evict < 1 {
		evict = 1
	}
	return &MemoryLedger{
		entries:  make(map[key]struct{}, capacity+1),
		order:    make([]key, 0, capacity+1),
		capacity: capacity,
		evict:    evict,
	}
}

// Has reports whether the pair was marked and not yet evicted.
func (l *MemoryLedger) Has(recipientID, itemID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key{recipientID: recipientID, itemID: itemID}]
	return ok
}

// Mark records the pair; marking an existing pair keeps its original position.
func (l *MemoryLedger) Mark(recipientID, itemID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertLocked(key{recipientID: recipientID, itemID: itemID})
}

// Claim marks the pair and returns true if it was absent, false otherwise.
func (l *MemoryLedger) Claim(recipientID, itemID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertLocked(key{recipientID: recipientID, itemID: itemID})
}

// Len returns the number of tracked pairs.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryLedger) insertLocked(k key) bool {
	if _, ok := l.entries[k]; ok {
		return false
	}
	l.entries[k] = struct{}{}
	l.order = append(l.order, k)
	if len(l.entries) > l.capacity {
		l.evictLocked()
	}
	return true
}

func (l *MemoryLedger) evictLocked() {
	count := l.evict
	if count > len(l.order) {
		count = len(l.order)
	}
	for _, stale := range l.order[:count] {
		delete(l.entries, stale)
	}
	remaining := make([]key, len(l.order)-count, l.capacity+1)
	copy(remaining, l.order[count:])
	l.order = remaining
}
