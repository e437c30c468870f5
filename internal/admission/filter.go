package admission

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// committedFilter is a sliding-window bloom filter over committed
// identifiers, used as a read fast path in front of the store. Keys are
// added to the "current" filter; lookups check both "current" and
// "previous". Rotation at window/2 keeps a key visible for at least one
// full window, roughly tracking the retention window of the store.
//
// The filter is advisory only: a hit is always confirmed against the store
// before the gate reports Duplicate, so false positives cost one extra read
// and false negatives cost nothing.
type committedFilter struct {
	mu       sync.RWMutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	window   time.Duration
	capacity uint
	fpRate   float64
}

func newCommittedFilter(window time.Duration, capacity uint, fpRate float64) *committedFilter {
	return &committedFilter{
		current:  bloom.NewWithEstimates(capacity, fpRate),
		previous: bloom.NewWithEstimates(capacity, fpRate),
		window:   window,
		capacity: capacity,
		fpRate:   fpRate,
	}
}

// Test reports whether the id may have been committed. False means
// definitely not present in the window.
func (f *committedFilter) Test(id string) bool {
	data := []byte(id)

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current.Test(data) || f.previous.Test(data)
}

// Add records a committed id.
func (f *committedFilter) Add(id string) {
	data := []byte(id)

	f.mu.Lock()
	f.current.Add(data)
	f.mu.Unlock()
}

// Rotate swaps current to previous and starts a fresh current filter.
func (f *committedFilter) Rotate() {
	f.mu.Lock()
	f.previous = f.current
	f.current = bloom.NewWithEstimates(f.capacity, f.fpRate)
	f.mu.Unlock()
}

// Window returns the configured sliding window duration.
func (f *committedFilter) Window() time.Duration {
	return f.window
}
