package aggregate

import (
	"sort"
	"sync"

	"github.com/timzifer/fleetreplay/realtime"
)

// BooleanDateCounter counts sensor state events carrying at least one truthy
// signal per day, week or month.
type BooleanDateCounter struct {
	granularity Granularity

	mu      sync.Mutex
	buckets []Bucket
}

// NewBooleanDateCounter creates an empty counter.
func NewBooleanDateCounter(g Granularity) *BooleanDateCounter {
	if g == "" {
		g = Day
	}
	return &BooleanDateCounter{granularity: g}
}

// Granularity returns the bucket width.
func (c *BooleanDateCounter) Granularity() Granularity {
	return c.granularity
}

// Seed replaces the counted buckets, typically with history loaded from storage.
func (c *BooleanDateCounter) Seed(buckets []Bucket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = append([]Bucket(nil), buckets...)
}

// Fold counts every truthy event into its bucket, appending buckets not seen
// before. It returns the number of events counted.
func (c *BooleanDateCounter) Fold(events []realtime.SensorState) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	counted := 0
	for _, event := range events {
		if !event.AnyTruthy() {
			continue
		}
		key := c.granularity.key(event.DateServer)
		idx := -1
		for i := range c.buckets {
			if sameBucket(c.buckets[i], key) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			c.buckets[idx].Total++
		} else {
			key.Total = 1
			c.buckets = append(c.buckets, key)
		}
		counted++
	}
	return counted
}

// Handle adapts Fold to a realtime subscription handler.
func (c *BooleanDateCounter) Handle(_ string, events []realtime.SensorState) {
	c.Fold(events)
}

// Buckets returns a copy of the buckets in chronological order.
func (c *BooleanDateCounter) Buckets() []Bucket {
	c.mu.Lock()
	out := append([]Bucket{}, c.buckets...)
	c.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].start().Before(out[j].start())
	})
	return out
}

// CountBooleanDate folds history into fresh buckets.
func CountBooleanDate(g Granularity, events []realtime.SensorState) []Bucket {
	counter := NewBooleanDateCounter(g)
	counter.Fold(events)
	return counter.Buckets()
}
