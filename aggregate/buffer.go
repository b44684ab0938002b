package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Strategy controls how buffered samples are collapsed during a flush.
type Strategy string

const (
	// StrategyLast keeps only the most recent value.
	StrategyLast Strategy = "last"
	// StrategySum adds the values.
	StrategySum Strategy = "sum"
	// StrategyMean averages the values.
	StrategyMean Strategy = "mean"
	// StrategyMin selects the minimum value.
	StrategyMin Strategy = "min"
	// StrategyMax selects the maximum value.
	StrategyMax Strategy = "max"
	// StrategyCount counts the samples.
	StrategyCount Strategy = "count"
)

// ErrSignalBufferOverflow is returned when a push overwrites the oldest sample.
var ErrSignalBufferOverflow = errors.New("signal buffer overflow")

// ParseStrategy normalises the textual representation of a strategy.
func ParseStrategy(value string) (Strategy, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return StrategyLast, nil
	}
	switch Strategy(value) {
	case StrategyLast, StrategySum, StrategyMean, StrategyMin, StrategyMax, StrategyCount:
		return Strategy(value), nil
	default:
		return "", fmt.Errorf("unknown aggregation strategy %q", value)
	}
}

type sample struct {
	value decimal.Decimal
	ts    time.Time
}

// Aggregate is the collapsed view of a buffer after flushing.
type Aggregate struct {
	Value     decimal.Decimal
	Timestamp time.Time
	Count     int
	Overflow  bool
}

// SignalBuffer is a fixed-size ring buffer of numeric samples.
type SignalBuffer struct {
	capacity int

	mu       sync.Mutex
	samples  []sample
	head     int
	size     int
	overflow bool
	dropped  uint64
}

// NewSignalBuffer creates a buffer holding at most capacity samples.
func NewSignalBuffer(capacity int) (*SignalBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("signal buffer must have positive capacity, got %d", capacity)
	}
	return &SignalBuffer{capacity: capacity, samples: make([]sample, capacity)}, nil
}

// Capacity returns the maximum number of retained samples.
func (b *SignalBuffer) Capacity() int {
	return b.capacity
}

// Len returns the number of buffered samples.
func (b *SignalBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns the number of samples overwritten since creation.
func (b *SignalBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Push stores a sample. A full buffer overwrites its oldest sample and
// reports ErrSignalBufferOverflow.
func (b *SignalBuffer) Push(ts time.Time, value decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := sample{value: value, ts: ts}
	if b.size < b.capacity {
		b.samples[(b.head+b.size)%b.capacity] = s
		b.size++
		return nil
	}
	b.samples[b.head] = s
	b.head = (b.head + 1) % b.capacity
	b.overflow = true
	b.dropped++
	return ErrSignalBufferOverflow
}

// Flush empties the buffer and collapses its samples. ok is false when the
// buffer held no samples.
func (b *SignalBuffer) Flush(strategy Strategy) (agg Aggregate, ok bool, err error) {
	b.mu.Lock()
	samples := make([]sample, b.size)
	for i := 0; i < b.size; i++ {
		samples[i] = b.samples[(b.head+i)%b.capacity]
	}
	overflow := b.overflow
	b.head = 0
	b.size = 0
	b.overflow = false
	b.mu.Unlock()

	if len(samples) == 0 {
		return Aggregate{Overflow: overflow}, false, nil
	}
	agg, err = collapse(strategy, samples)
	if err != nil {
		return Aggregate{}, false, err
	}
	agg.Count = len(samples)
	agg.Overflow = overflow
	return agg, true, nil
}

func collapse(strategy Strategy, samples []sample) (Aggregate, error) {
	last := samples[len(samples)-1]
	switch strategy {
	case "", StrategyLast:
		return Aggregate{Value: last.value, Timestamp: last.ts}, nil
	case StrategyCount:
		return Aggregate{Value: decimal.NewFromInt(int64(len(samples))), Timestamp: last.ts}, nil
	case StrategySum, StrategyMean:
		sum := decimal.Zero
		for _, s := range samples {
			sum = sum.Add(s.value)
		}
		if strategy == StrategyMean {
			sum = sum.Div(decimal.NewFromInt(int64(len(samples))))
		}
		return Aggregate{Value: sum, Timestamp: last.ts}, nil
	case StrategyMin:
		values := make([]decimal.Decimal, len(samples))
		for i, s := range samples {
			values[i] = s.value
		}
		return Aggregate{Value: decimal.Min(values[0], values[1:]...), Timestamp: last.ts}, nil
	case StrategyMax:
		values := make([]decimal.Decimal, len(samples))
		for i, s := range samples {
			values[i] = s.value
		}
		return Aggregate{Value: decimal.Max(values[0], values[1:]...), Timestamp: last.ts}, nil
	default:
		return Aggregate{}, fmt.Errorf("unsupported aggregation strategy %q", strategy)
	}
}

// ToDecimal converts a decoded signal value into a decimal.
func ToDecimal(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case bool:
		if v {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("value %T is not numeric", value)
	}
}
