package aggregate

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/timzifer/fleetreplay/realtime"
	"github.com/timzifer/fleetreplay/telemetry"
)

// Level is the latest battery reading of one machine.
type Level struct {
	Machine   string          `json:"machine"`
	Value     decimal.Decimal `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
	Samples   int             `json:"samples"`
}

// BatteryGaugeOptions configures a BatteryGauge.
type BatteryGaugeOptions struct {
	Chart     string
	Signal    string
	Strategy  Strategy
	Capacity  int
	Logger    zerolog.Logger
	Collector telemetry.Collector
}

// BatteryGauge buffers the battery signal of each machine and publishes one
// level per machine on every flush.
type BatteryGauge struct {
	chart     string
	signal    string
	strategy  Strategy
	capacity  int
	logger    zerolog.Logger
	collector telemetry.Collector

	mu      sync.Mutex
	buffers map[string]*SignalBuffer
	dropped map[string]uint64
	levels  map[string]Level
}

// NewBatteryGauge creates a gauge. Signal defaults to "battery", the
// strategy to last and the per-machine capacity to 64 samples.
func NewBatteryGauge(opts BatteryGaugeOptions) (*BatteryGauge, error) {
	if opts.Signal == "" {
		opts.Signal = "battery"
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyLast
	}
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	if opts.Capacity == 0 {
		opts.Capacity = 64
	}
	if opts.Capacity < 0 {
		return nil, errors.New("battery gauge capacity must be positive")
	}
	if opts.Collector == nil {
		opts.Collector = telemetry.Noop()
	}
	return &BatteryGauge{
		chart:     opts.Chart,
		signal:    opts.Signal,
		strategy:  opts.Strategy,
		capacity:  opts.Capacity,
		logger:    opts.Logger,
		collector: opts.Collector,
		buffers:   make(map[string]*SignalBuffer),
		dropped:   make(map[string]uint64),
		levels:    make(map[string]Level),
	}, nil
}

// Handle buffers the battery signal of every event. Events without a numeric
// battery signal are skipped.
func (g *BatteryGauge) Handle(_ string, events []realtime.SensorState) {
	for _, event := range events {
		raw, ok := event.Value(g.signal)
		if !ok {
			continue
		}
		value, err := ToDecimal(raw)
		if err != nil {
			g.logger.Debug().Err(err).Str("machine", event.IDMachine).Msg("skipping non numeric battery value")
			continue
		}
		buf, err := g.buffer(event.IDMachine)
		if err != nil {
			g.logger.Error().Err(err).Msg("battery buffer unavailable")
			return
		}
		if err := buf.Push(event.DateServer, value); err != nil && !errors.Is(err, ErrSignalBufferOverflow) {
			g.logger.Error().Err(err).Str("machine", event.IDMachine).Msg("failed to buffer battery value")
		}
	}
}

func (g *BatteryGauge) buffer(machine string) (*SignalBuffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if buf, ok := g.buffers[machine]; ok {
		return buf, nil
	}
	buf, err := NewSignalBuffer(g.capacity)
	if err != nil {
		return nil, err
	}
	g.buffers[machine] = buf
	return buf, nil
}

// Flush collapses every machine buffer. A level only replaces the stored one
// when it is not older.
func (g *BatteryGauge) Flush() {
	g.mu.Lock()
	machines := make([]string, 0, len(g.buffers))
	for machine := range g.buffers {
		machines = append(machines, machine)
	}
	g.mu.Unlock()
	sort.Strings(machines)

	for _, machine := range machines {
		g.mu.Lock()
		buf := g.buffers[machine]
		g.mu.Unlock()

		agg, ok, err := buf.Flush(g.strategy)
		if dropped := buf.Dropped(); dropped > 0 {
			g.mu.Lock()
			delta := dropped - g.dropped[machine]
			g.dropped[machine] = dropped
			g.mu.Unlock()
			if delta > 0 {
				g.collector.IncBufferDropped(g.chart, machine, delta)
			}
		}
		if err != nil {
			g.logger.Error().Err(err).Str("machine", machine).Msg("battery aggregation failed")
			continue
		}
		if !ok {
			continue
		}
		g.mu.Lock()
		current, exists := g.levels[machine]
		if !exists || !agg.Timestamp.Before(current.Timestamp) {
			g.levels[machine] = Level{Machine: machine, Value: agg.Value, Timestamp: agg.Timestamp, Samples: agg.Count}
		}
		g.mu.Unlock()
	}
}

// Levels returns the current level of every machine, sorted by machine.
func (g *BatteryGauge) Levels() []Level {
	g.mu.Lock()
	out := make([]Level, 0, len(g.levels))
	for _, level := range g.levels {
		out = append(out, level)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Machine < out[j].Machine })
	return out
}
