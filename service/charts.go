package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/fleetreplay/aggregate"
	"github.com/timzifer/fleetreplay/config"
	"github.com/timzifer/fleetreplay/realtime"
	"github.com/timzifer/fleetreplay/telemetry"
)

const seedSlots = 4

// chartBinding feeds one configured chart from its sensor state topics.
type chartBinding struct {
	cfg    config.ChartConfig
	topics []string
	logger zerolog.Logger

	counter *aggregate.BooleanDateCounter
	battery *aggregate.BatteryGauge

	subs []*realtime.Subscription
}

type chartView struct {
	ID          string             `json:"id"`
	Type        config.ChartKind   `json:"type"`
	Topics      []string           `json:"topics"`
	Granularity string             `json:"granularity,omitempty"`
	Signal      string             `json:"signal,omitempty"`
	Buckets     []aggregate.Bucket `json:"buckets,omitempty"`
	Levels      []aggregate.Level  `json:"levels,omitempty"`
}

func buildCharts(cfgs []config.ChartConfig, logger zerolog.Logger, collector telemetry.Collector) ([]*chartBinding, error) {
	charts := make([]*chartBinding, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		id := strings.TrimSpace(cfg.ID)
		if id == "" {
			return nil, fmt.Errorf("chart without id")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("chart %s declared twice", id)
		}
		seen[id] = struct{}{}
		chart, err := newChartBinding(cfg, logger, collector)
		if err != nil {
			return nil, fmt.Errorf("chart %s: %w", id, err)
		}
		charts = append(charts, chart)
	}
	return charts, nil
}

func newChartBinding(cfg config.ChartConfig, logger zerolog.Logger, collector telemetry.Collector) (*chartBinding, error) {
	if len(cfg.Machines) == 0 {
		return nil, fmt.Errorf("at least one machine is required")
	}
	chart := &chartBinding{
		cfg:    cfg,
		logger: logger.With().Str("component", "chart").Str("chart", cfg.ID).Logger(),
	}
	seen := make(map[string]struct{}, len(cfg.Machines))
	for _, m := range cfg.Machines {
		topic := realtime.Topic(strings.TrimSpace(m.Sensor), strings.TrimSpace(m.Machine))
		if !realtime.ValidTopic(topic) {
			return nil, fmt.Errorf("machine %q sensor %q does not form a valid topic", m.Machine, m.Sensor)
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		chart.topics = append(chart.topics, topic)
	}

	switch cfg.Type {
	case config.ChartBooleanDate:
		g, err := aggregate.ParseGranularity(cfg.Granularity)
		if err != nil {
			return nil, err
		}
		chart.counter = aggregate.NewBooleanDateCounter(g)
	case config.ChartBattery:
		strategy, err := aggregate.ParseStrategy(cfg.Strategy)
		if err != nil {
			return nil, err
		}
		gauge, err := aggregate.NewBatteryGauge(aggregate.BatteryGaugeOptions{
			Chart:     cfg.ID,
			Signal:    cfg.Signal,
			Strategy:  strategy,
			Capacity:  cfg.Buffer,
			Logger:    chart.logger,
			Collector: collector,
		})
		if err != nil {
			return nil, err
		}
		chart.battery = gauge
	default:
		return nil, fmt.Errorf("unknown chart type %q", cfg.Type)
	}
	return chart, nil
}

func (c *chartBinding) handle(topic string, events []realtime.SensorState) {
	switch {
	case c.counter != nil:
		c.counter.Handle(topic, events)
	case c.battery != nil:
		c.battery.Handle(topic, events)
	}
}

func (c *chartBinding) subscribe(hub *realtime.Hub) error {
	for _, topic := range c.topics {
		sub, err := hub.Subscribe(topic, c.handle)
		if err != nil {
			c.close()
			return fmt.Errorf("chart %s: %w", c.cfg.ID, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

func (c *chartBinding) close() {
	for _, sub := range c.subs {
		sub.Close()
	}
	c.subs = nil
}

func (c *chartBinding) flush() {
	if c.battery != nil {
		c.battery.Flush()
	}
}

func (c *chartBinding) view() chartView {
	view := chartView{ID: c.cfg.ID, Type: c.cfg.Type, Topics: append([]string(nil), c.topics...)}
	switch {
	case c.counter != nil:
		view.Granularity = string(c.counter.Granularity())
		view.Buckets = c.counter.Buckets()
		if view.Buckets == nil {
			view.Buckets = []aggregate.Bucket{}
		}
	case c.battery != nil:
		view.Signal = c.cfg.Signal
		view.Levels = c.battery.Levels()
		if view.Levels == nil {
			view.Levels = []aggregate.Level{}
		}
	}
	return view
}

func (s *Service) chart(id string) *chartBinding {
	for _, chart := range s.charts {
		if chart.cfg.ID == id {
			return chart
		}
	}
	return nil
}

// history counts the stored events of a boolean date chart within [min, max].
func (s *Service) history(ctx context.Context, chart *chartBinding, min, max time.Time) ([]aggregate.Bucket, error) {
	events, err := s.store.SensorStates(ctx, chart.topics, min, max)
	if err != nil {
		return nil, err
	}
	return aggregate.CountBooleanDate(chart.counter.Granularity(), events), nil
}

// seedCharts loads the default history window of every boolean date chart,
// from the upstream collaborator when one is configured and from the store
// otherwise.
func (s *Service) seedCharts(ctx context.Context) error {
	counters := make([]*chartBinding, 0, len(s.charts))
	for _, chart := range s.charts {
		if chart.counter != nil {
			counters = append(counters, chart)
		}
	}
	return runWorkerPool(ctx, seedSlots, counters, func(ctx context.Context, chart *chartBinding) error {
		min, max := aggregate.DefaultWindow(chart.counter.Granularity(), s.now())
		var (
			buckets []aggregate.Bucket
			err     error
		)
		if s.remote != nil {
			buckets, err = s.remote.CountBooleanDate(ctx, chart.cfg.ID, min, max)
		} else {
			buckets, err = s.history(ctx, chart, min, max)
		}
		if err != nil {
			return fmt.Errorf("seed chart %s: %w", chart.cfg.ID, err)
		}
		chart.counter.Seed(buckets)
		chart.logger.Debug().Int("buckets", len(buckets)).Msg("chart history loaded")
		return nil
	})
}
