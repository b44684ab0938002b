package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the service.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. Hooks run inline with playback ticks and realtime
// fan-out, so they should be inexpensive to call.
type Collector interface {
	IncHotReload(file string)
	IncPlaybackTick()
	SetActiveSessions(count int)
	IncRealtimeEvents(topic string, count int)
	SetSubscriptions(count int)
	IncFetchFailure(kind string)
	IncBufferDropped(chart, machine string, count uint64)
	IncIngested(source string, count int)
	IncIngestFailure(source string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                     {}
func (noopCollector) IncPlaybackTick()                        {}
func (noopCollector) SetActiveSessions(int)                   {}
func (noopCollector) IncRealtimeEvents(string, int)           {}
func (noopCollector) SetSubscriptions(int)                    {}
func (noopCollector) IncFetchFailure(string)                  {}
func (noopCollector) IncBufferDropped(string, string, uint64) {}
func (noopCollector) IncIngested(string, int)                 {}
func (noopCollector) IncIngestFailure(string)                 {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads     *prometheus.CounterVec
	playbackTicks  prometheus.Counter
	activeSessions prometheus.Gauge
	realtimeEvents *prometheus.CounterVec
	subscriptions  prometheus.Gauge
	fetchFailures  *prometheus.CounterVec
	bufferDropped  *prometheus.CounterVec
	ingested       *prometheus.CounterVec
	ingestFailures *prometheus.CounterVec
}

var (
	registryLock sync.Mutex
	registered   = make(map[string]prometheus.Collector)
)

// register adds c to reg once per metric name. Subsequent calls, including
// calls against a registry that already knows the metric, return the
// existing collector.
func register[T prometheus.Collector](reg prometheus.Registerer, name string, c T) (T, error) {
	registryLock.Lock()
	defer registryLock.Unlock()
	if existing, ok := registered[name]; ok {
		if typed, ok := existing.(T); ok {
			return typed, nil
		}
	}
	if err := reg.Register(c); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			var zero T
			return zero, err
		}
		typed, ok := already.ExistingCollector.(T)
		if !ok {
			var zero T
			return zero, err
		}
		registered[name] = typed
		return typed, nil
	}
	registered[name] = c
	return c, nil
}

func resetRegistrations() {
	registryLock.Lock()
	registered = make(map[string]prometheus.Collector)
	registryLock.Unlock()
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var (
		collector PrometheusCollector
		err       error
	)

	collector.hotReloads, err = register(reg, "hot_reload", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetreplay_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"}))
	if err != nil {
		return nil, err
	}
	collector.playbackTicks, err = register(reg, "playback_ticks", prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetreplay_playback_ticks_total",
		Help: "Number of playback advance ticks dispatched across all sessions.",
	}))
	if err != nil {
		return nil, err
	}
	collector.activeSessions, err = register(reg, "active_sessions", prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetreplay_playback_sessions",
		Help: "Number of connected playback sessions.",
	}))
	if err != nil {
		return nil, err
	}
	collector.realtimeEvents, err = register(reg, "realtime_events", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetreplay_realtime_events_total",
		Help: "Number of sensor state events published per topic.",
	}, []string{"topic"}))
	if err != nil {
		return nil, err
	}
	collector.subscriptions, err = register(reg, "subscriptions", prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetreplay_realtime_subscriptions",
		Help: "Number of active realtime topic subscriptions.",
	}))
	if err != nil {
		return nil, err
	}
	collector.fetchFailures, err = register(reg, "fetch_failures", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetreplay_fetch_failures_total",
		Help: "Number of failed playback dataset fetches per error kind.",
	}, []string{"kind"}))
	if err != nil {
		return nil, err
	}
	collector.bufferDropped, err = register(reg, "buffer_dropped", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetreplay_chart_buffer_dropped_total",
		Help: "Number of samples dropped from chart buffers due to capacity limits.",
	}, []string{"chart", "machine"}))
	if err != nil {
		return nil, err
	}
	collector.ingested, err = register(reg, "ingested", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetreplay_ingested_events_total",
		Help: "Number of sensor state events accepted per ingest channel.",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}
	collector.ingestFailures, err = register(reg, "ingest_failures", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetreplay_ingest_failures_total",
		Help: "Number of rejected or unstored sensor state payloads per ingest channel.",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}
	return &collector, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// IncPlaybackTick counts one advance tick.
func (p *PrometheusCollector) IncPlaybackTick() {
	if p == nil || p.playbackTicks == nil {
		return
	}
	p.playbackTicks.Inc()
}

// SetActiveSessions updates the playback session gauge.
func (p *PrometheusCollector) SetActiveSessions(count int) {
	if p == nil || p.activeSessions == nil {
		return
	}
	p.activeSessions.Set(float64(count))
}

// IncRealtimeEvents records published sensor state events.
func (p *PrometheusCollector) IncRealtimeEvents(topic string, count int) {
	if p == nil || p.realtimeEvents == nil || count <= 0 {
		return
	}
	p.realtimeEvents.WithLabelValues(topic).Add(float64(count))
}

// SetSubscriptions updates the realtime subscription gauge.
func (p *PrometheusCollector) SetSubscriptions(count int) {
	if p == nil || p.subscriptions == nil {
		return
	}
	p.subscriptions.Set(float64(count))
}

// IncFetchFailure counts a failed dataset fetch.
func (p *PrometheusCollector) IncFetchFailure(kind string) {
	if p == nil || p.fetchFailures == nil {
		return
	}
	p.fetchFailures.WithLabelValues(kind).Inc()
}

// IncBufferDropped records dropped samples for a chart buffer.
func (p *PrometheusCollector) IncBufferDropped(chart, machine string, count uint64) {
	if p == nil || p.bufferDropped == nil || count == 0 {
		return
	}
	p.bufferDropped.WithLabelValues(chart, machine).Add(float64(count))
}

// IncIngested counts accepted sensor state events.
func (p *PrometheusCollector) IncIngested(source string, count int) {
	if p == nil || p.ingested == nil || count <= 0 {
		return
	}
	p.ingested.WithLabelValues(source).Add(float64(count))
}

// IncIngestFailure counts a payload that could not be decoded or stored.
func (p *PrometheusCollector) IncIngestFailure(source string) {
	if p == nil || p.ingestFailures == nil {
		return
	}
	p.ingestFailures.WithLabelValues(source).Inc()
}
