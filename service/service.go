package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/fleetreplay/config"
	"github.com/timzifer/fleetreplay/drivers/mqtt"
	"github.com/timzifer/fleetreplay/fleet"
	"github.com/timzifer/fleetreplay/markers"
	"github.com/timzifer/fleetreplay/playback"
	"github.com/timzifer/fleetreplay/realtime"
	"github.com/timzifer/fleetreplay/remote"
	"github.com/timzifer/fleetreplay/store"
	"github.com/timzifer/fleetreplay/telemetry"
)

const (
	sourceStore  = "store"
	sourceRemote = "remote"
	sourceHTTP   = "http"

	shutdownTimeout = 5 * time.Second
)

// Service wires storage, the playback source, the realtime hub, marker
// rendering and the charts behind one HTTP surface.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry telemetry.Collector

	store    *store.Store
	source   fleet.Source
	remote   *remote.Client
	hub      *realtime.Hub
	renderer *markers.Renderer
	charts   []*chartBinding
	sessions *sessionRegistry
	ingester *mqtt.Subscriber

	defaultSpeed playback.Speed
	now          func() time.Time

	handler http.Handler

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// Option customises a Service.
type Option func(*options)

type options struct {
	telemetry telemetry.Collector
	source    fleet.Source
}

// WithTelemetry reports service metrics to collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(o *options) {
		if collector != nil {
			o.telemetry = collector
		}
	}
}

// WithSource replaces the configured playback source.
func WithSource(source fleet.Source) Option {
	return func(o *options) {
		if source != nil {
			o.source = source
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{telemetry: telemetry.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// components holds everything that can be built from configuration alone.
type components struct {
	renderer     *markers.Renderer
	remote       *remote.Client
	charts       []*chartBinding
	ingester     *mqtt.Subscriber
	defaultSpeed playback.Speed
}

func buildComponents(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) (components, error) {
	var built components

	speed := playback.Speed(cfg.DefaultSpeed())
	if !speed.Valid() {
		return built, fmt.Errorf("playback default speed %s is not one of %v", cfg.DefaultSpeed(), playback.Speeds())
	}
	built.defaultSpeed = speed

	switch cfg.PlaybackSource() {
	case sourceStore:
	case sourceRemote:
		client, err := remote.NewClient(cfg.Playback.Remote, cfg.RemoteTimeout())
		if err != nil {
			return built, fmt.Errorf("playback remote: %w", err)
		}
		built.remote = client
	default:
		return built, fmt.Errorf("unknown playback source %q", cfg.Playback.Source)
	}

	renderer, err := NewMarkerRenderer(cfg.Markers, logger)
	if err != nil {
		return built, err
	}
	built.renderer = renderer

	charts, err := buildCharts(cfg.Charts, logger, collector)
	if err != nil {
		return built, err
	}
	built.charts = charts

	if cfg.Ingest.MQTT.Broker != "" {
		sub, err := mqtt.NewSubscriber(cfg.Ingest.MQTT, logger, collector)
		if err != nil {
			return built, fmt.Errorf("ingest: %w", err)
		}
		built.ingester = sub
	}
	return built, nil
}

// NewMarkerRenderer builds the marker renderer for the configured rules and palette.
func NewMarkerRenderer(cfg config.MarkersConfig, logger zerolog.Logger) (*markers.Renderer, error) {
	rules := make([]markers.Rule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		rotate := true
		if rule.Rotate != nil {
			rotate = *rule.Rotate
		}
		rules = append(rules, markers.Rule{
			ID:     rule.ID,
			When:   rule.When,
			Icon:   markers.IconKind(rule.Icon),
			Color:  rule.Color,
			Size:   rule.Size,
			Rotate: rotate,
		})
	}
	return markers.NewRenderer(markers.Options{
		Rules:   rules,
		Palette: cfg.Palette,
		Logger:  logger.With().Str("component", "markers").Logger(),
	})
}

// New builds the service and opens its database. Charts are subscribed to
// the realtime hub immediately; Run seeds their history and starts serving.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	o := applyOptions(opts)
	built, err := buildComponents(cfg, logger, o.telemetry)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.StoragePath())
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:          cfg,
		logger:       logger,
		telemetry:    o.telemetry,
		store:        db,
		remote:       built.remote,
		renderer:     built.renderer,
		charts:       built.charts,
		ingester:     built.ingester,
		defaultSpeed: built.defaultSpeed,
		now:          time.Now,
	}
	svc.hub = realtime.NewHub(logger, o.telemetry)
	svc.sessions = newSessionRegistry(o.telemetry)

	switch {
	case o.source != nil:
		svc.source = o.source
	case built.remote != nil:
		svc.source = built.remote
	default:
		svc.source = db
	}

	for _, chart := range svc.charts {
		if err := chart.subscribe(svc.hub); err != nil {
			svc.Close()
			return nil, err
		}
	}
	svc.handler = svc.routes()
	return svc, nil
}

// Validate builds every configured component without opening storage or listeners.
func Validate(cfg *config.Config, logger zerolog.Logger) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	_, err := buildComponents(cfg, logger, telemetry.Noop())
	return err
}

// Handler returns the HTTP surface of the service.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Addr returns the address the service listens on once Run has started.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Run seeds chart history, serves HTTP and runs the background loops until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddress(), err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	if err := s.seedCharts(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("chart history incomplete")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.ingester != nil {
		if err := s.ingester.Start(runCtx, s.ingest); err != nil {
			ln.Close()
			return err
		}
		defer s.ingester.Close()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.flushLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		s.retentionLoop(runCtx)
	}()

	srv := &http.Server{Handler: s.handler, BaseContext: func(net.Listener) context.Context { return runCtx }}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info().Str("listen", ln.Addr().String()).Str("source", s.cfg.PlaybackSource()).Msg("fleet replay started")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	s.sessions.closeAll()
	wg.Wait()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func (s *Service) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AggregateEvery())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushCharts()
		}
	}
}

func (s *Service) flushCharts() {
	for _, chart := range s.charts {
		chart.flush()
	}
}

func retentionInterval(retention time.Duration) time.Duration {
	every := retention / 4
	if every < time.Second {
		return time.Second
	}
	if every > time.Hour {
		return time.Hour
	}
	return every
}

func (s *Service) retentionLoop(ctx context.Context) {
	retention := s.cfg.Storage.Retention.Duration
	if retention <= 0 {
		return
	}
	s.prune(ctx, retention)
	ticker := time.NewTicker(retentionInterval(retention))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx, retention)
		}
	}
}

func (s *Service) prune(ctx context.Context, retention time.Duration) {
	removed, err := s.store.Prune(ctx, s.now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("retention prune failed")
		}
		return
	}
	if removed > 0 {
		s.logger.Info().Int64("rows", removed).Msg("pruned expired data")
	}
}

// Close releases the chart subscriptions, open sessions and the database.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.ingester != nil {
		s.ingester.Close()
	}
	if s.sessions != nil {
		s.sessions.closeAll()
	}
	for _, chart := range s.charts {
		chart.close()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
