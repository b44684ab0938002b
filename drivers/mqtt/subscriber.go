// Package mqtt feeds sensor state events received on an MQTT broker into
// the service.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/fleetreplay/config"
	"github.com/timzifer/fleetreplay/realtime"
	"github.com/timzifer/fleetreplay/telemetry"
)

// Source labels events ingested through MQTT.
const Source = "mqtt"

const sinkTimeout = 10 * time.Second

// DefaultTopics is used when no topic filter is configured.
var DefaultTopics = []string{"sensorstate/#"}

// Sink persists and publishes decoded sensor states. It returns the number of
// realtime deliveries.
type Sink func(ctx context.Context, source string, events []realtime.SensorState) (int, error)

// Status describes the subscriber for health output.
type Status struct {
	Broker      string    `json:"broker"`
	Topics      []string  `json:"topics"`
	Connected   bool      `json:"connected"`
	Received    uint64    `json:"received"`
	Rejected    uint64    `json:"rejected"`
	LastMessage time.Time `json:"lastMessage,omitempty"`
}

// Subscriber subscribes to sensor state topics and hands every decoded
// payload to a Sink.
type Subscriber struct {
	cfg       config.MQTTConfig
	topics    []string
	qos       byte
	clientID  string
	logger    zerolog.Logger
	telemetry telemetry.Collector

	mu          sync.Mutex
	client      paho.Client
	sink        Sink
	ctx         context.Context
	lastMessage time.Time

	received atomic.Uint64
	rejected atomic.Uint64
}

// NewSubscriber validates cfg. No connection is made before Start.
func NewSubscriber(cfg config.MQTTConfig, logger zerolog.Logger, collector telemetry.Collector) (*Subscriber, error) {
	broker := strings.TrimSpace(cfg.Broker)
	if broker == "" {
		return nil, errors.New("mqtt: broker address is required")
	}
	parsed, err := url.Parse(broker)
	if err != nil {
		return nil, fmt.Errorf("mqtt: parse broker %q: %w", broker, err)
	}
	switch parsed.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return nil, fmt.Errorf("mqtt: unsupported broker scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("mqtt: broker %q has no host", broker)
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: qos must be 0, 1 or 2, got %d", cfg.QoS)
	}
	topics := make([]string, 0, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			return nil, errors.New("mqtt: topic filter must not be empty")
		}
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		topics = append(topics, DefaultTopics...)
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = "fleetreplay-" + uuid.NewString()[:8]
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	cfg.Broker = broker
	return &Subscriber{
		cfg:       cfg,
		topics:    topics,
		qos:       byte(cfg.QoS),
		clientID:  clientID,
		logger:    logger.With().Str("component", "mqtt").Str("broker", broker).Logger(),
		telemetry: collector,
	}, nil
}

// Topics returns the subscribed topic filters.
func (s *Subscriber) Topics() []string {
	return append([]string(nil), s.topics...)
}

// Start connects to the broker and subscribes. Messages are handed to sink
// until ctx ends or Close is called.
func (s *Subscriber) Start(ctx context.Context, sink Sink) error {
	if sink == nil {
		return errors.New("mqtt: sink must not be nil")
	}
	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		return errors.New("mqtt: subscriber already started")
	}
	s.sink = sink
	s.ctx = ctx
	s.mu.Unlock()

	client, err := buildClient(s.cfg, s.clientID, s.logger, s.onConnect, s.handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

// Close disconnects from the broker. It is safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return
	}
	if client.IsConnected() {
		for _, topic := range s.topics {
			client.Unsubscribe(topic).WaitTimeout(time.Second)
		}
		client.Disconnect(disconnectQuiesce)
	}
}

// Status reports the connection state and message counters.
func (s *Subscriber) Status() Status {
	s.mu.Lock()
	connected := s.client != nil && s.client.IsConnectionOpen()
	last := s.lastMessage
	s.mu.Unlock()
	return Status{
		Broker:      s.cfg.Broker,
		Topics:      s.Topics(),
		Connected:   connected,
		Received:    s.received.Load(),
		Rejected:    s.rejected.Load(),
		LastMessage: last,
	}
}

// onConnect runs after every (re)connect since the session is not persisted.
func (s *Subscriber) onConnect(client paho.Client) {
	for _, topic := range s.topics {
		token := client.Subscribe(topic, s.qos, s.handle)
		if token.Wait() && token.Error() != nil {
			s.logger.Error().Err(token.Error()).Str("topic", topic).Msg("mqtt: subscribe failed")
			continue
		}
		s.logger.Info().Str("topic", topic).Msg("mqtt: subscribed")
	}
}

func (s *Subscriber) handle(_ paho.Client, msg paho.Message) {
	s.mu.Lock()
	sink, ctx := s.sink, s.ctx
	s.lastMessage = time.Now()
	s.mu.Unlock()
	if sink == nil || ctx == nil || ctx.Err() != nil {
		return
	}

	events, err := realtime.DecodeSensorStates(msg.Payload())
	if err != nil {
		s.rejected.Add(1)
		s.telemetry.IncIngestFailure(Source)
		s.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt: decode failed")
		return
	}
	sinkCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()
	if _, err := sink(sinkCtx, Source, events); err != nil {
		s.rejected.Add(1)
		s.logger.Error().Err(err).Str("topic", msg.Topic()).Msg("mqtt: ingest failed")
		return
	}
	s.received.Add(uint64(len(events)))
}
