package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.UnmarshalText([]byte(raw))
}

// UnmarshalText parses a duration string. It is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled" toml:"enabled"`
	URL     string            `yaml:"url" toml:"url"`
	Labels  map[string]string `yaml:"labels" toml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level" toml:"level"`
	Format string     `yaml:"format,omitempty" toml:"format"`
	Loki   LokiConfig `yaml:"loki" toml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Provider string `yaml:"provider,omitempty" toml:"provider"`
}

// StorageConfig configures the sqlite position and sensor state store.
type StorageConfig struct {
	Path      string   `yaml:"path" toml:"path"`
	Retention Duration `yaml:"retention,omitempty" toml:"retention"`
}

// RemoteConfig describes the upstream REST collaborator serving playback data.
type RemoteConfig struct {
	URL     string            `yaml:"url" toml:"url"`
	Timeout Duration          `yaml:"timeout,omitempty" toml:"timeout"`
	Headers map[string]string `yaml:"headers,omitempty" toml:"headers"`
}

// PlaybackConfig tunes playback sessions.
type PlaybackConfig struct {
	Source       string       `yaml:"source,omitempty" toml:"source"`
	Tick         Duration     `yaml:"tick,omitempty" toml:"tick"`
	DefaultSpeed Duration     `yaml:"default_speed,omitempty" toml:"default_speed"`
	DefaultHours int          `yaml:"default_hours,omitempty" toml:"default_hours"`
	Remote       RemoteConfig `yaml:"remote,omitempty" toml:"remote"`
}

// MarkerRuleConfig is a configurable marker style rule evaluated before the built-in table.
type MarkerRuleConfig struct {
	ID     string `yaml:"id" toml:"id"`
	When   string `yaml:"when" toml:"when"`
	Icon   string `yaml:"icon,omitempty" toml:"icon"`
	Color  string `yaml:"color" toml:"color"`
	Size   int    `yaml:"size,omitempty" toml:"size"`
	Rotate *bool  `yaml:"rotate,omitempty" toml:"rotate"`
}

// MarkersConfig configures marker rendering.
type MarkersConfig struct {
	ShowNames bool               `yaml:"show_names,omitempty" toml:"show_names"`
	Palette   map[string]string  `yaml:"palette,omitempty" toml:"palette"`
	Rules     []MarkerRuleConfig `yaml:"rules,omitempty" toml:"rules"`
}

// ChartMachineConfig binds a chart to one sensor of one machine.
type ChartMachineConfig struct {
	Sensor  string `yaml:"sensor" toml:"sensor"`
	Machine string `yaml:"machine" toml:"machine"`
}

// ChartKind selects the realtime reducer backing a chart.
type ChartKind string

const (
	// ChartBooleanDate counts events with a truthy signal per day, week or month.
	ChartBooleanDate ChartKind = "boolean_date"
	// ChartBattery tracks the battery level per machine.
	ChartBattery ChartKind = "battery"
)

// ChartConfig describes a realtime chart fed by sensor state topics.
type ChartConfig struct {
	ID          string               `yaml:"id" toml:"id"`
	Type        ChartKind            `yaml:"type" toml:"type"`
	Granularity string               `yaml:"granularity,omitempty" toml:"granularity"`
	Signal      string               `yaml:"signal,omitempty" toml:"signal"`
	Strategy    string               `yaml:"strategy,omitempty" toml:"strategy"`
	Buffer      int                  `yaml:"buffer,omitempty" toml:"buffer"`
	Machines    []ChartMachineConfig `yaml:"machines" toml:"machines"`
	Source      string               `yaml:"-" toml:"-"`
}

// MQTTTLSConfig enables TLS towards the MQTT broker.
type MQTTTLSConfig struct {
	Enabled            bool   `yaml:"enabled" toml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" toml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file,omitempty" toml:"ca_file"`
	CertFile           string `yaml:"cert_file,omitempty" toml:"cert_file"`
	KeyFile            string `yaml:"key_file,omitempty" toml:"key_file"`
	ServerName         string `yaml:"server_name,omitempty" toml:"server_name"`
}

// MQTTConfig subscribes the service to sensor state messages on an MQTT broker.
// Ingestion is disabled while Broker is empty.
type MQTTConfig struct {
	Broker         string        `yaml:"broker" toml:"broker"`
	ClientID       string        `yaml:"client_id,omitempty" toml:"client_id"`
	Username       string        `yaml:"username,omitempty" toml:"username"`
	Password       string        `yaml:"password,omitempty" toml:"password"`
	Topics         []string      `yaml:"topics,omitempty" toml:"topics"`
	QoS            int           `yaml:"qos,omitempty" toml:"qos"`
	KeepAlive      Duration      `yaml:"keep_alive,omitempty" toml:"keep_alive"`
	ConnectTimeout Duration      `yaml:"connect_timeout,omitempty" toml:"connect_timeout"`
	TLS            MQTTTLSConfig `yaml:"tls,omitempty" toml:"tls"`
}

// IngestConfig lists the push channels feeding sensor states besides HTTP.
type IngestConfig struct {
	MQTT MQTTConfig `yaml:"mqtt" toml:"mqtt"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Listen            string          `yaml:"listen,omitempty" toml:"listen"`
	HotReload         bool            `yaml:"hot_reload,omitempty" toml:"hot_reload"`
	Modules           []string        `yaml:"modules,omitempty" toml:"modules"`
	Logging           LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry         TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Storage           StorageConfig   `yaml:"storage" toml:"storage"`
	Playback          PlaybackConfig  `yaml:"playback" toml:"playback"`
	Markers           MarkersConfig   `yaml:"markers" toml:"markers"`
	Charts            []ChartConfig   `yaml:"charts,omitempty" toml:"charts"`
	Ingest            IngestConfig    `yaml:"ingest,omitempty" toml:"ingest"`
	AggregateInterval Duration        `yaml:"aggregate_interval,omitempty" toml:"aggregate_interval"`

	// Files lists every file that contributed to the configuration.
	Files []string `yaml:"-" toml:"-"`
}

// ListenAddress returns the HTTP listen address.
func (c *Config) ListenAddress() string {
	if c == nil || strings.TrimSpace(c.Listen) == "" {
		return ":18090"
	}
	return c.Listen
}

// StoragePath returns the sqlite database location.
func (c *Config) StoragePath() string {
	if c == nil || strings.TrimSpace(c.Storage.Path) == "" {
		return "fleetreplay.db"
	}
	return c.Storage.Path
}

// TickInterval returns the wall-clock interval between playback ticks.
func (c *Config) TickInterval() time.Duration {
	if c == nil || c.Playback.Tick.Duration <= 0 {
		return time.Second
	}
	return c.Playback.Tick.Duration
}

// DefaultSpeed returns the playback step applied per tick after a stop.
func (c *Config) DefaultSpeed() time.Duration {
	if c == nil || c.Playback.DefaultSpeed.Duration <= 0 {
		return time.Minute
	}
	return c.Playback.DefaultSpeed.Duration
}

// DefaultHours returns the playback window used when a client does not ask for one.
func (c *Config) DefaultHours() int {
	if c == nil || c.Playback.DefaultHours <= 0 {
		return 12
	}
	return c.Playback.DefaultHours
}

// PlaybackSource returns "store" or "remote".
func (c *Config) PlaybackSource() string {
	if c == nil {
		return "store"
	}
	source := strings.ToLower(strings.TrimSpace(c.Playback.Source))
	if source == "" {
		return "store"
	}
	return source
}

// RemoteTimeout returns the request timeout for the upstream REST client.
func (c *Config) RemoteTimeout() time.Duration {
	if c == nil || c.Playback.Remote.Timeout.Duration <= 0 {
		return 20 * time.Second
	}
	return c.Playback.Remote.Timeout.Duration
}

// AggregateEvery returns how often chart buffers are flushed.
func (c *Config) AggregateEvery() time.Duration {
	if c == nil || c.AggregateInterval.Duration <= 0 {
		return time.Second
	}
	return c.AggregateInterval.Duration
}
