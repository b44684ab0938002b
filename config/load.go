package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type format int

const (
	formatYAML format = iota
	formatTOML
)

func formatOf(path string) (format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML, true
	case ".toml":
		return formatTOML, true
	default:
		return 0, false
	}
}

// Load reads, validates and decodes the configuration file or directory at path.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	visited := make(map[string]struct{})
	var cfg *Config
	if info.IsDir() {
		cfg, err = loadDir(abs, visited)
	} else {
		cfg, err = loadFile(abs, visited)
	}
	if err != nil {
		return nil, err
	}
	if err := validateIdentifiers(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	kind, ok := formatOf(path)
	if !ok {
		return nil, fmt.Errorf("config %s: unsupported file extension", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var document map[string]interface{}
	switch kind {
	case formatTOML:
		err = toml.Unmarshal(raw, &document)
	default:
		err = yaml.Unmarshal(raw, &document)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if len(document) == 0 {
		return nil, fmt.Errorf("config %s is empty", path)
	}
	if err := validateDocument(path, document); err != nil {
		return nil, err
	}

	var cfg Config
	switch kind {
	case formatTOML:
		err = toml.Unmarshal(raw, &cfg)
	default:
		err = yaml.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	for i := range cfg.Charts {
		cfg.Charts[i].Source = path
	}
	cfg.Files = []string{path}

	modules := cfg.Modules
	cfg.Modules = nil
	for _, module := range modules {
		module = strings.TrimSpace(module)
		if module == "" {
			continue
		}
		if !filepath.IsAbs(module) {
			module = filepath.Join(filepath.Dir(path), module)
		}
		info, err := os.Stat(module)
		if err != nil {
			return nil, fmt.Errorf("%s: module %s: %w", path, module, err)
		}
		var sub *Config
		if info.IsDir() {
			sub, err = loadDir(module, visited)
		} else {
			sub, err = loadFile(module, visited)
		}
		if err != nil {
			return nil, err
		}
		mergeConfig(&cfg, sub)
	}
	return &cfg, nil
}

func loadDir(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	result := &Config{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := formatOf(entry.Name()); !ok {
			continue
		}
		sub, err := loadFile(filepath.Join(path, entry.Name()), visited)
		if err != nil {
			return nil, err
		}
		mergeConfig(result, sub)
	}
	return result, nil
}

func ensureIdentifier(value, kind string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s identifier must not be empty", kind)
	}
	for idx, r := range trimmed {
		if idx == 0 && unicode.IsDigit(r) {
			return fmt.Errorf("%s %q must not start with a digit", kind, trimmed)
		}
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			return fmt.Errorf("%s %q contains invalid character %q", kind, trimmed, r)
		}
	}
	return nil
}

func validateIdentifiers(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	charts := make(map[string]string, len(cfg.Charts))
	for _, chart := range cfg.Charts {
		if err := ensureIdentifier(chart.ID, "chart"); err != nil {
			return err
		}
		if previous, ok := charts[chart.ID]; ok {
			return fmt.Errorf("chart %q declared twice (%s and %s)", chart.ID, previous, chart.Source)
		}
		charts[chart.ID] = chart.Source
	}
	rules := make(map[string]struct{}, len(cfg.Markers.Rules))
	for _, rule := range cfg.Markers.Rules {
		if err := ensureIdentifier(rule.ID, "marker rule"); err != nil {
			return err
		}
		if _, ok := rules[rule.ID]; ok {
			return fmt.Errorf("marker rule %q declared twice", rule.ID)
		}
		rules[rule.ID] = struct{}{}
	}
	return nil
}

func mergeConfig(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.HotReload {
		dst.HotReload = true
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Logging.Loki.Enabled || src.Logging.Loki.URL != "" || len(src.Logging.Loki.Labels) > 0 {
		dst.Logging.Loki = src.Logging.Loki
	}
	if src.Telemetry.Enabled || src.Telemetry.Provider != "" {
		dst.Telemetry = src.Telemetry
	}
	if src.Storage.Path != "" {
		dst.Storage.Path = src.Storage.Path
	}
	if src.Storage.Retention.Duration != 0 {
		dst.Storage.Retention = src.Storage.Retention
	}
	if src.Playback.Source != "" {
		dst.Playback.Source = src.Playback.Source
	}
	if src.Playback.Tick.Duration != 0 {
		dst.Playback.Tick = src.Playback.Tick
	}
	if src.Playback.DefaultSpeed.Duration != 0 {
		dst.Playback.DefaultSpeed = src.Playback.DefaultSpeed
	}
	if src.Playback.DefaultHours != 0 {
		dst.Playback.DefaultHours = src.Playback.DefaultHours
	}
	if src.Playback.Remote.URL != "" || src.Playback.Remote.Timeout.Duration != 0 || len(src.Playback.Remote.Headers) > 0 {
		dst.Playback.Remote = src.Playback.Remote
	}
	if src.Markers.ShowNames {
		dst.Markers.ShowNames = true
	}
	if len(src.Markers.Palette) > 0 {
		if dst.Markers.Palette == nil {
			dst.Markers.Palette = make(map[string]string, len(src.Markers.Palette))
		}
		for key, value := range src.Markers.Palette {
			dst.Markers.Palette[key] = value
		}
	}
	if src.AggregateInterval.Duration != 0 {
		dst.AggregateInterval = src.AggregateInterval
	}
	if src.Ingest.MQTT.Broker != "" {
		dst.Ingest.MQTT = src.Ingest.MQTT
	}

	dst.Markers.Rules = append(dst.Markers.Rules, src.Markers.Rules...)
	dst.Charts = append(dst.Charts, src.Charts...)
	dst.Files = append(dst.Files, src.Files...)
}
