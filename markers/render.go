package markers

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/timzifer/fleetreplay/fleet"
)

// Position is a marker location. Lon may be missing when the backend omitted it.
type Position struct {
	Lat float64  `json:"lat"`
	Lon *float64 `json:"lon"`
}

// Icon describes the glyph of a marker.
type Icon struct {
	Kind  IconKind `json:"kind"`
	Color string   `json:"color"`
	Size  int      `json:"size"`
}

// Popup carries the texts shown when a marker is opened. Empty members are not shown.
type Popup struct {
	Name       string     `json:"name"`
	MMSI       string     `json:"mmsi"`
	Class      string     `json:"class"`
	Course     string     `json:"course,omitempty"`
	Speed      string     `json:"speed,omitempty"`
	LastUpdate *time.Time `json:"lastUpdate,omitempty"`
}

// Marker is one rendered vessel.
type Marker struct {
	Key      string   `json:"key"`
	Position Position `json:"position"`
	Icon     Icon     `json:"icon"`
	// Rotation is the icon rotation in degrees.
	Rotation *float64 `json:"rotation,omitempty"`
	Rule     string   `json:"rule"`
	Popup    Popup    `json:"popup"`
	Tooltip  string   `json:"tooltip,omitempty"`
}

// Options configures a Renderer.
type Options struct {
	// Rules are evaluated before the built-in table.
	Rules   []Rule
	Palette map[string]string
	Logger  zerolog.Logger
}

// Renderer turns vessel records into styled markers.
type Renderer struct {
	rules   []compiledRule
	palette map[string]string
	logger  zerolog.Logger
}

// NewRenderer compiles the configured and built-in rules.
func NewRenderer(opts Options) (*Renderer, error) {
	palette := DefaultPalette()
	for token, color := range opts.Palette {
		palette[token] = color
	}
	all := append(append([]Rule{}, opts.Rules...), DefaultRules()...)
	compiled := make([]compiledRule, 0, len(all)+1)
	for _, rule := range all {
		c, err := compileRule(rule)
		if err != nil {
			return nil, fmt.Errorf("marker rule %s: %w", rule.ID, err)
		}
		compiled = append(compiled, c)
	}
	return &Renderer{rules: compiled, palette: palette, logger: opts.Logger}, nil
}

// Render styles every record carrying a latitude.
func (r *Renderer) Render(records []fleet.VesselRecord, showNames bool) []Marker {
	markers := make([]Marker, 0, len(records))
	for _, record := range fleet.FilterPositioned(records) {
		markers = append(markers, r.marker(record, showNames))
	}
	return markers
}

// Style returns the rule matching the record.
func (r *Renderer) Style(record fleet.VesselRecord) Rule {
	env := Env{Name: record.Name, Class: record.VesselClass, Type: record.VesselType}
	for _, rule := range r.rules {
		matched, err := rule.matches(env)
		if err != nil {
			r.logger.Warn().Err(err).Str("rule", rule.ID).Str("vessel", record.VesselID).Msg("marker rule evaluation failed")
			continue
		}
		if matched {
			return rule.Rule
		}
	}
	return FallbackRule
}

func (r *Renderer) marker(record fleet.VesselRecord, showNames bool) Marker {
	rule := r.Style(record)
	m := Marker{
		Key:      record.VesselID,
		Position: Position{Lat: *record.Lat, Lon: record.Lon},
		Icon:     Icon{Kind: rule.Icon, Color: r.color(rule.Color), Size: rule.Size},
		Rule:     rule.ID,
		Popup:    popup(record),
	}
	if rule.Rotate {
		m.Rotation = Rotation(record)
	}
	if showNames {
		m.Tooltip = record.Name
	}
	return m
}

func (r *Renderer) color(value string) string {
	if resolved, ok := r.palette[value]; ok {
		return resolved
	}
	return value
}

// Rotation returns the icon rotation for a record: the heading when it is
// set and non-zero, otherwise the course, minus the 45 degrees the arrow
// glyph is drawn at. It is nil when neither is known.
func Rotation(record fleet.VesselRecord) *float64 {
	var bearing *float64
	switch {
	case record.Heading != nil && *record.Heading != 0:
		bearing = record.Heading
	case record.Course != nil:
		bearing = record.Course
	default:
		return nil
	}
	value := *bearing - 45
	return &value
}

func popup(record fleet.VesselRecord) Popup {
	p := Popup{
		Name:  record.Name,
		MMSI:  "MMSI: " + record.MMSI,
		Class: strings.Replace(record.VesselClass, "_", " ", 1),
	}
	if record.Course != nil {
		p.Course = decimal.NewFromFloat(*record.Course).String() + "°"
	}
	if record.Speed != nil {
		p.Speed = decimal.NewFromFloat(*record.Speed).String() + " kn"
	}
	if at, ok := record.ReportedAt(); ok {
		p.LastUpdate = &at
	}
	return p
}
