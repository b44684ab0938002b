// Package random generates synthetic vessel tracks and sensor states for
// demos and load tests.
package random

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/timzifer/fleetreplay/fleet"
	"github.com/timzifer/fleetreplay/realtime"
)

const (
	defaultVessels   = 6
	defaultInterval  = time.Minute
	defaultCenterLat = -23.98
	defaultCenterLon = -46.30
	defaultSpread    = 0.15
	maxSpeedKnots    = 14.0
	maxCourseChange  = 12.0
)

// profile is the identity template a generated vessel is drawn from.
type profile struct {
	name  string
	class string
	kind  string
	fixed bool
}

var profiles = []profile{
	{name: "SAAM ATLAS", class: "TUG", kind: "TUG"},
	{name: "NORDIC STAR", class: "CARGO_SHIP", kind: "CARGO"},
	{name: "BRAVO TANKER", class: "TANKER", kind: "TANKER"},
	{name: "MARE AZUL", class: "PASSENGER_SHIP", kind: "PASSENGER"},
	{name: "PESCADOR II", class: "FISHING_VESSEL", kind: "FISHING"},
	{name: "PILOT 7", class: "PILOT_VESSEL", kind: "PLT"},
	{name: "BUOY 12", class: "ATON", kind: "ATON", fixed: true},
	{name: "HARBOUR TUG", class: "TUG", kind: "SUPPORT"},
}

// Options configures a Simulator.
type Options struct {
	// Source is "pseudo" (default, reproducible with Seed) or "secure".
	Source string
	Seed   *int64

	Vessels  int
	Start    time.Time
	Interval time.Duration

	CenterLat float64
	CenterLon float64
	// Spread is the maximum initial distance from the centre in degrees.
	Spread float64
	// MissingPosition is the probability that a record is sent without position.
	MissingPosition float64
}

type track struct {
	profile
	id      string
	mmsi    string
	lat     float64
	lon     float64
	course  float64
	speed   float64
	heading bool
}

// Simulator moves a fleet of vessels and emits one snapshot per interval.
type Simulator struct {
	src      randomSource
	tracks   []*track
	interval time.Duration
	missing  float64
	now      time.Time
	started  bool
}

// NewSimulator places the fleet around the configured centre.
func NewSimulator(opts Options) (*Simulator, error) {
	src, err := newRandomSource(opts.Source, opts.Seed)
	if err != nil {
		return nil, err
	}
	if opts.Vessels < 0 {
		return nil, fmt.Errorf("vessel count must not be negative, got %d", opts.Vessels)
	}
	if opts.Vessels == 0 {
		opts.Vessels = defaultVessels
	}
	if opts.Interval < 0 {
		return nil, fmt.Errorf("interval must not be negative, got %s", opts.Interval)
	}
	if opts.Interval == 0 {
		opts.Interval = defaultInterval
	}
	if opts.CenterLat == 0 && opts.CenterLon == 0 {
		opts.CenterLat, opts.CenterLon = defaultCenterLat, defaultCenterLon
	}
	if opts.CenterLat < -90 || opts.CenterLat > 90 || opts.CenterLon < -180 || opts.CenterLon > 180 {
		return nil, fmt.Errorf("centre %f,%f is outside the globe", opts.CenterLat, opts.CenterLon)
	}
	if opts.Spread <= 0 {
		opts.Spread = defaultSpread
	}
	if opts.MissingPosition < 0 || opts.MissingPosition > 1 {
		return nil, errors.New("missing position probability must be within [0, 1]")
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}

	sim := &Simulator{
		src:      src,
		interval: opts.Interval,
		missing:  opts.MissingPosition,
		now:      opts.Start.Truncate(time.Second),
	}
	for i := 0; i < opts.Vessels; i++ {
		p := profiles[i%len(profiles)]
		if i >= len(profiles) {
			p.name = fmt.Sprintf("%s %d", p.name, i/len(profiles)+1)
		}
		t := &track{
			profile: p,
			id:      fmt.Sprintf("sim-%03d", i+1),
			mmsi:    fmt.Sprintf("710%06d", i+1),
		}
		if t.lat, err = randomFloatInRange(src, opts.CenterLat-opts.Spread, opts.CenterLat+opts.Spread); err != nil {
			return nil, err
		}
		if t.lon, err = randomFloatInRange(src, opts.CenterLon-opts.Spread, opts.CenterLon+opts.Spread); err != nil {
			return nil, err
		}
		if !p.fixed {
			if t.course, err = randomFloatInRange(src, 0, 360); err != nil {
				return nil, err
			}
			if t.speed, err = randomFloatInRange(src, 2, maxSpeedKnots); err != nil {
				return nil, err
			}
			if t.heading, err = randomBool(src, 0.5); err != nil {
				return nil, err
			}
		}
		sim.tracks = append(sim.tracks, t)
	}
	return sim, nil
}

// Now returns the time of the last emitted snapshot, or the start time
// before the first one.
func (s *Simulator) Now() time.Time {
	return s.now
}

// Next advances the fleet by one interval and returns its snapshot. The
// first call returns the initial positions at the start time.
func (s *Simulator) Next() (fleet.PositionSnapshot, error) {
	if s.started {
		s.now = s.now.Add(s.interval)
		for _, t := range s.tracks {
			if err := s.move(t); err != nil {
				return fleet.PositionSnapshot{}, err
			}
		}
	}
	s.started = true

	snapshot := fleet.PositionSnapshot{Timestamp: s.now.UnixMilli(), Records: make([]fleet.VesselRecord, 0, len(s.tracks))}
	for _, t := range s.tracks {
		record, err := s.record(t)
		if err != nil {
			return fleet.PositionSnapshot{}, err
		}
		snapshot.Records = append(snapshot.Records, record)
	}
	return snapshot, nil
}

// Run emits count snapshots.
func (s *Simulator) Run(count int) ([]fleet.PositionSnapshot, error) {
	if count < 0 {
		return nil, fmt.Errorf("snapshot count must not be negative, got %d", count)
	}
	snapshots := make([]fleet.PositionSnapshot, 0, count)
	for i := 0; i < count; i++ {
		snapshot, err := s.Next()
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (s *Simulator) move(t *track) error {
	if t.fixed {
		return nil
	}
	turn, err := randomFloatInRange(s.src, -maxCourseChange, maxCourseChange)
	if err != nil {
		return err
	}
	t.course = math.Mod(t.course+turn+360, 360)
	change, err := randomFloatInRange(s.src, -1, 1)
	if err != nil {
		return err
	}
	t.speed = math.Max(0, math.Min(maxSpeedKnots, t.speed+change))

	// One knot is one minute of latitude per hour.
	distance := t.speed * s.interval.Hours() / 60
	rad := t.course * math.Pi / 180
	t.lat += distance * math.Cos(rad)
	t.lon += distance * math.Sin(rad) / math.Max(math.Cos(t.lat*math.Pi/180), 0.01)
	t.lat = math.Max(-89.9, math.Min(89.9, t.lat))
	return nil
}

func (s *Simulator) record(t *track) (fleet.VesselRecord, error) {
	record := fleet.VesselRecord{
		VesselID:    t.id,
		Name:        t.name,
		MMSI:        t.mmsi,
		VesselClass: t.class,
		VesselType:  t.kind,
	}
	missing, err := randomBool(s.src, s.missing)
	if err != nil {
		return record, err
	}
	if missing {
		return record, nil
	}
	ts := s.now.Unix()
	record.Timestamp = &ts
	record.Lat = round(t.lat, 5)
	record.Lon = round(t.lon, 5)
	if !t.fixed {
		record.Speed = round(t.speed, 1)
		record.Course = round(t.course, 1)
		if t.heading {
			record.Heading = round(t.course, 0)
		}
	}
	return record, nil
}

func round(v float64, places int) *float64 {
	scale := math.Pow(10, float64(places))
	r := math.Round(v*scale) / scale
	return &r
}

// SignalKind selects how a generated signal value is drawn.
type SignalKind string

const (
	// SignalBool draws true with TrueProbability.
	SignalBool SignalKind = "bool"
	// SignalFloat draws uniformly within [Min, Max].
	SignalFloat SignalKind = "float"
)

// SignalSpec describes one generated signal.
type SignalSpec struct {
	Name            string
	Kind            SignalKind
	Min             float64
	Max             float64
	TrueProbability float64
}

// SensorState draws one sensor state event at the given time.
func (s *Simulator) SensorState(machineID, sensorID string, at time.Time, specs []SignalSpec) (realtime.SensorState, error) {
	if machineID == "" || sensorID == "" {
		return realtime.SensorState{}, errors.New("machine and sensor are required")
	}
	event := realtime.SensorState{IDMachine: machineID, SensorID: sensorID, DateServer: at.UTC(), Signals: make([]realtime.Signal, 0, len(specs))}
	for _, spec := range specs {
		var value interface{}
		switch spec.Kind {
		case SignalBool:
			v, err := randomBool(s.src, spec.TrueProbability)
			if err != nil {
				return event, err
			}
			value = v
		case SignalFloat, "":
			v, err := randomFloatInRange(s.src, spec.Min, spec.Max)
			if err != nil {
				return event, fmt.Errorf("signal %s: %w", spec.Name, err)
			}
			value = *round(v, 1)
		default:
			return event, fmt.Errorf("signal %s: unknown kind %q", spec.Name, spec.Kind)
		}
		event.Signals = append(event.Signals, realtime.Signal{Signal: spec.Name, Value: value})
	}
	return event, nil
}
