package fleet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Positions of the fields inside a tuple-encoded vessel record.
const (
	IndexTimestamp = iota
	IndexLat
	IndexLon
	IndexSpeed
	IndexCourse
	IndexHeading
	IndexVesselID
	IndexName
	IndexMMSI
	IndexVesselClass
	IndexVesselType

	recordWidth
)

// ErrMalformed is returned when a payload is not shaped like a snapshot or record tuple.
var ErrMalformed = errors.New("malformed playback payload")

// VesselRecord is one vessel position inside a snapshot. Numeric members are
// nil when the backend sent null, omitted the member or sent a short tuple.
type VesselRecord struct {
	// Timestamp is the time of the position report in epoch seconds.
	Timestamp *int64
	Lat       *float64
	Lon       *float64
	Speed     *float64
	Course    *float64
	Heading   *float64

	VesselID    string
	Name        string
	MMSI        string
	VesselClass string
	VesselType  string
}

// HasPosition reports whether the record carries a finite latitude.
func (r VesselRecord) HasPosition() bool {
	return r.Lat != nil && !math.IsNaN(*r.Lat) && !math.IsInf(*r.Lat, 0)
}

// ReportedAt returns the position report time when the record has one.
func (r VesselRecord) ReportedAt() (time.Time, bool) {
	if r.Timestamp == nil {
		return time.Time{}, false
	}
	return time.Unix(*r.Timestamp, 0).UTC(), true
}

// UnmarshalJSON decodes the fixed-position tuple form.
func (r *VesselRecord) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: vessel record: %v", ErrMalformed, err)
	}
	var out VesselRecord
	var err error
	if out.Timestamp, err = optionalInt(field(fields, IndexTimestamp)); err != nil {
		return fmt.Errorf("vessel record timestamp: %w", err)
	}
	floats := []struct {
		index int
		dst   **float64
		name  string
	}{
		{IndexLat, &out.Lat, "lat"},
		{IndexLon, &out.Lon, "lon"},
		{IndexSpeed, &out.Speed, "speed"},
		{IndexCourse, &out.Course, "course"},
		{IndexHeading, &out.Heading, "heading"},
	}
	for _, f := range floats {
		if *f.dst, err = optionalFloat(field(fields, f.index)); err != nil {
			return fmt.Errorf("vessel record %s: %w", f.name, err)
		}
	}
	texts := []struct {
		index int
		dst   *string
		name  string
	}{
		{IndexVesselID, &out.VesselID, "vessel id"},
		{IndexName, &out.Name, "name"},
		{IndexMMSI, &out.MMSI, "mmsi"},
		{IndexVesselClass, &out.VesselClass, "vessel class"},
		{IndexVesselType, &out.VesselType, "vessel type"},
	}
	for _, f := range texts {
		if *f.dst, err = optionalText(field(fields, f.index)); err != nil {
			return fmt.Errorf("vessel record %s: %w", f.name, err)
		}
	}
	*r = out
	return nil
}

// MarshalJSON encodes the record back into its tuple form.
func (r VesselRecord) MarshalJSON() ([]byte, error) {
	tuple := make([]interface{}, recordWidth)
	if r.Timestamp != nil {
		tuple[IndexTimestamp] = *r.Timestamp
	}
	setFloat := func(index int, value *float64) {
		if value != nil && !math.IsNaN(*value) && !math.IsInf(*value, 0) {
			tuple[index] = *value
		}
	}
	setFloat(IndexLat, r.Lat)
	setFloat(IndexLon, r.Lon)
	setFloat(IndexSpeed, r.Speed)
	setFloat(IndexCourse, r.Course)
	setFloat(IndexHeading, r.Heading)
	tuple[IndexVesselID] = r.VesselID
	tuple[IndexName] = r.Name
	tuple[IndexMMSI] = r.MMSI
	tuple[IndexVesselClass] = r.VesselClass
	tuple[IndexVesselType] = r.VesselType
	return json.Marshal(tuple)
}

// PositionSnapshot is one timestamped batch of vessel records.
type PositionSnapshot struct {
	// Timestamp is the snapshot time in epoch milliseconds.
	Timestamp int64
	Records   []VesselRecord
}

// Time returns the snapshot timestamp as a time value.
func (s PositionSnapshot) Time() time.Time {
	return time.UnixMilli(s.Timestamp).UTC()
}

// UnmarshalJSON decodes the `[timestamp, records]` pair.
func (s *PositionSnapshot) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: snapshot: %v", ErrMalformed, err)
	}
	if len(fields) < 1 {
		return fmt.Errorf("%w: snapshot without timestamp", ErrMalformed)
	}
	ts, err := optionalInt(fields[0])
	if err != nil {
		return fmt.Errorf("snapshot timestamp: %w", err)
	}
	if ts == nil {
		return fmt.Errorf("%w: snapshot timestamp is null", ErrMalformed)
	}
	var records []VesselRecord
	if raw := field(fields, 1); raw != nil && !isNull(raw) {
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("snapshot %d records: %w", *ts, err)
		}
	}
	s.Timestamp = *ts
	s.Records = records
	return nil
}

// MarshalJSON encodes the snapshot as a `[timestamp, records]` pair.
func (s PositionSnapshot) MarshalJSON() ([]byte, error) {
	records := s.Records
	if records == nil {
		records = []VesselRecord{}
	}
	return json.Marshal([]interface{}{s.Timestamp, records})
}

func field(fields []json.RawMessage, index int) json.RawMessage {
	if index >= len(fields) {
		return nil
	}
	return fields[index]
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func optionalFloat(raw json.RawMessage) (*float64, error) {
	if raw == nil || isNull(raw) {
		return nil, nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("%w: %s is not a number", ErrMalformed, string(raw))
		}
		if text == "" {
			return nil, nil
		}
		number = json.Number(text)
	}
	value, err := number.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// "NaN" and "Inf" strings parse but cannot be encoded again.
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, nil
	}
	return &value, nil
}

func optionalInt(raw json.RawMessage) (*int64, error) {
	value, err := optionalFloat(raw)
	if err != nil || value == nil {
		return nil, err
	}
	truncated := int64(*value)
	return &truncated, nil
}

func optionalText(raw json.RawMessage) (string, error) {
	if raw == nil || isNull(raw) {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return number.String(), nil
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return strconv.FormatBool(flag), nil
	}
	return "", fmt.Errorf("%w: %s is not a scalar", ErrMalformed, string(raw))
}
