package realtime

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// TopicPrefix starts every sensor state topic.
const TopicPrefix = "sensorstate_"

// Topic returns the channel name for a sensor of a machine.
func Topic(sensorID, machineID string) string {
	return fmt.Sprintf("%s%s_%s", TopicPrefix, sensorID, machineID)
}

// Signal is one named value inside a sensor state event.
type Signal struct {
	Signal string      `json:"signal"`
	Value  interface{} `json:"value"`
}

// SensorState is one event published on a sensor state topic.
type SensorState struct {
	IDMachine string   `json:"idMachine"`
	SensorID  string   `json:"sensorId"`
	Signals   []Signal `json:"signals"`
	// DateServer is the server receive time.
	DateServer time.Time `json:"dateServer"`
}

// Topic returns the topic the event belongs to.
func (s SensorState) Topic() string {
	return Topic(s.SensorID, s.IDMachine)
}

// Value returns the value of the named signal.
func (s SensorState) Value(signal string) (interface{}, bool) {
	for _, sig := range s.Signals {
		if sig.Signal == signal {
			return sig.Value, true
		}
	}
	return nil, false
}

// AnyTruthy reports whether at least one signal carries a truthy value.
func (s SensorState) AnyTruthy() bool {
	for _, sig := range s.Signals {
		if Truthy(sig.Value) {
			return true
		}
	}
	return false
}

// Truthy applies loose truthiness to a decoded JSON value: false, zero,
// NaN, the empty string and null are falsy; everything else is truthy.
func Truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0 && !math.IsNaN(v)
	case float32:
		return v != 0 && !math.IsNaN(float64(v))
	case int:
		return v != 0
	case int64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}

// ValidTopic reports whether topic names a sensor state channel.
func ValidTopic(topic string) bool {
	return strings.HasPrefix(topic, TopicPrefix) && len(topic) > len(TopicPrefix)
}
