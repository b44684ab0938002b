package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyPayload is returned for a payload without any content.
var ErrEmptyPayload = errors.New("empty sensor state payload")

// DecodeSensorStates accepts one event or a list of events. Every event must
// name its machine and sensor.
func DecodeSensorStates(raw []byte) ([]SensorState, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	var events []SensorState
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, err
		}
	} else {
		var event SensorState
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, err
		}
		events = []SensorState{event}
	}
	for i, event := range events {
		if event.IDMachine == "" || event.SensorID == "" {
			return nil, fmt.Errorf("event %d: idMachine and sensorId are required", i)
		}
	}
	return events, nil
}
