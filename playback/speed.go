package playback

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Speed is the playback step applied to the timeline on every tick.
type Speed time.Duration

// DefaultSpeed is the step restored by a stop.
const DefaultSpeed = Speed(time.Minute)

var ladder = []Speed{
	Speed(30 * time.Second),
	Speed(time.Minute),
	Speed(2 * time.Minute),
	Speed(5 * time.Minute),
}

// Speeds returns the selectable playback steps in cycling order.
func Speeds() []Speed {
	out := make([]Speed, len(ladder))
	copy(out, ladder)
	return out
}

// Duration returns the step as a time.Duration.
func (s Speed) Duration() time.Duration {
	return time.Duration(s)
}

// Label renders the step as "Ns" below one minute and "Nm" otherwise.
func (s Speed) Label() string {
	d := time.Duration(s)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return fmt.Sprintf("%dm", int64(d/time.Minute))
}

// Valid reports whether the step is part of the ladder.
func (s Speed) Valid() bool {
	for _, candidate := range ladder {
		if candidate == s {
			return true
		}
	}
	return false
}

// Next returns the following step of the ladder, wrapping after the last one.
// Unknown steps restart the ladder.
func (s Speed) Next() Speed {
	for i, candidate := range ladder {
		if candidate == s {
			return ladder[(i+1)%len(ladder)]
		}
	}
	return ladder[0]
}

// ParseSpeed accepts a Go duration ("30s", "2m") or a millisecond count ("60000").
func ParseSpeed(value string) (Speed, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultSpeed, nil
	}
	var speed Speed
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		speed = Speed(time.Duration(ms) * time.Millisecond)
	} else {
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("parse playback speed %q: %w", value, err)
		}
		speed = Speed(d)
	}
	if !speed.Valid() {
		return 0, fmt.Errorf("playback speed %q is not one of 30s, 1m, 2m, 5m", value)
	}
	return speed, nil
}
