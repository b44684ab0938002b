package playback

import (
	"encoding/json"
	"time"
)

// State is the playback position shared by a control, its ticker and the marker view.
type State struct {
	// Time is the current timeline position. The zero value means unset.
	Time      time.Time
	IsPlaying bool
	Speed     Speed
}

type stateJSON struct {
	Time      *int64 `json:"time"`
	IsPlaying bool   `json:"isPlaying"`
	Speed     int64  `json:"speed"`
	Label     string `json:"label"`
}

// MarshalJSON renders the state with epoch millisecond time and speed.
func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{
		IsPlaying: s.IsPlaying,
		Speed:     s.Speed.Duration().Milliseconds(),
		Label:     s.Speed.Label(),
	}
	if !s.Time.IsZero() {
		ms := s.Time.UnixMilli()
		out.Time = &ms
	}
	return json.Marshal(out)
}

// ActionKind names a state transition.
type ActionKind string

const (
	ActionSeek      ActionKind = "seek"
	ActionPlayPause ActionKind = "play_pause"
	ActionSpeed     ActionKind = "speed"
	ActionAdvance   ActionKind = "advance"
	ActionStop      ActionKind = "stop"
)

// Action is a dispatched state transition.
type Action struct {
	Kind    ActionKind
	Time    time.Time
	Playing bool
	Speed   Speed
}

// Seek moves the timeline to t.
func Seek(t time.Time) Action { return Action{Kind: ActionSeek, Time: t} }

// Play starts playback.
func Play() Action { return Action{Kind: ActionPlayPause, Playing: true} }

// Pause halts playback.
func Pause() Action { return Action{Kind: ActionPlayPause, Playing: false} }

// SetSpeed selects a playback step.
func SetSpeed(s Speed) Action { return Action{Kind: ActionSpeed, Speed: s} }

// Advance moves the timeline forward by the current step.
func Advance() Action { return Action{Kind: ActionAdvance} }

// Stop halts playback, clears the timeline and restores the default step.
func Stop() Action { return Action{Kind: ActionStop} }

// Reduce applies action to state. Unknown actions leave the state untouched.
func Reduce(state State, action Action, defaultSpeed Speed) State {
	switch action.Kind {
	case ActionSeek:
		state.Time = action.Time
	case ActionPlayPause:
		state.IsPlaying = action.Playing
	case ActionSpeed:
		if action.Speed.Valid() {
			state.Speed = action.Speed
		}
	case ActionAdvance:
		if state.IsPlaying && !state.Time.IsZero() {
			state.Time = state.Time.Add(state.Speed.Duration())
		}
	case ActionStop:
		state = State{Speed: defaultSpeed}
	}
	return state
}
