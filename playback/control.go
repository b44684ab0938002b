package playback

import (
	"sync"
	"time"
)

// Control drives a Store the way a play control bound to a dataset does:
// it seeds the timeline with the dataset start, toggles playback, cycles the
// step and pauses automatically once the timeline reaches the dataset end.
type Control struct {
	store *Store

	mu        sync.Mutex
	min       int64
	max       int64
	hasBounds bool

	unsubscribe func()
}

// Mount attaches a control to store and installs the auto-pause listener.
func Mount(store *Store) *Control {
	c := &Control{store: store}
	c.unsubscribe = store.Subscribe(c.autoPause)
	return c
}

// Store returns the store driven by the control.
func (c *Control) Store() *Store {
	return c.store
}

func (c *Control) autoPause(_, next State, _ Action) {
	if !next.IsPlaying || next.Time.IsZero() {
		return
	}
	_, max, ok := c.Bounds()
	if !ok || next.Time.UnixMilli() < max {
		return
	}
	c.store.Dispatch(Pause())
}

// Bounds returns the dataset range in epoch milliseconds.
func (c *Control) Bounds() (min, max int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.min, c.max, c.hasBounds
}

// SetBounds updates the dataset range. A new start seeks the timeline to it.
func (c *Control) SetBounds(min, max int64) {
	c.mu.Lock()
	changed := !c.hasBounds || c.min != min
	c.min, c.max, c.hasBounds = min, max, true
	c.mu.Unlock()

	if changed {
		c.store.Dispatch(Seek(time.UnixMilli(min).UTC()))
	}
}

// Toggle flips playback. At or past the dataset end it rewinds to the start
// and plays. Without a dataset range it does nothing.
func (c *Control) Toggle() State {
	min, max, ok := c.Bounds()
	if !ok {
		return c.store.State()
	}
	state := c.store.State()
	if !state.Time.IsZero() && state.Time.UnixMilli() >= max {
		c.store.Dispatch(Seek(time.UnixMilli(min).UTC()))
		return c.store.Dispatch(Play())
	}
	if state.IsPlaying {
		return c.store.Dispatch(Pause())
	}
	return c.store.Dispatch(Play())
}

// Pause halts playback.
func (c *Control) Pause() State {
	return c.store.Dispatch(Pause())
}

// Seek moves the timeline to t.
func (c *Control) Seek(t time.Time) State {
	return c.store.Dispatch(Seek(t))
}

// CycleSpeed selects the next step of the speed ladder.
func (c *Control) CycleSpeed() State {
	return c.store.Dispatch(SetSpeed(c.store.State().Speed.Next()))
}

// TimerLabel renders the current step while playing and nothing otherwise.
func (c *Control) TimerLabel() string {
	state := c.store.State()
	if !state.IsPlaying {
		return ""
	}
	return state.Speed.Label()
}

// Unmount detaches the control and stops playback. Every call dispatches a stop.
func (c *Control) Unmount() State {
	c.unsubscribe()
	return c.store.Dispatch(Stop())
}
