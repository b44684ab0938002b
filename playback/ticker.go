package playback

import (
	"context"
	"errors"
	"sync"
	"time"
)

type tickerMode string

const (
	tickerModeRun   tickerMode = "run"
	tickerModePause tickerMode = "pause"
)

// TickerStatus describes the ticker for diagnostics.
type TickerStatus struct {
	Running     bool          `json:"running"`
	Interval    time.Duration `json:"interval"`
	IntervalMS  int64         `json:"interval_ms"`
	IntervalStr string        `json:"interval_text"`
}

// Ticker paces playback advances. While running it fires once per interval;
// while paused it blocks until it is resumed or its context ends.
type Ticker struct {
	mu       sync.RWMutex
	mode     tickerMode
	interval time.Duration
	notify   chan struct{}
}

// NewTicker creates a paused ticker.
func NewTicker(interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Ticker{
		mode:     tickerModePause,
		interval: interval,
		notify:   make(chan struct{}, 1),
	}
}

// Wait blocks until the next tick.
func (t *Ticker) Wait(ctx context.Context) (time.Time, error) {
	for {
		t.mu.RLock()
		mode := t.mode
		interval := t.interval
		t.mu.RUnlock()

		switch mode {
		case tickerModeRun:
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return time.Time{}, ctx.Err()
			case <-timer.C:
				return time.Now(), nil
			case <-t.notify:
				if !timer.Stop() {
					<-timer.C
				}
				continue
			}
		case tickerModePause:
			select {
			case <-ctx.Done():
				return time.Time{}, ctx.Err()
			case <-t.notify:
				continue
			}
		default:
			return time.Time{}, errors.New("unknown ticker mode")
		}
	}
}

// Run calls fn on every tick until ctx ends.
func (t *Ticker) Run(ctx context.Context, fn func(time.Time)) error {
	for {
		now, err := t.Wait(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		fn(now)
	}
}

// SetRunning resumes or pauses the ticker.
func (t *Ticker) SetRunning(running bool) {
	mode := tickerModePause
	if running {
		mode = tickerModeRun
	}
	t.mu.Lock()
	if t.mode == mode {
		t.mu.Unlock()
		return
	}
	t.mode = mode
	t.mu.Unlock()
	t.signal()
}

// SetInterval changes the wall-clock time between ticks.
func (t *Ticker) SetInterval(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	t.mu.Lock()
	if t.interval == d {
		t.mu.Unlock()
		return
	}
	t.interval = d
	t.mu.Unlock()
	t.signal()
}

// Status reports the ticker mode and interval.
func (t *Ticker) Status() TickerStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TickerStatus{
		Running:     t.mode == tickerModeRun,
		Interval:    t.interval,
		IntervalMS:  int64(t.interval / time.Millisecond),
		IntervalStr: t.interval.String(),
	}
}

// Follow keeps the ticker running exactly while the store is playing. The
// returned function detaches it.
func (t *Ticker) Follow(store *Store) func() {
	t.SetRunning(store.State().IsPlaying)
	return store.Subscribe(func(State, State, Action) {
		// Nested dispatches may already have moved past next.
		t.SetRunning(store.State().IsPlaying)
	})
}

func (t *Ticker) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}
