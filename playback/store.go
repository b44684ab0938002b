package playback

import "sync"

// Listener observes every dispatched action together with the state before and after it.
type Listener func(prev, next State, action Action)

type listenerEntry struct {
	id int
	fn Listener
}

// Store owns a playback State. The state only changes through Dispatch.
type Store struct {
	mu           sync.Mutex
	state        State
	defaultSpeed Speed
	listeners    []listenerEntry
	nextID       int
	dispatched   int
}

// NewStore creates a stopped store whose step resets to defaultSpeed.
func NewStore(defaultSpeed Speed) *Store {
	if !defaultSpeed.Valid() {
		defaultSpeed = DefaultSpeed
	}
	return &Store{
		state:        State{Speed: defaultSpeed},
		defaultSpeed: defaultSpeed,
	}
}

// State returns the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatched returns the number of actions applied so far.
func (s *Store) Dispatched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatched
}

// Dispatch applies action and notifies listeners. Listeners run without the
// store lock held and may dispatch further actions. The returned state
// includes the effect of those nested dispatches.
func (s *Store) Dispatch(action Action) State {
	s.mu.Lock()
	prev := s.state
	next := Reduce(prev, action, s.defaultSpeed)
	s.state = next
	s.dispatched++
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, entry := range listeners {
		entry.fn(prev, next, action)
	}
	return s.State()
}

// Subscribe registers fn and returns a function removing it again. The
// returned function is safe to call more than once.
func (s *Store) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, entry := range s.listeners {
				if entry.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}
