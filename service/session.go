package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/timzifer/fleetreplay/fleet"
	"github.com/timzifer/fleetreplay/markers"
	"github.com/timzifer/fleetreplay/playback"
	"github.com/timzifer/fleetreplay/realtime"
	"github.com/timzifer/fleetreplay/remote"
	"github.com/timzifer/fleetreplay/telemetry"
)

const (
	sessionWriteWait = 10 * time.Second

	frameTypeState = "frame"
	frameTypeError = "error"

	errorKindCommand = "command"
	errorKindFetch   = "fetch"
)

type sessionCommand struct {
	Action string `json:"action"`
	// Time is the seek target in epoch milliseconds.
	Time  *int64 `json:"time,omitempty"`
	Speed string `json:"speed,omitempty"`
	Show  *bool  `json:"show,omitempty"`
}

type sessionFrame struct {
	Type     string           `json:"type"`
	Session  string           `json:"session"`
	State    *playback.State  `json:"state,omitempty"`
	Timer    string           `json:"timer,omitempty"`
	Min      *int64           `json:"min,omitempty"`
	Max      *int64           `json:"max,omitempty"`
	Snapshot *int64           `json:"snapshot,omitempty"`
	Markers  []markers.Marker `json:"markers,omitempty"`
	Error    string           `json:"error,omitempty"`
	Kind     string           `json:"kind,omitempty"`
}

// sessionInfo summarises a session for the sessions endpoint.
type sessionInfo struct {
	ID         string                `json:"id"`
	Enterprise string                `json:"enterprise"`
	Hours      int                   `json:"hours"`
	Snapshots  int                   `json:"snapshots"`
	Started    time.Time             `json:"started"`
	State      playback.State        `json:"state"`
	Ticker     playback.TickerStatus `json:"ticker"`
}

// session is one playback client. All state changes run on the session loop.
type session struct {
	id         string
	enterprise string
	hours      int
	started    time.Time
	logger     zerolog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	dataset   *fleet.Dataset
	store     *playback.Store
	control   *playback.Control
	ticker    *playback.Ticker
	showNames bool

	renderer  *markers.Renderer
	telemetry telemetry.Collector

	events chan sessionEvent
	cancel context.CancelFunc
}

type sessionEvent struct {
	tick    bool
	command sessionCommand
}

func (s *session) info() sessionInfo {
	return sessionInfo{
		ID:         s.id,
		Enterprise: s.enterprise,
		Hours:      s.hours,
		Snapshots:  s.dataset.Len(),
		Started:    s.started,
		State:      s.store.State(),
		Ticker:     s.ticker.Status(),
	}
}

func (s *session) send(frame sessionFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) sendError(kind, message string) error {
	return s.send(sessionFrame{Type: frameTypeError, Session: s.id, Kind: kind, Error: message})
}

// frame renders the current state together with the markers of the selected snapshot.
func (s *session) frame() sessionFrame {
	state := s.store.State()
	out := sessionFrame{
		Type:    frameTypeState,
		Session: s.id,
		State:   &state,
		Timer:   s.control.TimerLabel(),
		Markers: []markers.Marker{},
	}
	if min, max, ok := s.control.Bounds(); ok {
		out.Min, out.Max = &min, &max
	}
	if snapshot, ok := s.dataset.Select(state.Time); ok {
		ts := snapshot.Timestamp
		out.Snapshot = &ts
		out.Markers = s.renderer.Render(snapshot.Records, s.showNames)
	}
	return out
}

// apply executes one command. It returns a message when the command is rejected.
func (s *session) apply(cmd sessionCommand) string {
	switch strings.ToLower(strings.TrimSpace(cmd.Action)) {
	case "toggle":
		s.control.Toggle()
	case "pause":
		s.control.Pause()
	case "seek":
		if cmd.Time == nil {
			return "seek requires a time"
		}
		s.control.Seek(time.UnixMilli(*cmd.Time).UTC())
	case "speed":
		if cmd.Speed == "" {
			s.control.CycleSpeed()
			return ""
		}
		speed, err := playback.ParseSpeed(cmd.Speed)
		if err != nil {
			return err.Error()
		}
		s.store.Dispatch(playback.SetSpeed(speed))
	case "names":
		if cmd.Show == nil {
			s.showNames = !s.showNames
		} else {
			s.showNames = *cmd.Show
		}
	default:
		return fmt.Sprintf("unknown action %q", cmd.Action)
	}
	return ""
}

// loop serialises ticks and commands and pushes a frame after each of them.
func (s *session) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			if ev.tick {
				if !s.store.State().IsPlaying {
					continue
				}
				s.store.Dispatch(playback.Advance())
				s.telemetry.IncPlaybackTick()
			} else if msg := s.apply(ev.command); msg != "" {
				if err := s.sendError(errorKindCommand, msg); err != nil {
					s.cancel()
					return
				}
				continue
			}
			if err := s.send(s.frame()); err != nil {
				s.logger.Debug().Err(err).Msg("playback frame not delivered")
				s.cancel()
				return
			}
		}
	}
}

func (s *session) post(ctx context.Context, ev sessionEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *session) close() {
	if s.cancel != nil {
		s.cancel()
	}
}

type sessionRegistry struct {
	telemetry telemetry.Collector

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionRegistry(collector telemetry.Collector) *sessionRegistry {
	return &sessionRegistry{telemetry: collector, sessions: make(map[string]*session)}
}

func (r *sessionRegistry) add(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	count := len(r.sessions)
	r.mu.Unlock()
	r.telemetry.SetActiveSessions(count)
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()
	r.telemetry.SetActiveSessions(count)
}

func (r *sessionRegistry) list() []sessionInfo {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	out := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (s *Service) parseHours(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.cfg.DefaultHours(), nil
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return 0, fmt.Errorf("hours must be a positive integer")
	}
	return hours, nil
}

func (s *Service) fetchFailed(err error) string {
	kind := string(remote.ErrorKind(err))
	if kind == "" {
		kind = errorKindFetch
	}
	s.telemetry.IncFetchFailure(kind)
	return kind
}

// handlePlaybackSocket runs one playback session per websocket connection.
func (s *Service) handlePlaybackSocket(w http.ResponseWriter, r *http.Request) {
	enterprise := strings.TrimSpace(r.URL.Query().Get("idEnterprise"))
	if enterprise == "" {
		http.Error(w, "idEnterprise required", http.StatusBadRequest)
		return
	}
	hours, err := s.parseHours(r.URL.Query().Get("hours"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := realtime.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("playback websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancelCtx := context.WithCancel(r.Context())
	cancel := func() {
		cancelCtx()
		conn.Close()
	}
	defer cancel()

	id := uuid.NewString()
	store := playback.NewStore(s.defaultSpeed)
	sess := &session{
		id:         id,
		enterprise: enterprise,
		hours:      hours,
		started:    s.now(),
		logger:     s.logger.With().Str("component", "playback").Str("session", id).Str("enterprise", enterprise).Logger(),
		conn:       conn,
		dataset:    fleet.NewDataset(nil),
		store:      store,
		control:    playback.Mount(store),
		ticker:     playback.NewTicker(s.cfg.TickInterval()),
		showNames:  s.cfg.Markers.ShowNames,
		renderer:   s.renderer,
		telemetry:  s.telemetry,
		events:     make(chan sessionEvent),
		cancel:     cancel,
	}
	detach := sess.ticker.Follow(store)
	defer func() {
		detach()
		sess.control.Unmount()
		s.sessions.remove(id)
		sess.logger.Debug().Msg("playback session closed")
	}()

	snapshots, err := s.source.Playback(ctx, enterprise, hours)
	if err != nil {
		kind := s.fetchFailed(err)
		sess.logger.Error().Err(err).Str("kind", kind).Msg("playback fetch failed")
		if err := sess.sendError(kind, "playback data unavailable"); err != nil {
			return
		}
	} else {
		sess.dataset = fleet.NewDataset(snapshots)
		if min, max, ok := sess.dataset.Bounds(); ok {
			sess.control.SetBounds(min, max)
		}
	}
	s.sessions.add(sess)
	sess.logger.Info().Int("snapshots", sess.dataset.Len()).Int("hours", hours).Msg("playback session started")
	if err := sess.send(sess.frame()); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.loop(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = sess.ticker.Run(ctx, func(time.Time) {
			sess.post(ctx, sessionEvent{tick: true})
		})
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd sessionCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			if err := sess.sendError(errorKindCommand, "malformed command"); err != nil {
				break
			}
			continue
		}
		if !sess.post(ctx, sessionEvent{command: cmd}) {
			break
		}
	}
	cancel()
	wg.Wait()
}
