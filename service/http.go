package service

import (
	"bytes"
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timzifer/fleetreplay/aggregate"
	"github.com/timzifer/fleetreplay/config"
	"github.com/timzifer/fleetreplay/fleet"
	"github.com/timzifer/fleetreplay/realtime"
	"github.com/timzifer/fleetreplay/remote"
	"github.com/timzifer/fleetreplay/store"
)

const maxBodyBytes = 32 << 20

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/regiondata/playback", s.handlePlayback)
	mux.HandleFunc("/sensorstate/chart/manycountbooleandate", s.handleCountBooleanDate)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/sensorstate", s.handleSensorState)
	mux.HandleFunc("/api/charts/", s.handleChart)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.Handle("/ws/realtime", realtime.NewSocketHandler(s.hub, s.logger))
	mux.HandleFunc("/ws/playback", s.handlePlaybackSocket)
	return mux
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode response")
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Debug().Err(err).Msg("write response")
	}
}

type indexData struct {
	Listen   string
	Source   string
	Sessions []sessionInfo
	Charts   []chartView
	Topics   []string
	Stats    store.Stats
	Now      time.Time
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("read store stats")
	}
	data := indexData{
		Listen:   s.cfg.ListenAddress(),
		Source:   s.cfg.PlaybackSource(),
		Sessions: s.sessions.list(),
		Topics:   s.hub.Topics(),
		Stats:    stats,
		Now:      s.now().UTC(),
	}
	for _, chart := range s.charts {
		data.Charts = append(data.Charts, chart.view())
	}
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, data); err != nil {
		s.logger.Error().Err(err).Msg("render status page")
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	body := map[string]interface{}{
		"status":        "ok",
		"sessions":      s.sessions.count(),
		"subscriptions": s.hub.Subscriptions(),
	}
	if s.ingester != nil {
		body["mqtt"] = s.ingester.Status()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Service) handlePlayback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
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
	snapshots, err := s.source.Playback(r.Context(), enterprise, hours)
	if err != nil {
		kind := s.fetchFailed(err)
		s.logger.Error().Err(err).Str("kind", kind).Str("enterprise", enterprise).Msg("playback fetch failed")
		status := http.StatusInternalServerError
		if remote.ErrorKind(err) != remote.KindNone {
			status = http.StatusBadGateway
		}
		http.Error(w, "playback data unavailable", status)
		return
	}
	if snapshots == nil {
		snapshots = []fleet.PositionSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, snapshots)
}

func (s *Service) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	enterprise := strings.TrimSpace(r.URL.Query().Get("idEnterprise"))
	if enterprise == "" {
		http.Error(w, "idEnterprise required", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	var snapshots []fleet.PositionSnapshot
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&snapshots); err != nil {
		http.Error(w, "invalid snapshots", http.StatusBadRequest)
		return
	}
	written, err := s.store.InsertPositions(r.Context(), enterprise, snapshots)
	if err != nil {
		s.logger.Error().Err(err).Str("enterprise", enterprise).Msg("store positions")
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"snapshots": len(snapshots), "records": written})
}

func (s *Service) handleSensorState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	events, err := realtime.DecodeSensorStates(raw)
	if err != nil {
		s.telemetry.IncIngestFailure(sourceHTTP)
		http.Error(w, "invalid sensor state: "+err.Error(), http.StatusBadRequest)
		return
	}
	delivered, err := s.ingest(r.Context(), sourceHTTP, events)
	if err != nil {
		s.logger.Error().Err(err).Msg("store sensor states")
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"stored": len(events), "delivered": delivered})
}

// parseDay accepts YYYY-MM-DD or RFC 3339. A bare date used as an upper
// bound covers the whole day.
func parseDay(value string, upper bool) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		if upper {
			return t.Add(24*time.Hour - time.Millisecond), nil
		}
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

func (s *Service) handleCountBooleanDate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	chart := s.chart(strings.TrimSpace(query.Get("idChart")))
	if chart == nil || chart.counter == nil {
		http.Error(w, "unknown boolean date chart", http.StatusNotFound)
		return
	}
	min, max := aggregate.DefaultWindow(chart.counter.Granularity(), s.now())
	if raw := strings.TrimSpace(query.Get("min")); raw != "" {
		t, err := parseDay(raw, false)
		if err != nil {
			http.Error(w, "invalid min", http.StatusBadRequest)
			return
		}
		min = t
	}
	if raw := strings.TrimSpace(query.Get("max")); raw != "" {
		t, err := parseDay(raw, true)
		if err != nil {
			http.Error(w, "invalid max", http.StatusBadRequest)
			return
		}
		max = t
	}
	if max.Before(min) {
		http.Error(w, "max before min", http.StatusBadRequest)
		return
	}
	buckets, err := s.history(r.Context(), chart, min, max)
	if err != nil {
		s.logger.Error().Err(err).Str("chart", chart.cfg.ID).Msg("load chart history")
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, buckets)
}

func (s *Service) handleChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/charts/"), "/")
	if id == "" {
		views := make([]chartView, 0, len(s.charts))
		for _, chart := range s.charts {
			views = append(views, chart.view())
		}
		s.writeJSON(w, http.StatusOK, views)
		return
	}
	chart := s.chart(id)
	if chart == nil {
		http.NotFound(w, r)
		return
	}
	if chart.cfg.Type == config.ChartBattery {
		chart.flush()
	}
	s.writeJSON(w, http.StatusOK, chart.view())
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sessions.list())
}

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"stamp": func(t time.Time) string { return t.Format(time.RFC3339) },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Fleet replay</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #1f2933; }
table { border-collapse: collapse; margin-bottom: 1.5rem; }
th, td { border: 1px solid #cbd2d9; padding: 0.3rem 0.6rem; text-align: left; }
th { background: #f0f4f8; }
.muted { color: #7b8794; }
</style>
</head>
<body>
<h1>Fleet replay</h1>
<p class="muted">{{.Listen}} &middot; source {{.Source}} &middot; {{stamp .Now}}</p>

<h2>Storage</h2>
<table>
<tr><th>Enterprises</th><th>Snapshots</th><th>Records</th><th>Sensor states</th></tr>
<tr><td>{{.Stats.Enterprises}}</td><td>{{.Stats.Snapshots}}</td><td>{{.Stats.Records}}</td><td>{{.Stats.SensorStates}}</td></tr>
</table>

<h2>Playback sessions</h2>
{{if .Sessions}}
<table>
<tr><th>Session</th><th>Enterprise</th><th>Hours</th><th>Snapshots</th><th>Playing</th><th>Speed</th></tr>
{{range .Sessions}}<tr><td>{{.ID}}</td><td>{{.Enterprise}}</td><td>{{.Hours}}</td><td>{{.Snapshots}}</td><td>{{.State.IsPlaying}}</td><td>{{.State.Speed.Label}}</td></tr>
{{end}}</table>
{{else}}<p class="muted">No active sessions.</p>{{end}}

<h2>Charts</h2>
{{if .Charts}}
<table>
<tr><th>Chart</th><th>Type</th><th>Topics</th></tr>
{{range .Charts}}<tr><td><a href="/api/charts/{{.ID}}">{{.ID}}</a></td><td>{{.Type}}</td><td>{{range .Topics}}{{.}} {{end}}</td></tr>
{{end}}</table>
{{else}}<p class="muted">No charts configured.</p>{{end}}

<h2>Realtime topics</h2>
{{if .Topics}}<ul>{{range .Topics}}<li>{{.}}</li>{{end}}</ul>{{else}}<p class="muted">No subscriptions.</p>{{end}}
</body>
</html>
`))
