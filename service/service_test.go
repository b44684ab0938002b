package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/fleetreplay/config"
	"github.com/timzifer/fleetreplay/fleet"
	"github.com/timzifer/fleetreplay/realtime"
	"github.com/timzifer/fleetreplay/remote"
)

type recordingCollector struct {
	mu       sync.Mutex
	failures map[string]int
	ticks    int
	sessions int
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{failures: make(map[string]int)}
}

func (r *recordingCollector) IncHotReload(string)                     {}
func (r *recordingCollector) IncRealtimeEvents(string, int)           {}
func (r *recordingCollector) SetSubscriptions(int)                    {}
func (r *recordingCollector) IncBufferDropped(string, string, uint64) {}
func (r *recordingCollector) IncIngested(string, int)                 {}
func (r *recordingCollector) IncIngestFailure(string)                 {}

func (r *recordingCollector) IncPlaybackTick() {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()
}

func (r *recordingCollector) SetActiveSessions(count int) {
	r.mu.Lock()
	r.sessions = count
	r.mu.Unlock()
}

func (r *recordingCollector) IncFetchFailure(kind string) {
	r.mu.Lock()
	r.failures[kind]++
	r.mu.Unlock()
}

func (r *recordingCollector) failureCount(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[kind]
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Listen:  "127.0.0.1:0",
		Storage: config.StorageConfig{Path: filepath.Join(t.TempDir(), "fleet.db")},
		Playback: config.PlaybackConfig{
			Tick: config.Duration{Duration: 10 * time.Millisecond},
		},
		Charts: []config.ChartConfig{
			{ID: "door", Type: config.ChartBooleanDate, Granularity: "day", Machines: []config.ChartMachineConfig{{Sensor: "door", Machine: "m1"}}},
			{ID: "battery", Type: config.ChartBattery, Machines: []config.ChartMachineConfig{{Sensor: "power", Machine: "m2"}}},
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config, opts ...Option) (*Service, *httptest.Server) {
	t.Helper()
	svc, err := New(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, svc.Close()) })
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)
	return svc, server
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func ptr(v float64) *float64 { return &v }

func vessel(id, name string, lat float64) fleet.VesselRecord {
	ts := int64(1700000000)
	return fleet.VesselRecord{Timestamp: &ts, Lat: ptr(lat), Lon: ptr(-46.3), Course: ptr(90), VesselID: id, Name: name, VesselClass: "TUG", VesselType: "TUG"}
}

func TestPlaybackEndpointServesStoredSnapshots(t *testing.T) {
	_, server := newTestService(t, baseConfig(t))
	now := time.Now().Truncate(time.Second)
	older := now.Add(-20 * time.Minute).UnixMilli()
	newer := now.Add(-10 * time.Minute).UnixMilli()
	body := fmt.Sprintf(`[[%d,[[1700000000,-23.9,-46.3,10,90,null,"v1","ALPHA","123","TUG","TUG"]]],[%d,[[1700000000,-23.8,-46.3,10,90,null,"v1","ALPHA","123","TUG","TUG"],[null,null,null,null,null,null,"v2","BETA","456","CARGO_SHIP","CARGO"]]]]`, older, newer)

	resp := post(t, server.URL+"/api/positions?idEnterprise=ent-1", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var written map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&written))
	require.Equal(t, map[string]int{"snapshots": 2, "records": 3}, written)

	var snapshots []fleet.PositionSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/regiondata/playback?idEnterprise=ent-1&hours=1", &snapshots))
	require.Len(t, snapshots, 2)
	require.Equal(t, newer, snapshots[0].Timestamp, "newest snapshot first")
	require.Len(t, snapshots[0].Records, 2)
	require.False(t, snapshots[0].Records[1].HasPosition())

	require.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/regiondata/playback?hours=1", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/regiondata/playback?idEnterprise=ent-1&hours=x", nil))
	require.Equal(t, http.StatusBadRequest, post(t, server.URL+"/api/positions", "[]").StatusCode)
	require.Equal(t, http.StatusBadRequest, post(t, server.URL+"/api/positions?idEnterprise=e", "{").StatusCode)
}

func TestPlaybackEndpointReportsSourceFailures(t *testing.T) {
	collector := newRecordingCollector()
	failing := fleet.SourceFunc(func(context.Context, string, int) ([]fleet.PositionSnapshot, error) {
		return nil, &remote.Error{Kind: remote.KindServer, Status: http.StatusBadGateway, URL: "http://upstream"}
	})
	_, server := newTestService(t, baseConfig(t), WithSource(failing), WithTelemetry(collector))

	require.Equal(t, http.StatusBadGateway, getJSON(t, server.URL+"/regiondata/playback?idEnterprise=e", nil))
	require.Equal(t, 1, collector.failureCount("server"))
}

func TestSensorStateFeedsChartsAndSockets(t *testing.T) {
	_, server := newTestService(t, baseConfig(t))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws/realtime", nil)
	require.NoError(t, err)
	defer conn.Close()
	topic := realtime.Topic("door", "m1")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "join", "topics": []string{topic}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "joined", ack["action"])

	resp := post(t, server.URL+"/api/sensorstate", `[
		{"idMachine":"m1","sensorId":"door","signals":[{"signal":"open","value":true}],"dateServer":"2024-03-01T10:00:00Z"},
		{"idMachine":"m1","sensorId":"door","signals":[{"signal":"open","value":false}],"dateServer":"2024-03-01T11:00:00Z"},
		{"idMachine":"m2","sensorId":"power","signals":[{"signal":"battery","value":80}],"dateServer":"2024-03-01T10:00:00Z"},
		{"idMachine":"m2","sensorId":"power","signals":[{"signal":"battery","value":75}],"dateServer":"2024-03-01T10:05:00Z"}
	]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var forwarded struct {
		Topic string                 `json:"topic"`
		Data  []realtime.SensorState `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&forwarded))
	require.Equal(t, topic, forwarded.Topic)
	require.Len(t, forwarded.Data, 2)

	var door chartView
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/charts/door", &door))
	require.Equal(t, "day", door.Granularity)
	require.Len(t, door.Buckets, 1)
	require.Equal(t, "2024-03-01", door.Buckets[0].Date)
	require.Equal(t, 1, door.Buckets[0].Total)

	var battery struct {
		Levels []struct {
			Machine string `json:"machine"`
			Value   string `json:"value"`
		} `json:"levels"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/charts/battery", &battery))
	require.Len(t, battery.Levels, 1)
	require.Equal(t, "m2", battery.Levels[0].Machine)
	require.Equal(t, "75", battery.Levels[0].Value)

	var all []chartView
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/charts/", &all))
	require.Len(t, all, 2)
	require.Equal(t, http.StatusNotFound, getJSON(t, server.URL+"/api/charts/unknown", nil))

	require.Equal(t, http.StatusBadRequest, post(t, server.URL+"/api/sensorstate", `{"signals":[]}`).StatusCode)
	require.Equal(t, http.StatusBadRequest, post(t, server.URL+"/api/sensorstate", ``).StatusCode)
}

func TestCountBooleanDateFromHistory(t *testing.T) {
	_, server := newTestService(t, baseConfig(t))
	resp := post(t, server.URL+"/api/sensorstate", `[
		{"idMachine":"m1","sensorId":"door","signals":[{"signal":"open","value":true}],"dateServer":"2024-03-01T08:00:00Z"},
		{"idMachine":"m1","sensorId":"door","signals":[{"signal":"open","value":1}],"dateServer":"2024-03-01T09:00:00Z"},
		{"idMachine":"m1","sensorId":"door","signals":[{"signal":"open","value":true}],"dateServer":"2024-03-03T23:30:00Z"},
		{"idMachine":"m1","sensorId":"door","signals":[{"signal":"open","value":false}],"dateServer":"2024-03-03T12:00:00Z"},
		{"idMachine":"m1","sensorId":"door","signals":[{"signal":"open","value":true}],"dateServer":"2024-03-05T12:00:00Z"}
	]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buckets []struct {
		Date  string `json:"date"`
		Total int    `json:"total"`
	}
	url := server.URL + "/sensorstate/chart/manycountbooleandate?idChart=door&min=2024-03-01&max=2024-03-03"
	require.Equal(t, http.StatusOK, getJSON(t, url, &buckets))
	require.Len(t, buckets, 2)
	require.Equal(t, "2024-03-01", buckets[0].Date)
	require.Equal(t, 2, buckets[0].Total)
	require.Equal(t, "2024-03-03", buckets[1].Date)
	require.Equal(t, 1, buckets[1].Total)

	require.Equal(t, http.StatusNotFound, getJSON(t, server.URL+"/sensorstate/chart/manycountbooleandate?idChart=battery", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/sensorstate/chart/manycountbooleandate?idChart=door&min=yesterday", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/sensorstate/chart/manycountbooleandate?idChart=door&min=2024-03-05&max=2024-03-01", nil))
}

type testState struct {
	Time      *int64 `json:"time"`
	IsPlaying bool   `json:"isPlaying"`
	Speed     int64  `json:"speed"`
	Label     string `json:"label"`
}

type testFrame struct {
	Type     string                   `json:"type"`
	Session  string                   `json:"session"`
	State    *testState               `json:"state"`
	Timer    string                   `json:"timer"`
	Min      *int64                   `json:"min"`
	Max      *int64                   `json:"max"`
	Snapshot *int64                   `json:"snapshot"`
	Markers  []map[string]interface{} `json:"markers"`
	Error    string                   `json:"error"`
	Kind     string                   `json:"kind"`
}

func dialPlayback(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws/playback?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame testFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestPlaybackSessionPlaysToTheEndAndPauses(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	snapshots := []fleet.PositionSnapshot{
		{Timestamp: t0.Add(2 * time.Minute).UnixMilli(), Records: []fleet.VesselRecord{vessel("v1", "SAAM TUG", -23.7)}},
		{Timestamp: t0.UnixMilli(), Records: []fleet.VesselRecord{vessel("v1", "SAAM TUG", -23.9), {VesselID: "v2"}}},
		{Timestamp: t0.Add(time.Minute).UnixMilli(), Records: []fleet.VesselRecord{vessel("v1", "SAAM TUG", -23.8)}},
	}
	var (
		mu         sync.Mutex
		enterprise string
		hours      int
	)
	source := fleet.SourceFunc(func(_ context.Context, id string, h int) ([]fleet.PositionSnapshot, error) {
		mu.Lock()
		enterprise, hours = id, h
		mu.Unlock()
		return snapshots, nil
	})
	collector := newRecordingCollector()
	svc, server := newTestService(t, baseConfig(t), WithSource(source), WithTelemetry(collector))
	conn := dialPlayback(t, server, "idEnterprise=ent-9")

	first := readFrame(t, conn)
	require.Equal(t, "frame", first.Type)
	require.NotEmpty(t, first.Session)
	mu.Lock()
	require.Equal(t, "ent-9", enterprise)
	require.Equal(t, 12, hours)
	mu.Unlock()
	require.Equal(t, t0.UnixMilli(), *first.Min)
	require.Equal(t, t0.Add(2*time.Minute).UnixMilli(), *first.Max)
	require.Equal(t, t0.UnixMilli(), *first.State.Time, "timeline starts at the first snapshot")
	require.False(t, first.State.IsPlaying)
	require.Equal(t, "1m", first.State.Label)
	require.Empty(t, first.Timer)
	require.Len(t, first.Markers, 1, "records without latitude are hidden")
	require.Equal(t, "tug_saam", first.Markers[0]["rule"])
	require.Equal(t, 1, svc.sessions.count())

	require.NoError(t, conn.WriteJSON(sessionCommand{Action: "toggle"}))
	playing := readFrame(t, conn)
	require.True(t, playing.State.IsPlaying)
	require.Equal(t, "1m", playing.Timer)

	var last testFrame
	for {
		last = readFrame(t, conn)
		if !last.State.IsPlaying {
			break
		}
	}
	require.Equal(t, t0.Add(2*time.Minute).UnixMilli(), *last.State.Time)
	require.Equal(t, t0.Add(2*time.Minute).UnixMilli(), *last.Snapshot)
	require.Empty(t, last.Timer)

	require.NoError(t, conn.WriteJSON(sessionCommand{Action: "toggle"}))
	restarted := readFrame(t, conn)
	require.True(t, restarted.State.IsPlaying)
	require.Equal(t, t0.UnixMilli(), *restarted.State.Time, "toggle at the end rewinds")

	for {
		if frame := readFrame(t, conn); !frame.State.IsPlaying {
			break
		}
	}
	require.NoError(t, conn.WriteJSON(sessionCommand{Action: "pause"}))
	require.False(t, readFrame(t, conn).State.IsPlaying)

	require.NoError(t, conn.WriteJSON(sessionCommand{Action: "speed"}))
	require.Equal(t, "2m", readFrame(t, conn).State.Label)
	require.NoError(t, conn.WriteJSON(sessionCommand{Action: "speed", Speed: "30s"}))
	require.Equal(t, "30s", readFrame(t, conn).State.Label)

	seek := t0.Add(90 * time.Second).UnixMilli()
	require.NoError(t, conn.WriteJSON(sessionCommand{Action: "seek", Time: &seek}))
	sought := readFrame(t, conn)
	require.Equal(t, seek, *sought.State.Time)
	require.Equal(t, t0.Add(2*time.Minute).UnixMilli(), *sought.Snapshot, "the next snapshot at or after the time is shown")

	show := true
	require.NoError(t, conn.WriteJSON(sessionCommand{Action: "names", Show: &show}))
	named := readFrame(t, conn)
	require.Equal(t, "SAAM TUG", named.Markers[0]["tooltip"])

	require.NoError(t, conn.WriteJSON(sessionCommand{Action: "seek"}))
	rejected := readFrame(t, conn)
	require.Equal(t, "error", rejected.Type)
	require.Equal(t, "command", rejected.Kind)

	require.NoError(t, conn.WriteJSON(sessionCommand{Action: "rewind"}))
	require.Contains(t, readFrame(t, conn).Error, "unknown action")

	var infos []sessionInfo
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/sessions", &infos))
	require.Len(t, infos, 1)
	require.Equal(t, "ent-9", infos[0].Enterprise)
	require.Equal(t, 3, infos[0].Snapshots)

	conn.Close()
	require.Eventually(t, func() bool { return svc.sessions.count() == 0 }, 2*time.Second, 10*time.Millisecond)
	collector.mu.Lock()
	defer collector.mu.Unlock()
	require.GreaterOrEqual(t, collector.ticks, 2)
	require.Equal(t, 0, collector.sessions)
}

func TestPlaybackSessionFetchFailure(t *testing.T) {
	collector := newRecordingCollector()
	source := fleet.SourceFunc(func(context.Context, string, int) ([]fleet.PositionSnapshot, error) {
		return nil, errors.New("boom")
	})
	_, server := newTestService(t, baseConfig(t), WithSource(source), WithTelemetry(collector))
	conn := dialPlayback(t, server, "idEnterprise=ent&hours=3")

	failure := readFrame(t, conn)
	require.Equal(t, "error", failure.Type)
	require.Equal(t, "fetch", failure.Kind)
	require.Equal(t, 1, collector.failureCount("fetch"))

	empty := readFrame(t, conn)
	require.Equal(t, "frame", empty.Type)
	require.Nil(t, empty.Min)
	require.Nil(t, empty.State.Time)
	require.Empty(t, empty.Markers)

	require.NoError(t, conn.WriteJSON(sessionCommand{Action: "toggle"}))
	toggled := readFrame(t, conn)
	require.False(t, toggled.State.IsPlaying, "toggle without data does nothing")
}

func TestPlaybackSocketRequiresEnterprise(t *testing.T) {
	_, server := newTestService(t, baseConfig(t))
	require.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/ws/playback", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/ws/playback?idEnterprise=e&hours=0", nil))
}

func TestNonFiniteCoordinatesAreTreatedAsMissing(t *testing.T) {
	t0 := time.Now().Add(-10 * time.Minute).Truncate(time.Second)
	body := fmt.Sprintf(`[[%d,[[1700000000,"NaN","Inf",10,90,null,"v1","GHOST","1","TUG","TUG"],[1700000000,-23.9,-46.3,"NaN",90,null,"v2","ALPHA","2","TUG","TUG"]]]]`, t0.UnixMilli())
	var snapshots []fleet.PositionSnapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snapshots))

	source := fleet.SourceFunc(func(context.Context, string, int) ([]fleet.PositionSnapshot, error) {
		return snapshots, nil
	})
	_, server := newTestService(t, baseConfig(t), WithSource(source))

	conn := dialPlayback(t, server, "idEnterprise=ent")
	first := readFrame(t, conn)
	require.Equal(t, "frame", first.Type)
	require.Len(t, first.Markers, 1)
	require.Equal(t, "v2", first.Markers[0]["key"])

	var served []fleet.PositionSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/regiondata/playback?idEnterprise=ent", &served))
	require.Len(t, served, 1)
	require.Len(t, served[0].Records, 2)
	require.False(t, served[0].Records[0].HasPosition())
	require.Nil(t, served[0].Records[1].Speed)

	resp := post(t, server.URL+"/api/positions?idEnterprise=ent", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRemoteSourceSeedsChartsAndProxiesPlayback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sensorstate/chart/manycountbooleandate":
			require.Equal(t, "door", r.URL.Query().Get("idChart"))
			_, _ = w.Write([]byte(`[{"date":"2024-03-01","total":4}]`))
		case "/regiondata/playback":
			if r.URL.Query().Get("idEnterprise") == "broken" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write([]byte(`[[1700000000000,[]]]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	cfg := baseConfig(t)
	cfg.Playback.Source = "remote"
	cfg.Playback.Remote = config.RemoteConfig{URL: upstream.URL}
	collector := newRecordingCollector()
	svc, server := newTestService(t, cfg, WithTelemetry(collector))

	require.NoError(t, svc.seedCharts(context.Background()))
	view := svc.chart("door").view()
	require.Len(t, view.Buckets, 1)
	require.Equal(t, 4, view.Buckets[0].Total)

	var snapshots []fleet.PositionSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/regiondata/playback?idEnterprise=ok", &snapshots))
	require.Len(t, snapshots, 1)

	require.Equal(t, http.StatusBadGateway, getJSON(t, server.URL+"/regiondata/playback?idEnterprise=broken", nil))
	require.Equal(t, 1, collector.failureCount("server"))
}

func TestHealthIndexAndMetrics(t *testing.T) {
	_, server := newTestService(t, baseConfig(t))

	var health map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/healthz", &health))
	require.Equal(t, "ok", health["status"])
	require.Equal(t, float64(2), health["subscriptions"], "one subscription per chart topic")

	resp, err := http.Get(server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(page), "Fleet replay")
	require.Contains(t, string(page), "sensorstate_door_m1")

	require.Equal(t, http.StatusNotFound, getJSON(t, server.URL+"/nope", nil))
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/metrics", nil))
}

func TestRunServesUntilCancelled(t *testing.T) {
	svc, err := New(baseConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + svc.Addr() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestRunFailsWhenBrokerIsUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	broker := "tcp://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := baseConfig(t)
	cfg.Ingest.MQTT = config.MQTTConfig{Broker: broker, ConnectTimeout: config.Duration{Duration: 300 * time.Millisecond}}
	svc, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.Error(t, svc.Run(ctx))
}

func TestValidateRejectsBrokenConfiguration(t *testing.T) {
	require.NoError(t, Validate(baseConfig(t), zerolog.Nop()))
	require.Error(t, Validate(nil, zerolog.Nop()))

	cases := map[string]func(*config.Config){
		"speed":       func(c *config.Config) { c.Playback.DefaultSpeed = config.Duration{Duration: 45 * time.Second} },
		"source":      func(c *config.Config) { c.Playback.Source = "ftp" },
		"remote url":  func(c *config.Config) { c.Playback.Source = "remote" },
		"granularity": func(c *config.Config) { c.Charts[0].Granularity = "hour" },
		"strategy":    func(c *config.Config) { c.Charts[1].Strategy = "median" },
		"machines":    func(c *config.Config) { c.Charts[1].Machines = nil },
		"duplicate":   func(c *config.Config) { c.Charts[1].ID = "door" },
		"marker rule": func(c *config.Config) {
			c.Markers.Rules = []config.MarkerRuleConfig{{ID: "bad", When: "Name ==", Color: "#fff"}}
		},
		"mqtt broker": func(c *config.Config) { c.Ingest.MQTT.Broker = "http://broker:1883" },
		"mqtt qos": func(c *config.Config) {
			c.Ingest.MQTT = config.MQTTConfig{Broker: "tcp://broker:1883", QoS: 5}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig(t)
			mutate(cfg)
			require.Error(t, Validate(cfg, zerolog.Nop()))
		})
	}
}

func TestRunWorkerPoolJoinsErrors(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}
	var mu sync.Mutex
	seen := 0
	err := runWorkerPool(context.Background(), 3, items, func(_ context.Context, item int) error {
		mu.Lock()
		seen++
		mu.Unlock()
		if item%2 == 0 {
			return fmt.Errorf("item %d", item)
		}
		return nil
	})
	require.Error(t, err)
	require.Equal(t, 6, seen)
	for _, item := range []string{"item 2", "item 4", "item 6"} {
		require.Contains(t, err.Error(), item)
	}

	require.NoError(t, runWorkerPool(context.Background(), 1, items, func(context.Context, int) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = runWorkerPool(ctx, 1, items, func(context.Context, int) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
