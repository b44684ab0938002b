package realtime

import (
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/fleetreplay/telemetry"
)

func newHub() *Hub {
	return NewHub(zerolog.Nop(), telemetry.Noop())
}

func TestTopic(t *testing.T) {
	require.Equal(t, "sensorstate_door_m1", Topic("door", "m1"))
	event := SensorState{IDMachine: "m1", SensorID: "door"}
	require.Equal(t, "sensorstate_door_m1", event.Topic())
	require.True(t, ValidTopic("sensorstate_x"))
	require.False(t, ValidTopic("sensorstate_"))
	require.False(t, ValidTopic("other"))
}

func TestTruthy(t *testing.T) {
	falsy := []interface{}{nil, false, 0.0, math.NaN(), "", 0}
	for _, v := range falsy {
		require.False(t, Truthy(v), "%v", v)
	}
	truthy := []interface{}{true, 1.0, -2.5, "0", "false", []interface{}{}, map[string]interface{}{}}
	for _, v := range truthy {
		require.True(t, Truthy(v), "%v", v)
	}
}

func TestSensorStateJSON(t *testing.T) {
	var events []SensorState
	raw := `[{"idMachine":"m1","sensorId":"door","signals":[{"signal":"open","value":true},{"signal":"level","value":42.5}],"dateServer":"2024-03-01T10:00:00Z"}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &events))
	require.Len(t, events, 1)
	require.True(t, events[0].AnyTruthy())
	level, ok := events[0].Value("level")
	require.True(t, ok)
	require.Equal(t, 42.5, level)
	_, ok = events[0].Value("missing")
	require.False(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), events[0].DateServer)
}

func TestHubSubscribePublishClose(t *testing.T) {
	hub := newHub()
	topic := Topic("door", "m1")

	var got []SensorState
	sub, err := hub.Subscribe(topic, func(_ string, events []SensorState) {
		got = append(got, events...)
	})
	require.NoError(t, err)
	require.Equal(t, 1, hub.Count(topic))
	require.Equal(t, []string{topic}, hub.Topics())

	delivered := hub.Publish(topic, []SensorState{{IDMachine: "m1", SensorID: "door"}})
	require.Equal(t, 1, delivered)
	require.Len(t, got, 1)

	require.Equal(t, 0, hub.Publish("sensorstate_other_m1", []SensorState{{}}))
	require.Equal(t, 0, hub.Publish(topic, nil))

	sub.Close()
	sub.Close()
	require.Equal(t, 0, hub.Count(topic))
	require.Equal(t, 0, hub.Subscriptions())
	require.Empty(t, hub.Topics())

	hub.Publish(topic, []SensorState{{}})
	require.Len(t, got, 1, "closed subscriptions receive nothing")
}

func TestHubRejectsInvalidSubscriptions(t *testing.T) {
	hub := newHub()
	_, err := hub.Subscribe("nope", func(string, []SensorState) {})
	require.Error(t, err)
	_, err = hub.Subscribe(Topic("a", "b"), nil)
	require.Error(t, err)
}

func TestHubPublishStatesGroupsByTopic(t *testing.T) {
	hub := newHub()
	counts := map[string]int{}
	for _, topic := range []string{Topic("s", "m1"), Topic("s", "m2")} {
		_, err := hub.Subscribe(topic, func(topic string, events []SensorState) {
			counts[topic] += len(events)
		})
		require.NoError(t, err)
	}
	delivered := hub.PublishStates([]SensorState{
		{IDMachine: "m1", SensorID: "s"},
		{IDMachine: "m2", SensorID: "s"},
		{IDMachine: "m1", SensorID: "s"},
	})
	require.Equal(t, 2, delivered)
	require.Equal(t, map[string]int{Topic("s", "m1"): 2, Topic("s", "m2"): 1}, counts)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSocketJoinForwardLeave(t *testing.T) {
	hub := newHub()
	server := httptest.NewServer(NewSocketHandler(hub, zerolog.Nop()))
	defer server.Close()

	conn := dial(t, server.URL)
	topic := Topic("door", "m1")

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "join", Topics: []string{topic, "invalid"}}))
	ack := readMessage(t, conn)
	require.Equal(t, "joined", ack.Action)
	require.Equal(t, []string{topic}, ack.Topics)
	require.Equal(t, 1, hub.Count(topic))

	hub.Publish(topic, []SensorState{{IDMachine: "m1", SensorID: "door", Signals: []Signal{{Signal: "open", Value: true}}}})
	frame := readMessage(t, conn)
	require.Equal(t, topic, frame.Topic)
	require.Len(t, frame.Data, 1)
	require.Equal(t, "door", frame.Data[0].SensorID)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "leave", Topics: []string{topic}}))
	ack = readMessage(t, conn)
	require.Equal(t, "left", ack.Action)
	require.Equal(t, 0, hub.Count(topic))

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "dance"}))
	require.Contains(t, readMessage(t, conn).Error, "unknown action")
}

func TestSocketReleasesSubscriptionsOnDisconnect(t *testing.T) {
	hub := newHub()
	server := httptest.NewServer(NewSocketHandler(hub, zerolog.Nop()))
	defer server.Close()

	conn := dial(t, server.URL)
	require.NoError(t, conn.WriteJSON(clientMessage{Action: "join", Topics: []string{Topic("a", "1"), Topic("b", "2")}}))
	readMessage(t, conn)
	require.Equal(t, 2, hub.Subscriptions())

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscriptions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSocketDropsClientThatStopsReading(t *testing.T) {
	hub := newHub()
	server := httptest.NewServer(NewSocketHandler(hub, zerolog.Nop()))
	defer server.Close()
	topic := Topic("door", "m1")

	stalled := dial(t, server.URL)
	require.NoError(t, stalled.WriteJSON(clientMessage{Action: "join", Topics: []string{topic}}))
	require.Equal(t, "joined", readMessage(t, stalled).Action)

	events := []SensorState{{IDMachine: "m1", SensorID: "door", Signals: []Signal{{Signal: "blob", Value: strings.Repeat("x", 256<<10)}}}}
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; hub.Count(topic) > 0; i++ {
		require.True(t, time.Now().Before(deadline), "stalled client still subscribed after %d publishes", i)
		started := time.Now()
		hub.Publish(topic, events)
		require.Less(t, time.Since(started), time.Second, "publish %d blocked on a stalled client", i)
	}

	healthy := dial(t, server.URL)
	require.NoError(t, healthy.WriteJSON(clientMessage{Action: "join", Topics: []string{topic}}))
	require.Equal(t, "joined", readMessage(t, healthy).Action)
	hub.Publish(topic, []SensorState{{IDMachine: "m1", SensorID: "door"}})
	require.Equal(t, topic, readMessage(t, healthy).Topic)
}

func TestDecodeSensorStates(t *testing.T) {
	events, err := DecodeSensorStates([]byte(` {"idMachine":"m1","sensorId":"door","signals":[{"signal":"open","value":true}]} `))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, Topic("door", "m1"), events[0].Topic())
	require.True(t, events[0].AnyTruthy())

	events, err = DecodeSensorStates([]byte(`[{"idMachine":"m1","sensorId":"door"},{"idMachine":"m2","sensorId":"power","dateServer":"2024-03-01T10:00:00Z"}]`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, 2024, events[1].DateServer.Year())

	_, err = DecodeSensorStates([]byte("  "))
	require.ErrorIs(t, err, ErrEmptyPayload)
	_, err = DecodeSensorStates([]byte(`[{"idMachine":"m1"}]`))
	require.Error(t, err)
	_, err = DecodeSensorStates([]byte(`{"idMachine":`))
	require.Error(t, err)
}
