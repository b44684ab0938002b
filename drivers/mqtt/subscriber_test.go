package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-co/mqtt/server"
	"github.com/mochi-co/mqtt/server/listeners"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/fleetreplay/config"
	"github.com/timzifer/fleetreplay/realtime"
)

func TestNewSubscriberValidatesConfiguration(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.MQTTConfig
	}{
		{name: "missing broker", cfg: config.MQTTConfig{}},
		{name: "unsupported scheme", cfg: config.MQTTConfig{Broker: "http://broker:1883"}},
		{name: "missing host", cfg: config.MQTTConfig{Broker: "tcp://"}},
		{name: "qos", cfg: config.MQTTConfig{Broker: "tcp://broker:1883", QoS: 3}},
		{name: "blank topic", cfg: config.MQTTConfig{Broker: "tcp://broker:1883", Topics: []string{" "}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSubscriber(tc.cfg, zerolog.Nop(), nil)
			require.Error(t, err)
		})
	}

	sub, err := NewSubscriber(config.MQTTConfig{Broker: " tcp://broker:1883 "}, zerolog.Nop(), nil)
	require.NoError(t, err)
	require.Equal(t, DefaultTopics, sub.Topics())
	require.Equal(t, "tcp://broker:1883", sub.Status().Broker)
	require.False(t, sub.Status().Connected)
	sub.Close()
}

type recordingSink struct {
	mu     sync.Mutex
	events []realtime.SensorState
	fail   bool
}

func (r *recordingSink) ingest(_ context.Context, source string, events []realtime.SensorState) (int, error) {
	if source != Source {
		return 0, fmt.Errorf("unexpected source %q", source)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return 0, errors.New("store unavailable")
	}
	r.events = append(r.events, events...)
	return len(events), nil
}

func (r *recordingSink) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Topic() == topic {
			n++
		}
	}
	return n
}

func TestSubscriberDeliversSensorStates(t *testing.T) {
	brokerURL, shutdown := startMockBroker(t)
	defer shutdown()

	sub, err := NewSubscriber(config.MQTTConfig{Broker: brokerURL, Topics: []string{"sensorstate/#"}}, zerolog.Nop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{}
	require.NoError(t, sub.Start(ctx, sink.ingest))
	t.Cleanup(sub.Close)
	require.Error(t, sub.Start(ctx, sink.ingest), "second start must be rejected")

	waitFor(t, 5*time.Second, func() bool { return sub.Status().Connected })

	publisher := connectClient(t, brokerURL, "publisher")
	t.Cleanup(func() { publisher.Disconnect(250) })

	// Subscriptions are made asynchronously in onConnect; keep publishing
	// until the first event arrives.
	waitFor(t, 5*time.Second, func() bool {
		publish(t, publisher, "sensorstate/door/m1", `{"idMachine":"m1","sensorId":"door","signals":[{"signal":"open","value":true}]}`)
		return sink.count("sensorstate_door_m1") > 0
	})

	publish(t, publisher, "sensorstate/power/m2", `[{"idMachine":"m2","sensorId":"power","signals":[{"signal":"battery","value":80}]},{"idMachine":"m2","sensorId":"power","signals":[{"signal":"battery","value":79}]}]`)
	waitFor(t, 5*time.Second, func() bool { return sink.count("sensorstate_power_m2") == 2 })

	publish(t, publisher, "sensorstate/broken", `{"signals":[]}`)
	waitFor(t, 5*time.Second, func() bool { return sub.Status().Rejected >= 1 })

	sink.mu.Lock()
	sink.fail = true
	sink.mu.Unlock()
	publish(t, publisher, "sensorstate/door/m1", `{"idMachine":"m1","sensorId":"door","signals":[]}`)
	waitFor(t, 5*time.Second, func() bool { return sub.Status().Rejected >= 2 })

	status := sub.Status()
	require.GreaterOrEqual(t, status.Received, uint64(3))
	require.False(t, status.LastMessage.IsZero())

	cancel()
	waitFor(t, 5*time.Second, func() bool { return !sub.Status().Connected })
}

func TestSubscriberStartFailsWithoutBroker(t *testing.T) {
	addr := fmt.Sprintf("tcp://127.0.0.1:%d", freePort(t))
	sub, err := NewSubscriber(config.MQTTConfig{
		Broker:         addr,
		ConnectTimeout: config.Duration{Duration: 500 * time.Millisecond},
	}, zerolog.Nop(), nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	require.Error(t, sub.Start(context.Background(), sink.ingest))
	require.Error(t, sub.Start(context.Background(), nil))
}

func publish(t *testing.T, client paho.Client, topic, payload string) {
	t.Helper()
	token := client.Publish(topic, 0, false, []byte(payload))
	if !token.WaitTimeout(5 * time.Second) {
		t.Fatal("publish timeout")
	}
	require.NoError(t, token.Error())
}

func startMockBroker(t *testing.T) (string, func()) {
	t.Helper()

	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	server := mqttserver.NewServer(nil)
	tcp := listeners.NewTCP("test", addr)
	require.NoError(t, server.AddListener(tcp, nil))
	require.NoError(t, server.Serve())
	require.NoError(t, waitForBroker(addr, 5*time.Second))

	return "tcp://" + addr, func() {
		_ = server.Close()
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForBroker(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("broker at %s did not start", addr)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("condition not satisfied within %s", timeout)
		case <-ticker.C:
		}
	}
}

func connectClient(t *testing.T, brokerURL, clientID string) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		t.Fatalf("connect timeout")
	}
	require.NoError(t, token.Error())
	return client
}
