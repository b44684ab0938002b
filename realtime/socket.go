package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait = 10 * time.Second
	// sendQueueSize bounds the frames waiting for a client. A client that
	// falls further behind is disconnected.
	sendQueueSize = 64
)

// Upgrader is shared by the websocket endpoints of the service.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type clientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type serverMessage struct {
	Action string        `json:"action,omitempty"`
	Topic  string        `json:"topic,omitempty"`
	Topics []string      `json:"topics,omitempty"`
	Data   []SensorState `json:"data,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// SocketHandler lets websocket clients join and leave sensor state topics.
type SocketHandler struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewSocketHandler creates a handler bound to hub.
func NewSocketHandler(hub *Hub, logger zerolog.Logger) *SocketHandler {
	return &SocketHandler{hub: hub, logger: logger.With().Str("component", "realtime_socket").Logger()}
}

type socketClient struct {
	conn   *websocket.Conn
	logger zerolog.Logger
	queue  chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]*Subscription
}

func newSocketClient(conn *websocket.Conn, logger zerolog.Logger) *socketClient {
	return &socketClient{
		conn:   conn,
		logger: logger,
		queue:  make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		subs:   make(map[string]*Subscription),
	}
}

// send queues msg for the writer without blocking. It reports false once the
// client is closed or when its queue is full, which closes the client.
func (c *socketClient) send(msg serverMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("failed to encode realtime message")
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- data:
		return true
	default:
		c.logger.Warn().Str("topic", msg.Topic).Int("queued", len(c.queue)).Msg("realtime client too slow, disconnecting")
		c.shutdown()
		return false
	}
}

func (c *socketClient) forward(topic string, events []SensorState) {
	c.send(serverMessage{Topic: topic, Data: events})
}

func (c *socketClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *socketClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.queue:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("realtime write failed")
				c.shutdown()
				return
			}
		}
	}
}

// ServeHTTP upgrades the request and serves join and leave messages until the client disconnects.
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := newSocketClient(conn, h.logger)
	go client.writeLoop()
	defer func() {
		client.mu.Lock()
		subs := client.subs
		client.subs = nil
		client.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
		client.shutdown()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Debug().Err(err).Msg("discarding malformed realtime message")
			if !client.send(serverMessage{Error: "malformed message"}) {
				return
			}
			continue
		}

		var reply serverMessage
		switch msg.Action {
		case "join":
			reply = serverMessage{Action: "joined", Topics: h.join(client, msg.Topics)}
		case "leave":
			reply = serverMessage{Action: "left", Topics: h.leave(client, msg.Topics)}
		default:
			reply = serverMessage{Error: "unknown action " + msg.Action}
		}
		if !client.send(reply) {
			return
		}
	}
}

func (h *SocketHandler) join(client *socketClient, topics []string) []string {
	joined := make([]string, 0, len(topics))
	for _, topic := range topics {
		client.mu.Lock()
		_, exists := client.subs[topic]
		client.mu.Unlock()
		if exists {
			joined = append(joined, topic)
			continue
		}
		sub, err := h.hub.Subscribe(topic, client.forward)
		if err != nil {
			h.logger.Debug().Err(err).Str("topic", topic).Msg("rejected topic")
			continue
		}
		client.mu.Lock()
		client.subs[topic] = sub
		client.mu.Unlock()
		joined = append(joined, topic)
	}
	return joined
}

func (h *SocketHandler) leave(client *socketClient, topics []string) []string {
	left := make([]string, 0, len(topics))
	for _, topic := range topics {
		client.mu.Lock()
		sub, ok := client.subs[topic]
		delete(client.subs, topic)
		client.mu.Unlock()
		if ok {
			sub.Close()
			left = append(left, topic)
		}
	}
	return left
}
