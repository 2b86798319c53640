// Package ws is the real-time fan-out layer: a room-based websocket hub
// backed by a distributed backplane so that multiple service instances
// share room delivery.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/metrics"
)

// Topics clients may join.
const (
	TopicOrders = "orders"
	TopicDeals  = "deals"
)

// RoomName builds the room identifier for a chain and topic.
func RoomName(chainID int64, topic string) string {
	return fmt.Sprintf("%d:%s", chainID, topic)
}

// frame is what goes over the wire, both through the backplane and down
// to clients.
type frame struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// clientOp is a client-issued room operation.
type clientOp struct {
	Op      string `json:"op"`
	ChainID int64  `json:"chainId"`
	Topic   string `json:"topic"`
}

type ack struct {
	Op   string `json:"op"`
	OK   bool   `json:"ok"`
	Room string `json:"room,omitempty"`
	Err  string `json:"error,omitempty"`
}

// Client is one websocket connection and its room memberships.
type Client struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}
	hub   *Hub
}

// Hub tracks local clients per room and relays every emission through
// the backplane.
type Hub struct {
	logger    *zap.Logger
	backplane Backplane
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// NewHub wires the hub to its backplane and starts consuming relayed
// frames.
func NewHub(ctx context.Context, backplane Backplane, logger *zap.Logger) (*Hub, error) {
	h := &Hub{
		logger:    logger,
		backplane: backplane,
		rooms:     make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if err := backplane.Subscribe(ctx, h.deliver); err != nil {
		return nil, err
	}
	return h, nil
}

// Emit broadcasts an event to a room across all instances. Failures are
// the caller's to log; by contract they never reach the HTTP client.
func (h *Hub) Emit(ctx context.Context, room, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	raw, err := json.Marshal(frame{Room: room, Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return h.backplane.Publish(ctx, raw)
}

// deliver pushes a relayed frame to the local members of its room.
func (h *Hub) deliver(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		h.logger.Warn("dropping malformed backplane frame", zap.Error(err))
		return
	}
	wire, err := json.Marshal(struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{Event: f.Event, Data: f.Data})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[f.Room] {
		select {
		case client.send <- wire:
		default:
			// Slow client: drop the frame rather than block delivery.
			metrics.EmitFailures.Inc()
		}
	}
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// RoomSize returns the local member count of a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ServeWS upgrades the request and runs the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, 256),
		rooms: make(map[string]struct{}),
		hub:   h,
	}
	metrics.WSConnections.Inc()
	go c.writePump()
	go c.readPump()
}

func validTopic(topic string) bool {
	return topic == TopicOrders || topic == TopicDeals
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leaveAll(c)
		close(c.send)
		c.conn.Close()
		metrics.WSConnections.Dec()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var op clientOp
		if err := json.Unmarshal(msg, &op); err != nil {
			c.reply(ack{Op: "error", Err: "malformed operation"})
			continue
		}
		switch op.Op {
		case "join":
			if op.ChainID == 0 || !validTopic(op.Topic) {
				c.reply(ack{Op: "join", Err: "chainId and topic are required"})
				continue
			}
			room := RoomName(op.ChainID, op.Topic)
			c.hub.join(c, room)
			c.reply(ack{Op: "join", OK: true, Room: room})
		case "leave":
			room := RoomName(op.ChainID, op.Topic)
			c.hub.leave(c, room)
			c.reply(ack{Op: "leave", OK: true, Room: room})
		case "leaveAll":
			c.hub.leaveAll(c)
			c.reply(ack{Op: "leaveAll", OK: true})
		default:
			c.reply(ack{Op: "error", Err: "unknown operation"})
		}
	}
}

func (c *Client) reply(a ack) {
	if raw, err := json.Marshal(a); err == nil {
		select {
		case c.send <- raw:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
