package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/bus"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/dispatch"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub, err := NewHub(context.Background(), NewLoopbackBackplane(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return hub
}

// fakeClient joins rooms without a real websocket connection.
func fakeClient(hub *Hub, buffer int) *Client {
	return &Client{
		id:    "test",
		send:  make(chan []byte, buffer),
		rooms: make(map[string]struct{}),
		hub:   hub,
	}
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func TestRoomName(t *testing.T) {
	assert.Equal(t, "134:orders", RoomName(134, TopicOrders))
	assert.Equal(t, "1:deals", RoomName(1, TopicDeals))
}

func TestEmitReachesRoomMembers(t *testing.T) {
	hub := newTestHub(t)
	member := fakeClient(hub, 8)
	outsider := fakeClient(hub, 8)
	hub.join(member, RoomName(134, TopicOrders))
	hub.join(outsider, RoomName(134, TopicDeals))

	err := hub.Emit(context.Background(), RoomName(134, TopicOrders), "apporder_published",
		map[string]string{"orderHash": "0xabc"})
	require.NoError(t, err)

	select {
	case raw := <-member.send:
		var f wireFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		assert.Equal(t, "apporder_published", f.Event)
		assert.JSONEq(t, `{"orderHash":"0xabc"}`, string(f.Data))
	default:
		t.Fatal("room member received nothing")
	}
	assert.Empty(t, outsider.send, "other rooms stay quiet")
}

func TestLeaveStopsDelivery(t *testing.T) {
	hub := newTestHub(t)
	client := fakeClient(hub, 8)
	room := RoomName(134, TopicOrders)

	hub.join(client, room)
	assert.Equal(t, 1, hub.RoomSize(room))
	hub.leave(client, room)
	assert.Equal(t, 0, hub.RoomSize(room))

	require.NoError(t, hub.Emit(context.Background(), room, "event", nil))
	assert.Empty(t, client.send)
}

func TestLeaveAllClearsEveryRoom(t *testing.T) {
	hub := newTestHub(t)
	client := fakeClient(hub, 8)
	hub.join(client, RoomName(134, TopicOrders))
	hub.join(client, RoomName(134, TopicDeals))

	hub.leaveAll(client)
	assert.Equal(t, 0, hub.RoomSize(RoomName(134, TopicOrders)))
	assert.Equal(t, 0, hub.RoomSize(RoomName(134, TopicDeals)))
	assert.Empty(t, client.rooms)
}

func TestSlowClientFramesAreDropped(t *testing.T) {
	hub := newTestHub(t)
	slow := fakeClient(hub, 1)
	room := RoomName(134, TopicOrders)
	hub.join(slow, room)

	require.NoError(t, hub.Emit(context.Background(), room, "first", nil))
	require.NoError(t, hub.Emit(context.Background(), room, "second", nil))

	assert.Len(t, slow.send, 1, "overflow is dropped, not blocking")
}

func TestMalformedBackplaneFrameIsIgnored(t *testing.T) {
	backplane := NewLoopbackBackplane()
	hub, err := NewHub(context.Background(), backplane, zaptest.NewLogger(t))
	require.NoError(t, err)
	client := fakeClient(hub, 8)
	hub.join(client, RoomName(134, TopicOrders))

	assert.NotPanics(t, func() {
		require.NoError(t, backplane.Publish(context.Background(), []byte("not json")))
	})
	assert.Empty(t, client.send)
}

func TestBridgeForwardsBusEvents(t *testing.T) {
	hub := newTestHub(t)
	client := fakeClient(hub, 8)
	hub.join(client, RoomName(134, TopicOrders))

	eventBus := bus.New(zaptest.NewLogger(t))
	dispatcher := dispatch.New(zaptest.NewLogger(t), 1, 16)
	NewBridge(eventBus, hub, dispatcher, zaptest.NewLogger(t))

	eventBus.Publish(bus.Event{
		ChainID: 134,
		Topic:   bus.TopicOrders,
		Name:    "apporder_published",
		Payload: map[string]string{"orderHash": "0x1"},
	})
	eventBus.Publish(bus.Event{
		ChainID: 134,
		Topic:   bus.TopicOrders,
		Name:    "apporder_unpublished",
		Payload: map[string]string{"orderHash": "0x1"},
	})
	dispatcher.Close() // drains the queue

	require.Len(t, client.send, 2)
	var first, second wireFrame
	require.NoError(t, json.Unmarshal(<-client.send, &first))
	require.NoError(t, json.Unmarshal(<-client.send, &second))
	assert.Equal(t, "apporder_published", first.Event, "fan-out preserves emission order")
	assert.Equal(t, "apporder_unpublished", second.Event)
}
