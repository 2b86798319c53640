package ws

import (
	"context"

	"go.uber.org/zap"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/bus"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/dispatch"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/metrics"
)

// Bridge forwards internal bus events to the hub. Emission runs on the
// dispatcher so the mutation path never waits on the backplane; with a
// single dispatch worker the per-call event order is preserved.
type Bridge struct {
	hub        *Hub
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// NewBridge subscribes the bridge to the order and deal topics.
func NewBridge(b *bus.Bus, hub *Hub, dispatcher *dispatch.Dispatcher, logger *zap.Logger) *Bridge {
	bridge := &Bridge{hub: hub, dispatcher: dispatcher, logger: logger}
	b.Subscribe(bus.TopicOrders, bridge.forward)
	b.Subscribe(bus.TopicDeals, bridge.forward)
	return bridge
}

func (b *Bridge) forward(event bus.Event) {
	room := RoomName(event.ChainID, event.Topic)
	name := event.Name
	payload := event.Payload
	b.dispatcher.Submit(func() error {
		if err := b.hub.Emit(context.Background(), room, name, payload); err != nil {
			metrics.EmitFailures.Inc()
			b.logger.Error("event emission failed",
				zap.String("room", room),
				zap.String("event", name),
				zap.Error(err))
		}
		// Emission failures never propagate; the API call already
		// succeeded by the time fan-out runs.
		return nil
	})
}
