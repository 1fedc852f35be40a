package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/chatgate/internal/metrics"
)

// EventBroadcaster fans event frames out to authenticated agents. Every
// frame gets a sequence number from one counter so agents can spot gaps.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
	now     func() time.Time
}

func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger, now: time.Now}
}

// Broadcast sends data as event and returns how many agents received it.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) int {
	return b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped stamps msg with type, sequence and time when unset, then
// sends it. It returns how many agents received it.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) int {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.seq.Add(1)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = b.now().UnixMilli()
	}

	log := b.logger.With().Str("event", msg.Event).Int64("seq", msg.Seq).Logger()

	frame, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event")
		return 0
	}

	targets := b.clients.Authenticated()
	if len(targets) == 0 {
		log.Debug().Msg("No authenticated clients to broadcast to")
		return 0
	}

	delivered, failed := 0, 0
	for _, c := range targets {
		if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
			failed++
			log.Warn().Err(err).Str("clientId", c.ID).Msg("Failed to broadcast to client")
			continue
		}
		delivered++
	}
	metrics.RecordBridgeEvent(msg.Event, delivered, failed)

	log.Debug().Int("success", delivered).Int("failed", failed).Msg("Event broadcast complete")
	return delivered
}
