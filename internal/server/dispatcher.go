package server

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/Tyrowin/harmony-realtime/internal/logger"
	"github.com/Tyrowin/harmony-realtime/internal/protocol"
	"github.com/Tyrowin/harmony-realtime/internal/store"
)

// Dispatcher fans a payload out to every live session still subscribed to a
// channel. It only reads the shared indices and never blocks on a recipient.
type Dispatcher struct {
	registry  *Registry
	index     *SubscriptionIndex
	delivered atomic.Uint64
	missed    atomic.Uint64
}

// NewDispatcher creates a Dispatcher over the given indices.
func NewDispatcher(registry *Registry, index *SubscriptionIndex) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		index:    index,
	}
}

// Broadcast enqueues payload on every session subscribed to channelID,
// skipping all sessions of exclude unless it is uuid.Nil. It returns the
// number of sessions the payload was queued to; a full or closed queue is
// counted as a miss and never reported as an error.
func (d *Dispatcher) Broadcast(channelID uuid.UUID, payload []byte, exclude uuid.UUID) int {
	subscribers := d.index.SubscribersOf(channelID)
	if len(subscribers) == 0 {
		return 0
	}

	delivered := 0
	for _, userID := range subscribers {
		if exclude != uuid.Nil && userID == exclude {
			continue
		}

		for _, session := range d.registry.SessionsFor(userID) {
			// The session may have unsubscribed since the index snapshot.
			subscribed, queued := session.deliver(channelID, payload)
			switch {
			case queued:
				delivered++
			case subscribed:
				d.missed.Add(1)
			}
		}
	}

	d.delivered.Add(uint64(delivered))
	logger.Debug("Broadcast complete", "channel_id", channelID, "subscribers", len(subscribers), "delivered", delivered)
	return delivered
}

// Publish announces a persisted message to the channel's subscribers. It must
// only be called once the message is durably stored.
func (d *Dispatcher) Publish(channelID uuid.UUID, msg store.Message) (int, error) {
	payload, err := protocol.Encode(protocol.MessageCreated{
		ID:        msg.ID,
		ChannelID: channelID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return 0, errors.Annotate(err, "encode message_created")
	}
	return d.Broadcast(channelID, payload, uuid.Nil), nil
}

// Delivered returns the total number of successful enqueues.
func (d *Dispatcher) Delivered() uint64 {
	return d.delivered.Load()
}

// Missed returns the total number of subscribed sessions whose queue refused
// a payload.
func (d *Dispatcher) Missed() uint64 {
	return d.missed.Load()
}
