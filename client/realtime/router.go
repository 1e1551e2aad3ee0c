package realtime

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// router demultiplexes inbound frames by their type discriminator into
// per-topic broadcast streams. Delivery is in arrival order within a topic;
// nothing crosses topics. Unknown types are dropped so new server-side
// message types never break older clients.
type router struct {
	logger zerolog.Logger

	orders        *hub[json.RawMessage]
	inventory     *hub[json.RawMessage]
	notifications *hub[json.RawMessage]

	// onPong is invoked for heartbeat acknowledgments; they are never
	// forwarded to subscribers.
	onPong func()
}

func newRouter(buffer int, logger zerolog.Logger) *router {
	return &router{
		logger:        logger,
		orders:        newHub[json.RawMessage](buffer),
		inventory:     newHub[json.RawMessage](buffer),
		notifications: newHub[json.RawMessage](buffer),
	}
}

func (r *router) dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	switch env.Type {
	case msgOrderUpdate:
		r.orders.publish(env.Data)
	case msgInventoryUpdate:
		r.inventory.publish(env.Data)
	case msgNotification:
		r.notifications.publish(env.Data)
	case msgPong:
		if r.onPong != nil {
			r.onPong()
		}
	default:
		r.logger.Debug().Str("type", env.Type).Msg("dropping unknown message type")
	}
}
