package realtime

import "encoding/json"

// Envelope is the wire shape of every frame: a type discriminator plus an
// opaque payload the subscriber decodes.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound message types.
const (
	msgOrderUpdate     = "order_update"
	msgInventoryUpdate = "inventory_update"
	msgNotification    = "notification"
	msgPong            = "pong"
)

// Outbound message types.
const (
	msgPing        = "ping"
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
)

// Logical channel names for subscribe/unsubscribe control frames.
const (
	channelOrder        = "order"
	channelInventory    = "inventory"
	channelNotification = "notification"
)

// controlMessage is the outbound subscribe/unsubscribe frame. Exactly one
// identifying field is set, matching Channel.
type controlMessage struct {
	Type       string `json:"type"`
	Channel    string `json:"channel"`
	OrderID    string `json:"order_id,omitempty"`
	LocationID string `json:"location_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// subscriptionKey identifies one active server-side subscription.
type subscriptionKey struct {
	channel string
	key     string
}
