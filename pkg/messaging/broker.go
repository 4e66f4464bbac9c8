package messaging

import (
	"context"
	"time"
)

// Broker publishes JSON events to a pub/sub channel. Delivery to
// subscribers is best effort.
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Message is a durable broker message.
type Message struct {
	RoutingKey string
	MessageID  string
	Body       []byte
	Headers    map[string]interface{}
	Priority   uint8
	// Expiration is a per-message TTL; zero means the queue policy applies.
	Expiration time.Duration
}

// Publisher publishes durable messages to an exchange. An empty exchange
// addresses the default exchange, where the routing key is a queue name.
type Publisher interface {
	Publish(ctx context.Context, exchange string, msg Message) error
}

// Acknowledger settles a delivery with the broker.
type Acknowledger interface {
	Ack() error
	Reject(requeue bool) error
}

// Delivery is a message received from a queue. Handlers must settle every
// delivery exactly once.
type Delivery struct {
	Message
	Queue       string
	Redelivered bool
	Acker       Acknowledger
}

func (d Delivery) Ack() error {
	return d.Acker.Ack()
}

func (d Delivery) Reject(requeue bool) error {
	return d.Acker.Reject(requeue)
}

// HandlerFunc processes one delivery.
type HandlerFunc func(ctx context.Context, d Delivery)

// Consumer consumes a queue until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, queue string, prefetch int, handler HandlerFunc) error
}
