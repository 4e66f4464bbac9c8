package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange           = "notifications"
	DefaultDeadLetterExchange = "notifications.dlx"
	DefaultDeadLetterQueue    = "notifications.dlq"

	routingPrefix = "notification."
)

// QueueName is the durable queue for a channel key such as "email".
func QueueName(channel string) string {
	return DefaultExchange + "." + channel
}

// RetryQueueName is the delay queue paired with a channel queue.
func RetryQueueName(channel string) string {
	return QueueName(channel) + ".retry"
}

// RoutingKey builds notification.<channel>.<event> in lower case.
func RoutingKey(channel, event string) string {
	return routingPrefix + channel + "." + strings.ToLower(event)
}

// RetryRoutingKey is used when a delay queue hands a message back.
func RetryRoutingKey(channel string) string {
	return routingPrefix + channel + ".retry"
}

// ChannelQueue describes one per-channel queue and its retry queue.
type ChannelQueue struct {
	Channel     string
	TTL         time.Duration
	MaxLength   int
	MaxPriority uint8
}

// Topology is the full exchange/queue layout. Declare is idempotent as long
// as the arguments do not change between deployments.
type Topology struct {
	Exchange           string
	DeadLetterExchange string
	DeadLetterQueue    string
	Queues             []ChannelQueue
}

func DefaultTopology() Topology {
	return Topology{
		Exchange:           DefaultExchange,
		DeadLetterExchange: DefaultDeadLetterExchange,
		DeadLetterQueue:    DefaultDeadLetterQueue,
		Queues: []ChannelQueue{
			{Channel: "email", TTL: 24 * time.Hour, MaxLength: 100000, MaxPriority: 10},
			{Channel: "webhook", TTL: 24 * time.Hour, MaxLength: 100000, MaxPriority: 10},
			{Channel: "socket", TTL: time.Hour, MaxLength: 50000, MaxPriority: 10},
		},
	}
}

// Queue returns the settings for a channel key.
func (t Topology) Queue(channel string) (ChannelQueue, bool) {
	for _, q := range t.Queues {
		if q.Channel == channel {
			return q, true
		}
	}
	return ChannelQueue{}, false
}

// QueueArgs are the x-arguments of a channel queue.
func (t Topology) QueueArgs(q ChannelQueue) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange": t.DeadLetterExchange,
	}
	if q.TTL > 0 {
		args["x-message-ttl"] = int32(q.TTL / time.Millisecond)
	}
	if q.MaxLength > 0 {
		args["x-max-length"] = int32(q.MaxLength)
	}
	if q.MaxPriority > 0 {
		args["x-max-priority"] = int32(q.MaxPriority)
	}
	return args
}

// RetryQueueArgs route expired messages back into the main exchange.
// Delays are set per message.
func (t Topology) RetryQueueArgs(q ChannelQueue) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    t.Exchange,
		"x-dead-letter-routing-key": RetryRoutingKey(q.Channel),
	}
}

// Declarer is the subset of *amqp.Channel used to declare the topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func (t Topology) Declare(ch Declarer) error {
	for _, exchange := range []string{t.Exchange, t.DeadLetterExchange} {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, "#", t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", t.DeadLetterQueue, err)
	}

	for _, q := range t.Queues {
		name := QueueName(q.Channel)
		if _, err := ch.QueueDeclare(name, true, false, false, false, t.QueueArgs(q)); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, routingPrefix+q.Channel+".#", t.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", name, err)
		}

		retryName := RetryQueueName(q.Channel)
		if _, err := ch.QueueDeclare(retryName, true, false, false, false, t.RetryQueueArgs(q)); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", retryName, err)
		}
	}
	return nil
}
