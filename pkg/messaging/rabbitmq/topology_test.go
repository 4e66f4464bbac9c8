package rabbitmq

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declared struct {
	exchanges map[string]string
	queues    map[string]amqp.Table
	bindings  map[string][]string
	failOn    string
}

func newDeclared() *declared {
	return &declared{
		exchanges: map[string]string{},
		queues:    map[string]amqp.Table{},
		bindings:  map[string][]string{},
	}
}

func (d *declared) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	d.exchanges[name] = kind
	return nil
}

func (d *declared) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if name == d.failOn {
		return amqp.Queue{}, errors.New("precondition failed")
	}
	d.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (d *declared) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	d.bindings[name] = append(d.bindings[name], exchange+"|"+key)
	return nil
}

func TestDeclareDefaultTopology(t *testing.T) {
	d := newDeclared()
	require.NoError(t, DefaultTopology().Declare(d))

	assert.Equal(t, amqp.ExchangeTopic, d.exchanges["notifications"])
	assert.Equal(t, amqp.ExchangeTopic, d.exchanges["notifications.dlx"])

	assert.Equal(t, []string{"notifications.dlx|#"}, d.bindings["notifications.dlq"])
	assert.Equal(t, []string{"notifications|notification.email.#"}, d.bindings["notifications.email"])
	assert.Equal(t, []string{"notifications|notification.socket.#"}, d.bindings["notifications.socket"])

	email := d.queues["notifications.email"]
	assert.Equal(t, "notifications.dlx", email["x-dead-letter-exchange"])
	assert.Equal(t, int32(24*time.Hour/time.Millisecond), email["x-message-ttl"])
	assert.Equal(t, int32(10), email["x-max-priority"])
	assert.Contains(t, email, "x-max-length")

	socket := d.queues["notifications.socket"]
	assert.Equal(t, int32(time.Hour/time.Millisecond), socket["x-message-ttl"])

	retry := d.queues["notifications.webhook.retry"]
	assert.Equal(t, "notifications", retry["x-dead-letter-exchange"])
	assert.Equal(t, "notification.webhook.retry", retry["x-dead-letter-routing-key"])
	assert.Empty(t, d.bindings["notifications.webhook.retry"], "retry queues are addressed directly")
}

func TestRetryRoutingKeyMatchesChannelBinding(t *testing.T) {
	// The key a retry queue dead-letters with must land back in the same
	// channel queue, and nowhere else.
	assert.Equal(t, "notification.email.retry", RetryRoutingKey("email"))
	assert.Equal(t, "notification.email.task_assigned", RoutingKey("email", "TASK_ASSIGNED"))
}

func TestDeclareStopsOnError(t *testing.T) {
	d := newDeclared()
	d.failOn = "notifications.webhook"

	err := DefaultTopology().Declare(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifications.webhook")
	assert.NotContains(t, d.queues, "notifications.socket")
}

func TestQueueLookup(t *testing.T) {
	q, ok := DefaultTopology().Queue("socket")
	require.True(t, ok)
	assert.Equal(t, time.Hour, q.TTL)

	_, ok = DefaultTopology().Queue("sms")
	assert.False(t, ok)
}
