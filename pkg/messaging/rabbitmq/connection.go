package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/messaging"
	"github.com/jwalitptl/notify-engine/pkg/retry"
)

type Config struct {
	URL            string
	Reconnect      retry.Policy
	PublishTimeout time.Duration
	// OnReconnect runs after the connection and topology are restored.
	OnReconnect func()
}

// Connection owns one AMQP connection, redeclares the topology on every
// (re)connect and keeps a confirm-mode channel for publishing. While the
// broker is unreachable Publish fails fast with BrokerUnavailableError.
type Connection struct {
	cfg      Config
	topology Topology
	log      *logger.Logger

	mu    sync.RWMutex
	conn  *amqp.Connection
	pub   *amqp.Channel
	ready chan struct{}

	pubMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ messaging.Publisher = (*Connection)(nil)
	_ messaging.Consumer  = (*Connection)(nil)
)

// Dial connects with backoff until it succeeds or ctx is done, then watches
// the connection and reconnects in the background.
func Dial(ctx context.Context, cfg Config, topology Topology, log *logger.Logger) (*Connection, error) {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect = retry.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	}

	c := &Connection{
		cfg:      cfg,
		topology: topology,
		log:      log,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	closed, err := c.connectWithRetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to rabbitmq: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.watch(watchCtx, closed)

	return c, nil
}

func (c *Connection) connectWithRetry(ctx context.Context) (chan *amqp.Error, error) {
	var closed chan *amqp.Error
	err := retry.Forever(ctx, c.cfg.Reconnect, func(ctx context.Context) error {
		var err error
		closed, err = c.connect()
		if err != nil {
			c.log.Warn("rabbitmq connect failed", "error", err.Error())
		}
		return err
	})
	return closed, err
}

func (c *Connection) connect() (chan *amqp.Error, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, apperrors.BrokerUnavailable(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, apperrors.BrokerUnavailable(fmt.Errorf("error creating channel: %w", err))
	}

	if err := c.topology.Declare(ch); err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, apperrors.BrokerUnavailable(fmt.Errorf("error enabling confirms: %w", err))
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	c.conn = conn
	c.pub = ch
	close(c.ready)
	c.mu.Unlock()

	c.log.Info("rabbitmq connected", "exchange", c.topology.Exchange)
	return closed, nil
}

func (c *Connection) watch(ctx context.Context, closed chan *amqp.Error) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case amqpErr, ok := <-closed:
			c.mu.Lock()
			c.conn = nil
			c.pub = nil
			c.ready = make(chan struct{})
			c.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			if ok && amqpErr != nil {
				c.log.Warn("rabbitmq connection lost", "error", amqpErr.Error())
			}

			var err error
			closed, err = c.connectWithRetry(ctx)
			if err != nil {
				return
			}
			if c.cfg.OnReconnect != nil {
				c.cfg.OnReconnect()
			}
		}
	}
}

// Ready returns a channel closed while the connection is up.
func (c *Connection) Ready() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Connection) Publish(ctx context.Context, exchange string, msg messaging.Message) error {
	c.mu.RLock()
	ch := c.pub
	c.mu.RUnlock()
	if ch == nil {
		return apperrors.BrokerUnavailable(errors.New("not connected"))
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Priority:     msg.Priority,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	}
	if len(msg.Headers) > 0 {
		pub.Headers = amqp.Table(msg.Headers)
	}
	if msg.Expiration > 0 {
		pub.Expiration = fmt.Sprintf("%d", msg.Expiration.Milliseconds())
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	// Confirms are matched by delivery tag, so publishes on one channel
	// are serialized.
	c.pubMu.Lock()
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, msg.RoutingKey, false, false, pub)
	c.pubMu.Unlock()
	if err != nil {
		return apperrors.BrokerUnavailable(fmt.Errorf("publish %s: %w", msg.RoutingKey, err))
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return apperrors.BrokerUnavailable(fmt.Errorf("confirm %s: %w", msg.RoutingKey, err))
	}
	if !acked {
		return apperrors.BrokerUnavailable(fmt.Errorf("broker nacked %s", msg.RoutingKey))
	}
	return nil
}

// Consume opens a dedicated channel for queue and dispatches deliveries to
// handler. When the connection drops it waits for the reconnect and
// subscribes again, returning only when ctx is done.
func (c *Connection) Consume(ctx context.Context, queue string, prefetch int, handler messaging.HandlerFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Ready():
		}

		err := c.consumeOnce(ctx, queue, prefetch, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Warn("consumer interrupted", "queue", queue, "error", err.Error())
			timer := time.NewTimer(c.cfg.Reconnect.BaseDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

func (c *Connection) consumeOnce(ctx context.Context, queue string, prefetch int, handler messaging.HandlerFunc) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("not connected")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("error creating channel: %w", err)
	}
	defer ch.Close()

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("error setting qos: %w", err)
		}
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("error consuming %s: %w", queue, err)
	}

	c.log.Info("consumer started", "queue", queue)
	for d := range deliveries {
		handler(ctx, toDelivery(queue, d))
	}
	return errors.New("delivery channel closed")
}

type acker struct {
	d amqp.Delivery
}

func (a acker) Ack() error {
	return a.d.Ack(false)
}

func (a acker) Reject(requeue bool) error {
	return a.d.Reject(requeue)
}

func toDelivery(queue string, d amqp.Delivery) messaging.Delivery {
	return messaging.Delivery{
		Message: messaging.Message{
			RoutingKey: d.RoutingKey,
			MessageID:  d.MessageId,
			Body:       d.Body,
			Headers:    map[string]interface{}(d.Headers),
			Priority:   d.Priority,
		},
		Queue:       queue,
		Redelivered: d.Redelivered,
		Acker:       acker{d: d},
	}
}

func (c *Connection) Close() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.pub = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if c.cancel != nil {
		<-c.done
	}
	return err
}
