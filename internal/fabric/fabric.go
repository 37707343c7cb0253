// Package fabric owns the connection to the internal broker and the
// declarative topology of exchanges, queues, and bindings on it. Every
// component that publishes or consumes goes through a Broker value; nothing
// else in the repository touches AMQP directly.
//
// Declared entities follow the routing-key convention of dot-separated
// segments: inbound client messages carry <client_id>, bridge-to-simulator
// messages carry <client_id>.<simulator_id>, simulator results carry
// <simulator_id>.result.<client_id>. Bindings use single-segment wildcards.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/config"
)

// ContentTypeYAML is the content type of every message on the broker wire.
const ContentTypeYAML = "application/x-yaml"

const (
	reconnectAttempts  = 5
	reconnectBaseDelay = 2 * time.Second
)

// ErrNotConnected is the retriable error returned while the broker
// connection is down. Callers may invoke Reconnect and retry once.
var ErrNotConnected = errors.New("fabric: not connected to broker")

// Delivery is one consumed message with its acknowledgement handles.
type Delivery struct {
	Queue      string
	RoutingKey string
	MessageID  string
	Body       []byte

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery builds a Delivery with explicit acknowledgement hooks. Fake
// brokers use it to observe ack decisions; either hook may be nil.
func NewDelivery(queue, routingKey, messageID string, body []byte, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{
		Queue:      queue,
		RoutingKey: routingKey,
		MessageID:  messageID,
		Body:       body,
		ack:        ack,
		nack:       nack,
	}
}

// Ack confirms successful hand-off of the message.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the message; requeue=false drops it.
func (d *Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Broker is the narrow transport contract the adapters, the bridge core, and
// the agent handler depend on.
type Broker interface {
	// Publish sends a persistent YAML-encoded message to an exchange.
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	// Consume starts delivering messages from a queue with the given
	// prefetch; the channel closes when ctx is cancelled.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)
	// Reconnect re-establishes a lost connection with exponential backoff.
	Reconnect(ctx context.Context) error
	Close() error
}

// Fabric is the AMQP-backed Broker. Each consumer gets its own channel;
// publishing uses a dedicated channel guarded by the fabric mutex, so no
// channel is ever shared across goroutines.
type Fabric struct {
	url   string
	infra config.Infrastructure
	log   *logrus.Entry

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel

	closed chan struct{}
	once   sync.Once
}

// Dial connects to the broker and declares the configured topology. A
// declare failure is a configuration error and is fatal: the caller must not
// continue with a partially declared fabric.
func Dial(cfg config.RabbitMQ, log *logrus.Entry) (*Fabric, error) {
	f := &Fabric{
		url:    cfg.URL(),
		infra:  cfg.Infrastructure,
		log:    log,
		closed: make(chan struct{}),
	}
	if err := f.connect(); err != nil {
		return nil, err
	}
	return f, nil
}

// connect dials, opens the publisher channel, declares the topology, and
// arms the connection-loss watcher.
func (f *Fabric) connect() error {
	conn, err := amqp.Dial(f.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declare(ch, f.infra); err != nil {
		conn.Close()
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.pubCh = ch
	f.mu.Unlock()

	go f.watch(conn)
	return nil
}

// watch invalidates the connection handles when the broker drops us, so
// publishes fail fast with ErrNotConnected, then attempts the capped
// background reconnect.
func (f *Fabric) watch(conn *amqp.Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-f.closed:
		return
	case amqpErr := <-closeCh:
		if amqpErr == nil {
			return
		}
		f.log.WithError(amqpErr).Warn("broker connection lost")
	}

	f.mu.Lock()
	if f.conn == conn {
		f.conn = nil
		f.pubCh = nil
	}
	f.mu.Unlock()

	if err := f.Reconnect(context.Background()); err != nil {
		f.log.WithError(err).Error("broker reconnect failed")
	}
}

// Reconnect retries the connection with exponential backoff, capped at five
// attempts with a two-second base delay.
func (f *Fabric) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	connected := f.conn != nil && !f.conn.IsClosed()
	f.mu.Unlock()
	if connected {
		return nil
	}

	var lastErr error
	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-f.closed:
			return ErrNotConnected
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if lastErr = f.connect(); lastErr == nil {
			f.log.WithField("attempt", attempt).Info("broker reconnected")
			return nil
		}
		f.log.WithError(lastErr).WithField("attempt", attempt).Warn("broker reconnect attempt failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closed:
			return ErrNotConnected
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("broker unreachable after %d attempts: %w", reconnectAttempts, lastErr)
}

// declare creates the configured exchanges, queues, and bindings. An entity
// existing with incompatible arguments surfaces as an AMQP channel error.
func declare(ch *amqp.Channel, infra config.Infrastructure) error {
	for _, ex := range infra.Exchanges {
		kind := ex.Kind
		if kind == "" {
			kind = "topic"
		}
		if err := ch.ExchangeDeclare(ex.Name, kind, ex.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, q := range infra.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
	}
	for _, b := range infra.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s with key %s: %w", b.Queue, b.Exchange, b.RoutingKey, err)
		}
	}
	return nil
}

// Publish sends one persistent message with a fresh UUIDv4 message id.
// Returns ErrNotConnected while the connection is down.
func (f *Fabric) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil || f.conn.IsClosed() || f.pubCh == nil {
		return ErrNotConnected
	}
	err := f.pubCh.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  ContentTypeYAML,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s with key %s: %w", exchange, routingKey, err)
	}
	return nil
}

// Consume opens a dedicated channel for the queue and delivers until ctx is
// cancelled. When the channel dies with the connection, consumption resumes
// automatically once the fabric has reconnected.
func (f *Fabric) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	deliveries, err := f.openConsumer(queue, prefetch)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			for d := range deliveries {
				msg := d
				select {
				case <-ctx.Done():
					return
				case out <- Delivery{
					Queue:      queue,
					RoutingKey: msg.RoutingKey,
					MessageID:  msg.MessageId,
					Body:       msg.Body,
					ack:        func() error { return msg.Ack(false) },
					nack:       func(requeue bool) error { return msg.Nack(false, requeue) },
				}:
				}
			}

			// Upstream channel closed: connection lost or shutdown.
			select {
			case <-ctx.Done():
				return
			case <-f.closed:
				return
			case <-time.After(reconnectBaseDelay):
			}
			next, err := f.openConsumer(queue, prefetch)
			if err != nil {
				f.log.WithError(err).WithField("queue", queue).Warn("consumer reopen failed")
				continue
			}
			f.log.WithField("queue", queue).Info("consumer reopened")
			deliveries = next
		}
	}()
	return out, nil
}

func (f *Fabric) openConsumer(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// Close tears the connection down; pending consumers drain and stop.
func (f *Fabric) Close() error {
	var err error
	f.once.Do(func() {
		close(f.closed)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.conn != nil && !f.conn.IsClosed() {
			err = f.conn.Close()
		}
		f.conn = nil
		f.pubCh = nil
	})
	return err
}
