package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"dm-service/internal/models"
)

const (
	RoutingKeyMessage = "chat.message"
	RoutingKeyRead    = "chat.read"
)

// RoutingKey maps a chat event to its topic.
func RoutingKey(event models.ChatEvent) (string, error) {
	switch event.Type {
	case models.EventTypeMessage:
		return RoutingKeyMessage, nil
	case models.EventTypeRead:
		return RoutingKeyRead, nil
	}
	return "", fmt.Errorf("unknown chat event type %q", event.Type)
}

// Relay forwards chat events to the exchange so every instance can fan them
// out to its own subscribers. While the broker is unreachable, events go
// straight to the local dispatcher instead.
type Relay struct {
	publisher Publisher
	local     Dispatcher
	consumer  interface{ Connected() bool }
	log       zerolog.Logger
}

// NewRelay builds a relay. consumer reports whether this instance is
// receiving from the exchange; events are delivered locally when it is not.
func NewRelay(publisher Publisher, local Dispatcher, consumer interface{ Connected() bool }, log zerolog.Logger) *Relay {
	return &Relay{
		publisher: publisher,
		local:     local,
		consumer:  consumer,
		log:       log.With().Str("component", "fanout_relay").Logger(),
	}
}

func (r *Relay) Notify(ctx context.Context, event models.ChatEvent) error {
	key, err := RoutingKey(event)
	if err != nil {
		return err
	}
	if r.consumer != nil && !r.consumer.Connected() {
		r.deliverLocally(event)
		return nil
	}
	if err := r.publisher.Publish(ctx, key, event, nil); err != nil {
		r.log.Warn().Err(err).Str("routing_key", key).Msg("fan-out publish failed, delivering locally")
		r.deliverLocally(event)
	}
	return nil
}

func (r *Relay) deliverLocally(event models.ChatEvent) {
	if r.local != nil {
		r.local.Publish(event)
	}
}

// Dispatcher delivers an event to local subscribers.
type Dispatcher interface {
	Publish(event models.ChatEvent) int
}

type subscribeFunc func() (<-chan amqp.Delivery, func() error, error)

// Consumer reads chat events from an exclusive queue bound to the exchange
// and hands them to the local dispatcher. It redials with backoff whenever
// the broker connection drops.
type Consumer struct {
	subscribe  subscribeFunc
	dispatcher Dispatcher
	log        zerolog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	connected atomic.Bool
	mu        sync.Mutex
	closeConn func() error
}

func NewConsumer(amqpURL, exchange string, dispatcher Dispatcher, log zerolog.Logger) *Consumer {
	return &Consumer{
		subscribe: func() (<-chan amqp.Delivery, func() error, error) {
			return subscribeExchange(amqpURL, exchange)
		},
		dispatcher: dispatcher,
		log:        log.With().Str("component", "fanout_consumer").Logger(),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// subscribeExchange declares a server-named, auto-delete queue for this
// instance and starts consuming it.
func subscribeExchange(amqpURL, exchange string) (<-chan amqp.Delivery, func() error, error) {
	conn, ch, err := dialExchange(amqpURL, exchange)
	if err != nil {
		return nil, nil, err
	}
	closeAll := func() error {
		_ = ch.Close()
		return conn.Close()
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = closeAll()
		return nil, nil, fmt.Errorf("declare fan-out queue: %w", err)
	}
	for _, key := range []string{RoutingKeyMessage, RoutingKeyRead} {
		if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = closeAll()
		return nil, nil, fmt.Errorf("consume fan-out queue: %w", err)
	}
	return deliveries, closeAll, nil
}

// Connected reports whether the consumer currently holds a live subscription.
func (c *Consumer) Connected() bool {
	return c.connected.Load()
}

// Run subscribes and dispatches deliveries until ctx is done, reconnecting
// after every dropped connection.
func (c *Consumer) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0

	for ctx.Err() == nil {
		deliveries, closeConn, err := c.subscribe()
		if err != nil {
			wait := b.NextBackOff()
			c.log.Warn().Err(err).Dur("retry_in", wait).Msg("fan-out subscribe failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		b.Reset()
		c.setConn(closeConn)
		c.connected.Store(true)
		c.log.Info().Msg("fan-out consumer connected")

		c.consume(ctx, deliveries)

		c.connected.Store(false)
		_ = c.Close()
		if ctx.Err() == nil {
			c.log.Warn().Msg("fan-out delivery channel closed, reconnecting")
		}
	}
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := dispatch(c.dispatcher, d.Body); err != nil {
				c.log.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("drop fan-out delivery")
			}
		}
	}
}

func (c *Consumer) setConn(closeConn func() error) {
	c.mu.Lock()
	c.closeConn = closeConn
	c.mu.Unlock()
}

func dispatch(dispatcher Dispatcher, body []byte) error {
	var event models.ChatEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return err
	}
	if _, err := RoutingKey(event); err != nil {
		return err
	}
	if event.Type == models.EventTypeMessage && event.Message == nil {
		return fmt.Errorf("message event without message")
	}
	if event.Type == models.EventTypeRead && event.Receipt == nil {
		return fmt.Errorf("read event without receipt")
	}
	dispatcher.Publish(event)
	return nil
}

// Close drops the current broker connection, if any.
func (c *Consumer) Close() error {
	c.mu.Lock()
	closeConn := c.closeConn
	c.closeConn = nil
	c.mu.Unlock()
	if closeConn == nil {
		return nil
	}
	return closeConn()
}
