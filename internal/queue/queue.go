// Package queue wraps the AMQP transport: JSON message codec, durable queue
// declaration, publishing, and a bounded-worker consumer with manual
// acknowledgement and attempt-capped redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// TimestampLayout is the wire format of Message.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// ErrDrop tells the consumer to acknowledge the message without retrying.
// Handlers return it (wrapped or bare) for duplicate deliveries of work that
// already finished.
var ErrDrop = errors.New("queue: drop message")

// Message is the wire payload correlating a queue delivery with a task.
// MessageID carries the task's idempotency reference.
type Message struct {
	MessageID       string `json:"messageId"`
	TaskKind        string `json:"taskType"`
	SubscriberEmail string `json:"subscriberEmail"`
	Timestamp       string `json:"timestamp"`
}

// Declare creates the named durable queues as quorum queues. Quorum queues
// make the broker stamp redeliveries with x-delivery-count, which the
// consumer uses to cap attempts.
func Declare(ch *amqp.Channel, names ...string) error {
	for _, name := range names {
		_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
			"x-queue-type": "quorum",
		})
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
	}
	return nil
}

// Publisher emits messages to named queues via the default exchange.
type Publisher struct {
	ch  *amqp.Channel
	log zerolog.Logger
}

func NewPublisher(ch *amqp.Channel, log zerolog.Logger) *Publisher {
	return &Publisher{ch: ch, log: log}
}

func (p *Publisher) Publish(ctx context.Context, queueName string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.MessageID, err)
	}
	err = p.ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}
	p.log.Debug().Str("queue", queueName).Str("message_id", msg.MessageID).Msg("message published")
	return nil
}

// Handler processes one delivery. A nil return acknowledges the message, an
// ErrDrop return acknowledges without processing, any other error triggers
// redelivery until the attempt cap.
type Handler func(ctx context.Context, msg Message) error

// ExhaustedFunc is called once when a message has used up its delivery
// attempts and is about to be dead-lettered.
type ExhaustedFunc func(ctx context.Context, msg Message)

// ConsumerConfig configures one queue consumer.
type ConsumerConfig struct {
	Queue           string
	DeadLetterQueue string
	// Workers is the number of concurrent deliveries in flight; it is also
	// used as the channel prefetch.
	Workers     int
	MaxAttempts int
}

// Consumer pulls from one queue with a fixed pool of workers. Each worker
// processes one message to completion before taking the next.
type Consumer struct {
	cfg         ConsumerConfig
	ch          *amqp.Channel
	handler     Handler
	onExhausted ExhaustedFunc
	pub         *Publisher
	log         zerolog.Logger
}

func NewConsumer(ch *amqp.Channel, cfg ConsumerConfig, handler Handler, onExhausted ExhaustedFunc, log zerolog.Logger) *Consumer {
	return &Consumer{
		cfg:         cfg,
		ch:          ch,
		handler:     handler,
		onExhausted: onExhausted,
		pub:         NewPublisher(ch, log),
		log:         log.With().Str("queue", cfg.Queue).Logger(),
	}
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.cfg.Workers, 0, false); err != nil {
		return fmt.Errorf("set qos on %s: %w", c.cfg.Queue, err)
	}
	deliveries, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.handle(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.Error().Err(err).Msg("undecodable message, dead-lettering")
		c.deadLetter(ctx, d, Message{MessageID: d.MessageId})
		return
	}
	log := c.log.With().Str("message_id", msg.MessageID).Logger()

	err := c.handler(ctx, msg)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Msg("ack failed")
		}
	case errors.Is(err, ErrDrop):
		log.Info().Msg("dropping duplicate delivery")
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Msg("ack failed")
		}
	default:
		attempts := deliveryCount(d) + 1
		if attempts >= int64(c.cfg.MaxAttempts) {
			log.Error().Err(err).Int64("attempts", attempts).Msg("attempts exhausted, dead-lettering")
			if c.onExhausted != nil {
				c.onExhausted(ctx, msg)
			}
			c.deadLetter(ctx, d, msg)
			return
		}
		log.Warn().Err(err).Int64("attempts", attempts).Msg("rejecting message for redelivery")
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error().Err(nackErr).Msg("nack failed")
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, d amqp.Delivery, msg Message) {
	if c.cfg.DeadLetterQueue != "" {
		if err := c.pub.Publish(ctx, c.cfg.DeadLetterQueue, msg); err != nil {
			c.log.Error().Err(err).Msg("dead-letter publish failed, requeueing original")
			if nackErr := d.Nack(false, true); nackErr != nil {
				c.log.Error().Err(nackErr).Msg("nack failed")
			}
			return
		}
	}
	if err := d.Ack(false); err != nil {
		c.log.Error().Err(err).Msg("ack failed")
	}
}

// deliveryCount returns how many times the broker has already delivered this
// message (0 on first delivery). Quorum queues maintain the header.
func deliveryCount(d amqp.Delivery) int64 {
	v, ok := d.Headers["x-delivery-count"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
