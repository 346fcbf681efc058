package rabbitmq

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPrefetch = 16

// Handler processes one message body. Returning false marks the delivery as failed.
type Handler func([]byte) bool

// Subscription describes one durable queue fed from a topic exchange.
type Subscription struct {
	Exchange string
	Queue    string
	// DeadLetterQueue receives deliveries whose handler fails again on redelivery.
	// When empty, failed deliveries are re-queued until a handler accepts them.
	DeadLetterQueue string
	Prefetch        int
	Bindings        map[string]Handler
}

type dispatchOutcome string

const (
	outcomeAcked        dispatchOutcome = "acked"
	outcomeUnrouted     dispatchOutcome = "unrouted"
	outcomeRequeued     dispatchOutcome = "requeued"
	outcomeDeadLettered dispatchOutcome = "dead_lettered"
)

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, logger: logger.With("component", "rabbitmq_consumer")}, nil
}

// Consume declares the exchange, the queue and its dead-letter queue, binds every
// routing key and dispatches deliveries in the background until the channel closes.
func (c *Consumer) Consume(sub Subscription) error {
	handlers := make(map[string]Handler, len(sub.Bindings))
	for routingKey, handler := range sub.Bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided for queue %s", sub.Queue)
	}

	prefetch := sub.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := c.ch.ExchangeDeclare(sub.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", sub.Exchange, err)
	}

	var queueArgs amqp.Table
	if sub.DeadLetterQueue != "" {
		if _, err := c.ch.QueueDeclare(sub.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead letter queue %s: %w", sub.DeadLetterQueue, err)
		}
		// Rejected deliveries go through the default exchange straight to the dead-letter queue.
		queueArgs = amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": sub.DeadLetterQueue,
		}
	}
	q, err := c.ch.QueueDeclare(sub.Queue, true, false, false, false, queueArgs)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", sub.Queue, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, sub.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", routingKey, q.Name, err)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}
	c.logger.Info("consuming", "queue", q.Name, "routing_keys", len(handlers), "dead_letter_queue", sub.DeadLetterQueue)

	deadLetter := sub.DeadLetterQueue != ""
	go func() {
		for d := range msgs {
			c.dispatch(d, handlers, deadLetter)
		}
		c.logger.Info("delivery channel closed", "queue", q.Name)
	}()
	return nil
}

// dispatch settles one delivery. A failed first attempt is re-queued; a failed
// redelivery is dead-lettered when a dead-letter queue is configured.
func (c *Consumer) dispatch(d amqp.Delivery, handlers map[string]Handler, deadLetter bool) dispatchOutcome {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		c.logger.Warn("no handler for routing key; dropping", "routing_key", d.RoutingKey, "message_id", d.MessageId)
		c.settle(d.Ack(false), d)
		return outcomeUnrouted
	}
	if handler(d.Body) {
		c.settle(d.Ack(false), d)
		return outcomeAcked
	}
	if deadLetter && d.Redelivered {
		c.logger.Error("handler failed on redelivery; dead-lettering", "routing_key", d.RoutingKey, "message_id", d.MessageId)
		c.settle(d.Nack(false, false), d)
		return outcomeDeadLettered
	}
	c.logger.Warn("handler failed; re-queuing", "routing_key", d.RoutingKey, "message_id", d.MessageId, "redelivered", d.Redelivered)
	c.settle(d.Nack(false, true), d)
	return outcomeRequeued
}

func (c *Consumer) settle(err error, d amqp.Delivery) {
	if err != nil {
		c.logger.Warn("delivery acknowledgement failed", "routing_key", d.RoutingKey, "message_id", d.MessageId, "error", err)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
