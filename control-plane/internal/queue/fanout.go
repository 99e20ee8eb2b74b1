/*
Cross-process fan-out for log events.

Every relay process publishes inbound events to one fanout exchange and
consumes the exchange through its own exclusive, auto-delete queue, so each
process delivers every event to its locally connected subscribers. Events are
ephemeral: deliveries are auto-acked and a process that is down misses them.
*/
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"deploy-relay/control-plane/internal/logstream"
)

type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Bus is a logstream.Sink that hands events to the fanout exchange.
type Bus struct {
	pub      channelPublisher
	ch       *amqp.Channel
	exchange string
}

func NewBus(amqpConn *amqp.Connection, exchange string) (*Bus, error) {
	ch, err := amqpConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Bus{pub: ch, ch: ch, exchange: exchange}, nil
}

func (b *Bus) Emit(ctx context.Context, ev logstream.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode log event: %w", err)
	}
	err = b.pub.PublishWithContext(
		ctx,
		b.exchange,
		"",    // routing key, ignored by fanout
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to RabbitMQ: %w", err)
	}
	return nil
}

func (b *Bus) Close() error {
	if b.ch != nil {
		return b.ch.Close()
	}
	return nil
}

type Consumer struct {
	errors    chan error
	done      chan struct{}
	ch        *amqp.Channel
	queueName string
}

// QueueName is the server-named queue bound to the exchange for this process.
func (c *Consumer) QueueName() string {
	return c.queueName
}

// Errors reports fatal consumer errors (connection drop, channel close).
func (c *Consumer) Errors() <-chan error {
	return c.errors
}

// Done is closed when the forwarding goroutine exits.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		return c.ch.Close()
	}
	return nil
}

// StartFanoutConsumer binds a private queue to exchange and forwards every
// event into local, in order. local must be the in-process publisher, never
// the Bus itself.
func StartFanoutConsumer(ctx context.Context, amqpConn *amqp.Connection, exchange string, local logstream.Sink, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := amqpConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // autoDelete
		true,  // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to bind queue %s: %w", q.Name, err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",    // consumer
		true,  // autoAck
		true,  // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	consumer := &Consumer{
		errors:    make(chan error, 1),
		done:      make(chan struct{}),
		ch:        ch,
		queueName: q.Name,
	}

	notifyClose := make(chan *amqp.Error, 1)
	ch.NotifyClose(notifyClose)

	go func() {
		defer close(consumer.done)
		defer close(consumer.errors)
		for {
			select {
			case <-ctx.Done():
				return

			case amqpErr := <-notifyClose:
				if amqpErr != nil {
					consumer.errors <- fmt.Errorf("AMQP channel closed: %w", amqpErr)
				}
				return

			case d, ok := <-msgs:
				if !ok {
					consumer.errors <- fmt.Errorf("RabbitMQ deliveries channel closed")
					return
				}
				ev, err := DecodeEvent(d.Body)
				if err != nil {
					logger.Warn("dropping malformed fan-out event", "error", err)
					continue
				}
				if err := local.Emit(ctx, ev); err != nil {
					logger.Warn("local delivery of fan-out event failed", "deploy_id", ev.BuildID, "error", err)
				}
			}
		}
	}()

	return consumer, nil
}

// DecodeEvent parses and validates one fan-out message body.
func DecodeEvent(body []byte) (logstream.Event, error) {
	var ev logstream.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return logstream.Event{}, fmt.Errorf("decode log event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return logstream.Event{}, err
	}
	return ev, nil
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return nil
}
