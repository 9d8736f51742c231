package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/pulse/async"
)

// routingKeyPrefix prefixes the event type in the routing key, e.g. job.jobCancelled
const routingKeyPrefix = "job."

// Envelope is the message body published to the exchange
type Envelope struct {
	Type      async.EventType `json:"type"`
	Rooms     []string        `json:"rooms"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// amqpChannel is the subset of *amqp.Channel used for publishing
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher exports job events to a RabbitMQ topic exchange for
// consumers outside this service
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

// DialAMQP connects and declares a durable topic exchange
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to AMQP broker")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to open AMQP channel")
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrapf(err, "failed to declare exchange %s", exchange)
	}

	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// RoutingKey returns the routing key for an event type
func RoutingKey(eventType async.EventType) string {
	return routingKeyPrefix + string(eventType)
}

// Publish implements async.Publisher
func (p *AMQPPublisher) Publish(ctx context.Context, eventType async.EventType, payload interface{}, rooms ...string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event payload")
	}
	msg, err := json.Marshal(Envelope{
		Type:      eventType,
		Rooms:     rooms,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal event envelope")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(eventType),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Type:         string(eventType),
			Body:         msg,
		},
	)
	if err != nil {
		return errors.Wrapf(err, "failed to publish %s", eventType)
	}
	return nil
}

// Close closes the channel and connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
