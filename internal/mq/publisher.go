package mq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RejectRoutingKey is the routing key of skipped payloads
const RejectRoutingKey = "reading.rejected"

// Publisher forwards payloads that failed decoding to a reject exchange
type Publisher struct {
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// RejectedMessage is a payload that could not be decoded
type RejectedMessage struct {
	Partition int
	Offset    int64
	Payload   []byte
	Reason    string
}

// PublishRejected publishes the original payload with the rejection reason
// in its headers
func (p *Publisher) PublishRejected(ctx context.Context, msg RejectedMessage) error {
	err := p.channel.PublishWithContext(
		ctx,
		p.exchange,
		RejectRoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg.Payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers: amqp.Table{
				"x-reject-reason":    msg.Reason,
				"x-source-partition": int32(msg.Partition),
				"x-source-offset":    msg.Offset,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish rejected payload: %w", err)
	}

	p.logger.Debug("published rejected payload",
		zap.String("exchange", p.exchange),
		zap.String("reason", msg.Reason),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
