package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// acker acknowledges deliveries; satisfied by *amqp.Channel
type acker interface {
	Ack(tag uint64, multiple bool) error
}

// RabbitSourceConfig holds RabbitMQ source configuration
type RabbitSourceConfig struct {
	Connection     *Connection
	Queue          string
	Exchange       string
	RoutingKey     string
	MaxPollRecords int
	Logger         *zap.Logger
}

// RabbitSource consumes a durable queue with manual acknowledgement. A
// queue has no partitions, so every message is reported on partition 0.
type RabbitSource struct {
	channel    *amqp.Channel
	acker      acker
	deliveries <-chan amqp.Delivery
	queue      string
	maxRecords int
	logger     *zap.Logger
}

// NewRabbitSource declares the exchange, queue and binding and starts
// consuming. Prefetch equals MaxPollRecords so a full poll can be held
// unacknowledged while it is written.
func NewRabbitSource(cfg RabbitSourceConfig) (*RabbitSource, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(cfg.MaxPollRecords, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
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

	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := ch.Consume(
		cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	cfg.Logger.Info("rabbitmq source started",
		zap.String("queue", cfg.Queue),
		zap.Int("prefetch", cfg.MaxPollRecords),
	)

	src := newRabbitSource(deliveries, ch, cfg.Queue, cfg.MaxPollRecords, cfg.Logger)
	src.channel = ch
	return src, nil
}

func newRabbitSource(deliveries <-chan amqp.Delivery, a acker, queue string, maxRecords int, logger *zap.Logger) *RabbitSource {
	if maxRecords <= 0 {
		maxRecords = 1
	}
	return &RabbitSource{
		acker:      a,
		deliveries: deliveries,
		queue:      queue,
		maxRecords: maxRecords,
		logger:     logger,
	}
}

// Poll collects deliveries until MaxPollRecords arrive or timeout elapses
func (s *RabbitSource) Poll(ctx context.Context, timeout time.Duration) ([]PartitionBatch, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var msgs []Message
	for len(msgs) < s.maxRecords {
		select {
		case <-ctx.Done():
			return groupByPartition(msgs), nil
		case <-timer.C:
			return groupByPartition(msgs), nil
		case d, ok := <-s.deliveries:
			if !ok {
				if len(msgs) > 0 {
					return groupByPartition(msgs), nil
				}
				return nil, fmt.Errorf("rabbitmq delivery channel closed: %w", ErrSourceClosed)
			}
			msgs = append(msgs, Message{
				Partition: 0,
				Offset:    int64(d.DeliveryTag),
				Payload:   d.Body,
				raw:       d.DeliveryTag,
			})
		}
	}

	return groupByPartition(msgs), nil
}

// Commit acknowledges every delivery up to the highest tag in msgs
func (s *RabbitSource) Commit(ctx context.Context, msgs []Message) error {
	var last uint64
	for _, m := range msgs {
		tag, ok := m.raw.(uint64)
		if !ok {
			return errors.New("cannot commit message not received from rabbitmq")
		}
		if tag > last {
			last = tag
		}
	}
	if last == 0 {
		return nil
	}

	if err := s.acker.Ack(last, true); err != nil {
		return fmt.Errorf("failed to ACK deliveries: %w", err)
	}

	s.logger.Debug("rabbitmq deliveries acknowledged",
		zap.String("queue", s.queue),
		zap.Uint64("up_to_tag", last),
	)
	return nil
}

// Close closes the consumer channel; unacknowledged deliveries are requeued
// by the broker
func (s *RabbitSource) Close() error {
	if s.channel != nil {
		return s.channel.Close()
	}
	return nil
}
