package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// kafkaReader abstracts kafka.Reader for testability of poll and commit
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSourceConfig holds Kafka source configuration
type KafkaSourceConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MaxPollRecords int
	FetchMaxBytes  int
	FetchMaxWait   time.Duration
	Logger         *zap.Logger
}

// KafkaSource polls a consumer-group reader
type KafkaSource struct {
	reader     kafkaReader
	topic      string
	maxRecords int
	logger     *zap.Logger
}

// minFetchBytes is the batch size the reader waits for before MaxWait
const minFetchBytes = 10 * 1024

// NewKafkaSource creates a consumer-group reader starting from the earliest
// uncommitted offset
func NewKafkaSource(cfg KafkaSourceConfig) (*KafkaSource, error) {
	rc := readerConfig(cfg)
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka reader config: %w", err)
	}

	return newKafkaSource(kafka.NewReader(rc), cfg.Topic, cfg.MaxPollRecords, cfg.Logger), nil
}

// readerConfig never asks for a minimum batch larger than the maximum
func readerConfig(cfg KafkaSourceConfig) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    min(minFetchBytes, cfg.FetchMaxBytes),
		MaxBytes:    cfg.FetchMaxBytes,
		MaxWait:     cfg.FetchMaxWait,
		StartOffset: kafka.FirstOffset,
	}
}

func newKafkaSource(reader kafkaReader, topic string, maxRecords int, logger *zap.Logger) *KafkaSource {
	if maxRecords <= 0 {
		maxRecords = 1
	}
	return &KafkaSource{
		reader:     reader,
		topic:      topic,
		maxRecords: maxRecords,
		logger:     logger,
	}
}

// Poll fetches up to MaxPollRecords messages, waiting at most timeout.
// Messages are left uncommitted.
func (s *KafkaSource) Poll(ctx context.Context, timeout time.Duration) ([]PartitionBatch, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var msgs []Message
	for len(msgs) < s.maxRecords {
		km, err := s.reader.FetchMessage(pollCtx)
		if err != nil {
			if pollCtx.Err() != nil {
				break
			}
			if len(msgs) > 0 {
				s.logger.Warn("kafka fetch failed mid-poll, returning partial poll",
					zap.Error(err),
					zap.Int("fetched", len(msgs)),
				)
				break
			}
			return nil, fmt.Errorf("failed to fetch kafka message: %w", err)
		}

		msgs = append(msgs, Message{
			Partition: km.Partition,
			Offset:    km.Offset,
			Payload:   km.Value,
			raw:       km,
		})
	}

	return groupByPartition(msgs), nil
}

// Commit records consumer progress for msgs
func (s *KafkaSource) Commit(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	kms := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		km, ok := m.raw.(kafka.Message)
		if !ok {
			return errors.New("cannot commit message not fetched from kafka")
		}
		kms = append(kms, km)
	}

	if err := s.reader.CommitMessages(ctx, kms...); err != nil {
		return fmt.Errorf("failed to commit kafka offsets: %w", err)
	}

	s.logger.Debug("kafka offsets committed",
		zap.String("topic", s.topic),
		zap.Int("messages", len(kms)),
	)
	return nil
}

// Close closes the reader, leaving the consumer group
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
