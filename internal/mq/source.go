package mq

import (
	"context"
	"errors"
	"time"
)

// ErrSourceClosed is returned by Poll once the source can never deliver
// again
var ErrSourceClosed = errors.New("message source closed")

// Message is a single payload received from the message source
type Message struct {
	Partition int
	Offset    int64
	Payload   []byte

	// raw is the broker-specific handle needed to commit the message
	raw any
}

// PartitionBatch groups the messages of one poll by partition, in arrival
// order
type PartitionBatch struct {
	Partition int
	Messages  []Message
}

// Source is a pollable message stream. Positions are committed explicitly
// once the messages have been durably handled.
type Source interface {
	Poll(ctx context.Context, timeout time.Duration) ([]PartitionBatch, error)
	Commit(ctx context.Context, msgs []Message) error
	Close() error
}

// Count returns the number of messages across batches
func Count(batches []PartitionBatch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Messages)
	}
	return n
}

// groupByPartition keeps partitions in first-seen order
func groupByPartition(msgs []Message) []PartitionBatch {
	if len(msgs) == 0 {
		return nil
	}

	index := make(map[int]int)
	var batches []PartitionBatch
	for _, m := range msgs {
		i, ok := index[m.Partition]
		if !ok {
			i = len(batches)
			index[m.Partition] = i
			batches = append(batches, PartitionBatch{Partition: m.Partition})
		}
		batches[i].Messages = append(batches[i].Messages, m)
	}
	return batches
}
