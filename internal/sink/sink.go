// Package sink persists enriched batches to the destination index.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/climate-stream-worker/internal/logging"
	"github.com/septivank/climate-stream-worker/internal/metrics"
	"github.com/septivank/climate-stream-worker/internal/reading"
)

// ErrRetriesExhausted is returned when a fail-fast retry limit is reached
var ErrRetriesExhausted = errors.New("sink: write retries exhausted")

// DefaultRetryBackoff replaces a non-positive backoff
const DefaultRetryBackoff = 2 * time.Second

// Destination is an append-only store of enriched records
type Destination interface {
	// EnsureIndex creates the destination schema if it does not exist
	EnsureIndex(ctx context.Context) error
	// BulkAppend appends records in one request
	BulkAppend(ctx context.Context, records []reading.EnrichedRecord) error
	Close() error
}

// PartialWriteError reports the positions of records a destination
// rejected while accepting the rest
type PartialWriteError struct {
	Failed []int
	Reason string
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("%d records rejected: %s", len(e.Failed), e.Reason)
}

// IndexSink writes batches, retrying on a fixed backoff
type IndexSink struct {
	dest       Destination
	backoff    time.Duration
	maxRetries int
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewIndexSink creates a sink. maxRetries of 0 retries until success or
// context cancellation.
func NewIndexSink(dest Destination, backoff time.Duration, maxRetries int, m *metrics.Metrics, logger *zap.Logger) *IndexSink {
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	return &IndexSink{
		dest:       dest,
		backoff:    backoff,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     logger,
	}
}

// Write appends records, retrying the in-flight batch after each failure.
// When a destination accepts part of a batch only the rejected records are
// retried. It returns nil on success, ctx.Err() when cancelled, or
// ErrRetriesExhausted.
func (s *IndexSink) Write(ctx context.Context, batchID string, records []reading.EnrichedRecord) error {
	if len(records) == 0 {
		return nil
	}

	log := logging.WithBatchID(s.logger, batchID)
	pending := records

	for attempt := 1; ; attempt++ {
		err := s.dest.BulkAppend(ctx, pending)
		if err == nil {
			if attempt > 1 {
				log.Info("batch written after retry",
					zap.Int("attempt", attempt),
					zap.Int("records", len(records)),
				)
			}
			return nil
		}

		s.metrics.IncWriteFailure()

		var partial *PartialWriteError
		if errors.As(err, &partial) {
			next := subset(pending, partial.Failed)
			if len(next) == 0 {
				// Every record outside the reported positions was accepted.
				log.Warn("partial write reported no rejected record in the batch, treating batch as written",
					zap.Error(err),
					zap.Ints("failed_positions", partial.Failed),
					zap.Int("records", len(pending)),
				)
				return nil
			}
			pending = next
		}

		if s.maxRetries > 0 && attempt > s.maxRetries {
			log.Error("giving up on batch write",
				zap.Error(err),
				zap.Int("attempts", attempt),
				zap.Int("pending_records", len(pending)),
			)
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, err)
		}

		log.Error("failed to write batch, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("pending_records", len(pending)),
			zap.Duration("backoff", s.backoff),
		)

		if err := sleepWithContext(ctx, s.backoff); err != nil {
			log.Warn("batch write retry cancelled", zap.Int("attempt", attempt))
			return err
		}
	}
}

// EnsureIndex bootstraps the destination schema
func (s *IndexSink) EnsureIndex(ctx context.Context) error {
	return s.dest.EnsureIndex(ctx)
}

func subset(records []reading.EnrichedRecord, idx []int) []reading.EnrichedRecord {
	out := make([]reading.EnrichedRecord, 0, len(idx))
	for _, i := range idx {
		if i >= 0 && i < len(records) {
			out = append(out, records[i])
		}
	}
	return out
}

// sleepWithContext waits for delay or returns early when ctx is cancelled
func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
