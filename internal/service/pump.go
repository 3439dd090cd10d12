package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/climate-stream-worker/internal/buffer"
	"github.com/septivank/climate-stream-worker/internal/enrich"
	"github.com/septivank/climate-stream-worker/internal/logging"
	"github.com/septivank/climate-stream-worker/internal/metrics"
	"github.com/septivank/climate-stream-worker/internal/mq"
	"github.com/septivank/climate-stream-worker/internal/reading"
	"github.com/septivank/climate-stream-worker/internal/sink"
	"github.com/septivank/climate-stream-worker/internal/validator"
)

const commitTimeout = 10 * time.Second

// RejectPublisher forwards payloads that could not be decoded
type RejectPublisher interface {
	PublishRejected(ctx context.Context, msg mq.RejectedMessage) error
}

// PumpConfig holds the collaborators of a StreamPump
type PumpConfig struct {
	Source      mq.Source
	Validator   *validator.Validator
	Buffer      *buffer.BatchBuffer
	Enricher    *enrich.Enricher
	Sink        *sink.IndexSink
	Rejects     RejectPublisher // optional
	Metrics     *metrics.Metrics
	PollTimeout time.Duration
	Logger      *zap.Logger
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Stats are the running totals of a pump
type Stats struct {
	MessagesPolled  int64
	LastPollSize    int64
	ReadingsDecoded int64
	MessagesSkipped int64
	BatchesFlushed  int64
	RecordsWritten  int64
}

// StreamPump polls the source, buffers decoded readings and, when the
// buffer is due, enriches and writes them before polling again. Source
// positions are committed only after the batch they belong to is written.
type StreamPump struct {
	source      mq.Source
	validator   *validator.Validator
	buffer      *buffer.BatchBuffer
	enricher    *enrich.Enricher
	sink        *sink.IndexSink
	rejects     RejectPublisher
	metrics     *metrics.Metrics
	pollTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time

	polled   atomic.Int64
	lastPoll atomic.Int64
	decoded  atomic.Int64
	skipped  atomic.Int64
	flushed  atomic.Int64
	written  atomic.Int64
}

// NewStreamPump creates a new pump
func NewStreamPump(cfg PumpConfig) *StreamPump {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StreamPump{
		source:      cfg.Source,
		validator:   cfg.Validator,
		buffer:      cfg.Buffer,
		enricher:    cfg.Enricher,
		sink:        cfg.Sink,
		rejects:     cfg.Rejects,
		metrics:     cfg.Metrics,
		pollTimeout: pollTimeout,
		logger:      logger,
		now:         clock,
	}
}

// Run loops until ctx is cancelled or a write fails permanently. It
// returns nil on cancellation. Messages of a batch that was not written are
// left uncommitted and will be redelivered.
func (p *StreamPump) Run(ctx context.Context) error {
	p.logger.Info("stream pump started", zap.Duration("poll_timeout", p.pollTimeout))

	for {
		if ctx.Err() != nil {
			p.logStopped()
			return nil
		}

		err := p.cycle(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			p.logger.Warn("in-flight batch abandoned on shutdown, it will be redelivered")
			p.logStopped()
			return nil
		}
		p.logger.Error("stream pump stopped", zap.Error(err))
		return err
	}
}

// Stats returns a snapshot of the running totals
func (p *StreamPump) Stats() Stats {
	return Stats{
		MessagesPolled:  p.polled.Load(),
		LastPollSize:    p.lastPoll.Load(),
		ReadingsDecoded: p.decoded.Load(),
		MessagesSkipped: p.skipped.Load(),
		BatchesFlushed:  p.flushed.Load(),
		RecordsWritten:  p.written.Load(),
	}
}

func (p *StreamPump) cycle(ctx context.Context) error {
	batches, err := p.source.Poll(ctx, p.pollTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, mq.ErrSourceClosed) {
			return err
		}
		p.logger.Error("failed to poll messages", zap.Error(err))
		sleepWithContext(ctx, p.pollTimeout)
		return nil
	}
	// A poll cut short by shutdown is left uncommitted for redelivery.
	if ctx.Err() != nil {
		return nil
	}

	result := p.validator.DecodeBatches(batches)
	p.recordPoll(ctx, result)

	now := p.now()
	p.buffer.Append(result.Readings, result.Messages, now)
	p.metrics.SetBuffered(p.buffer.Len())

	// Nothing to write but skipped messages: their positions can move on.
	if p.buffer.Len() == 0 && p.buffer.Pending() > 0 {
		p.commit(ctx, p.buffer.Drain().Messages)
		return nil
	}

	if !p.buffer.ShouldFlush(now) {
		return nil
	}
	return p.flush(ctx)
}

func (p *StreamPump) recordPoll(ctx context.Context, result validator.Result) {
	n := int64(len(result.Messages))
	p.polled.Add(n)
	p.lastPoll.Store(n)
	p.decoded.Add(int64(len(result.Readings)))
	p.skipped.Add(int64(len(result.Failures)))
	p.metrics.ObservePoll(len(result.Messages), len(result.Readings), len(result.Failures))

	if n > 0 {
		p.logger.Debug("poll completed",
			zap.Int64("messages", n),
			zap.Int("readings", len(result.Readings)),
			zap.Int("skipped", len(result.Failures)),
			zap.Int64("total_polled", p.polled.Load()),
		)
	}

	for _, f := range result.Failures {
		p.logger.Warn("skipping malformed message",
			zap.Int("partition", f.Partition),
			zap.Int64("offset", f.Offset),
			zap.String("reason", f.Reason),
			zap.Int64("total_skipped", p.skipped.Load()),
		)
		if p.rejects == nil {
			continue
		}
		err := p.rejects.PublishRejected(ctx, mq.RejectedMessage{
			Partition: f.Partition,
			Offset:    f.Offset,
			Payload:   f.Payload,
			Reason:    f.Reason,
		})
		if err != nil {
			p.logger.Error("failed to publish rejected message",
				zap.Error(err),
				zap.Int64("offset", f.Offset),
			)
		}
	}
}

func (p *StreamPump) flush(ctx context.Context) error {
	batch := p.buffer.Drain()
	p.metrics.SetBuffered(0)

	batchID := uuid.New().String()
	log := logging.WithBatchID(p.logger, batchID)
	start := p.now()

	records := p.enricher.Enrich(batch.Readings)
	if err := p.sink.Write(ctx, batchID, records); err != nil {
		return fmt.Errorf("failed to write batch %s: %w", batchID, err)
	}

	p.commit(ctx, batch.Messages)

	unknown := countUnknown(records)
	p.flushed.Add(1)
	p.written.Add(int64(len(records)))
	p.metrics.ObserveFlush(len(records), unknown, p.now().Sub(start).Seconds())

	log.Info("batch flushed",
		zap.Int("records", len(records)),
		zap.Int("messages", len(batch.Messages)),
		zap.Int("day_night_unknown", unknown),
		zap.Int64("total_batches", p.flushed.Load()),
		zap.Int64("total_written", p.written.Load()),
		zap.Int64("total_skipped", p.skipped.Load()),
	)
	return nil
}

// commit survives cancellation so that a batch written during shutdown
// does not get redelivered
func (p *StreamPump) commit(ctx context.Context, msgs []mq.Message) {
	if len(msgs) == 0 {
		return
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := p.source.Commit(commitCtx, msgs); err != nil {
		p.logger.Error("failed to commit source positions, messages may be redelivered",
			zap.Error(err),
			zap.Int("messages", len(msgs)),
		)
	}
}

func (p *StreamPump) logStopped() {
	s := p.Stats()
	p.logger.Info("stream pump stopped",
		zap.Int64("total_polled", s.MessagesPolled),
		zap.Int64("total_decoded", s.ReadingsDecoded),
		zap.Int64("total_skipped", s.MessagesSkipped),
		zap.Int64("total_batches", s.BatchesFlushed),
		zap.Int64("total_written", s.RecordsWritten),
	)
}

func countUnknown(records []reading.EnrichedRecord) int {
	n := 0
	for _, r := range records {
		if r.DayNight == reading.Unknown {
			n++
		}
	}
	return n
}

func sleepWithContext(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
