package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/septivank/climate-stream-worker/internal/buffer"
	"github.com/septivank/climate-stream-worker/internal/enrich"
	"github.com/septivank/climate-stream-worker/internal/metrics"
	"github.com/septivank/climate-stream-worker/internal/mq"
	"github.com/septivank/climate-stream-worker/internal/reading"
	"github.com/septivank/climate-stream-worker/internal/sink"
	"github.com/septivank/climate-stream-worker/internal/solar"
	"github.com/septivank/climate-stream-worker/internal/validator"
)

// scriptedSource replays polls in order, then cancels the run
type scriptedSource struct {
	mu        sync.Mutex
	polls     [][]mq.Message
	pollErr   error
	cancel    context.CancelFunc
	committed []mq.Message
	commits   int
}

func (s *scriptedSource) Poll(ctx context.Context, _ time.Duration) ([]mq.PartitionBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pollErr != nil {
		return nil, s.pollErr
	}
	if len(s.polls) == 0 {
		if s.cancel != nil {
			s.cancel()
		}
		return nil, nil
	}
	msgs := s.polls[0]
	s.polls = s.polls[1:]
	return []mq.PartitionBatch{{Partition: 0, Messages: msgs}}, nil
}

func (s *scriptedSource) Commit(_ context.Context, msgs []mq.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	s.committed = append(s.committed, msgs...)
	return nil
}

func (s *scriptedSource) Close() error { return nil }

func (s *scriptedSource) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// recordingDestination fails the first failures appends. It captures how
// many commits the source had seen at each append.
type recordingDestination struct {
	mu            sync.Mutex
	failures      int // -1 fails forever
	calls         int
	source        *scriptedSource
	commitsAtCall []int
	appended      [][]reading.EnrichedRecord
}

func (d *recordingDestination) EnsureIndex(context.Context) error { return nil }
func (d *recordingDestination) Close() error                      { return nil }

func (d *recordingDestination) BulkAppend(_ context.Context, records []reading.EnrichedRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if d.source != nil {
		d.commitsAtCall = append(d.commitsAtCall, d.source.commitCount())
	}
	if d.failures < 0 || d.calls <= d.failures {
		return errors.New("connection refused")
	}
	d.appended = append(d.appended, append([]reading.EnrichedRecord(nil), records...))
	return nil
}

func (d *recordingDestination) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type capturingRejects struct {
	rejected []mq.RejectedMessage
}

func (c *capturingRejects) PublishRejected(_ context.Context, msg mq.RejectedMessage) error {
	c.rejected = append(c.rejected, msg)
	return nil
}

func message(offset int64, payload string) mq.Message {
	return mq.Message{Partition: 0, Offset: offset, Payload: []byte(payload)}
}

func newTestPump(t *testing.T, src *scriptedSource, dest sink.Destination, maxRetries int, logger *zap.Logger) *StreamPump {
	t.Helper()

	loc, err := time.LoadLocation("Europe/Rome")
	require.NoError(t, err)
	if logger == nil {
		logger = zap.NewNop()
	}

	m := metrics.New()
	return NewStreamPump(PumpConfig{
		Source:      src,
		Validator:   validator.NewValidator(loc, 1),
		Buffer:      buffer.NewBatchBuffer(1, 0),
		Enricher:    enrich.NewEnricher(1, loc, solar.NewCalculator(37.5079, 15.0830, loc), logger),
		Sink:        sink.NewIndexSink(dest, time.Millisecond, maxRetries, m, logger),
		Metrics:     m,
		PollTimeout: 10 * time.Millisecond,
		Logger:      logger,
	})
}

func TestRun_EnrichesAndWritesBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scriptedSource{
		cancel: cancel,
		polls: [][]mq.Message{{
			message(1, `{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":23.7,"Relative_Humidity":55.0}`),
		}},
	}
	dest := &recordingDestination{source: src}
	pump := newTestPump(t, src, dest, 0, nil)

	require.NoError(t, pump.Run(ctx))

	require.Len(t, dest.appended, 1)
	require.Len(t, dest.appended[0], 1)
	rec := dest.appended[0][0]
	assert.Equal(t, 23, rec.TempBin)
	assert.Equal(t, 6, rec.Month)
	assert.Equal(t, 21, rec.Day)
	assert.Equal(t, 2024, rec.Year)
	assert.Equal(t, reading.Summer, rec.Season)
	assert.Equal(t, reading.Day, rec.DayNight)
	assert.Equal(t, "2024-06-21 12:00:00", rec.FormattedTimestamp())

	assert.Len(t, src.committed, 1)
}

func TestRun_SkipsMalformedMessageInSamePoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rejects := &capturingRejects{}
	src := &scriptedSource{
		cancel: cancel,
		polls: [][]mq.Message{{
			message(1, `{"Timestamp":"2024-01-10 08:00:00","Temperature_Celsius":12.5,"Relative_Humidity":70}`),
			message(2, `{"Timestamp":"not a date","Temperature_Celsius":12.5,"Relative_Humidity":70}`),
			message(3, `{"Timestamp":"2024-01-10 08:05:00","Temperature_Celsius":"-3.2","Relative_Humidity":"71"}`),
		}},
	}
	dest := &recordingDestination{source: src}
	core, logs := observer.New(zap.WarnLevel)
	pump := newTestPump(t, src, dest, 0, zap.New(core))
	pump.rejects = rejects

	require.NoError(t, pump.Run(ctx))

	require.Len(t, dest.appended, 1)
	require.Len(t, dest.appended[0], 2)
	assert.Equal(t, 12, dest.appended[0][0].TempBin)
	assert.Equal(t, -4, dest.appended[0][1].TempBin)

	assert.Len(t, src.committed, 3, "skipped message is committed with its batch")
	assert.Equal(t, 1, logs.FilterMessage("skipping malformed message").Len())

	require.Len(t, rejects.rejected, 1)
	assert.Equal(t, int64(2), rejects.rejected[0].Offset)

	stats := pump.Stats()
	assert.Equal(t, int64(3), stats.MessagesPolled)
	assert.Equal(t, int64(2), stats.ReadingsDecoded)
	assert.Equal(t, int64(1), stats.MessagesSkipped)
	assert.Equal(t, int64(1), stats.BatchesFlushed)
	assert.Equal(t, int64(2), stats.RecordsWritten)
}

func TestRun_RetriesUntilWrittenThenCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scriptedSource{
		cancel: cancel,
		polls: [][]mq.Message{{
			message(7, `{"Timestamp":"2024-03-21 06:00:00","Temperature_Celsius":9.9,"Relative_Humidity":80}`),
		}},
	}
	dest := &recordingDestination{source: src, failures: 2}
	pump := newTestPump(t, src, dest, 0, nil)

	require.NoError(t, pump.Run(ctx))

	assert.Equal(t, 3, dest.callCount())
	require.Len(t, dest.appended, 1, "batch is appended exactly once")
	assert.Equal(t, []int{0, 0, 0}, dest.commitsAtCall, "nothing is committed before the write succeeds")
	assert.Equal(t, 1, src.commitCount())
}

func TestRun_AllMalformedPollCommitsWithoutWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scriptedSource{
		cancel: cancel,
		polls: [][]mq.Message{{
			message(1, `[]`),
			message(2, `{"Timestamp":"2024-01-01 00:00:00"}`),
		}},
	}
	dest := &recordingDestination{source: src}
	pump := newTestPump(t, src, dest, 0, nil)

	require.NoError(t, pump.Run(ctx))

	assert.Zero(t, dest.callCount())
	assert.Len(t, src.committed, 2)
	assert.Equal(t, int64(2), pump.Stats().MessagesSkipped)
}

func TestRun_CancelDuringRetryLeavesBatchUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scriptedSource{
		polls: [][]mq.Message{{
			message(1, `{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":23.7,"Relative_Humidity":55.0}`),
		}},
	}
	dest := &recordingDestination{source: src, failures: -1}
	pump := newTestPump(t, src, dest, 0, nil)

	done := make(chan error, 1)
	go func() { done <- pump.Run(ctx) }()

	require.Eventually(t, func() bool { return dest.callCount() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop after cancellation")
	}
	assert.Zero(t, src.commitCount())
}

func TestRun_RetriesExhaustedStopsWithError(t *testing.T) {
	src := &scriptedSource{
		polls: [][]mq.Message{{
			message(1, `{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":23.7,"Relative_Humidity":55.0}`),
		}},
	}
	dest := &recordingDestination{source: src, failures: -1}
	pump := newTestPump(t, src, dest, 2, nil)

	err := pump.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, sink.ErrRetriesExhausted)
	assert.Equal(t, 3, dest.callCount())
	assert.Zero(t, src.commitCount())
}

func TestRun_SourceClosedStopsWithError(t *testing.T) {
	src := &scriptedSource{pollErr: mq.ErrSourceClosed}
	pump := newTestPump(t, src, &recordingDestination{}, 0, nil)

	err := pump.Run(context.Background())
	assert.ErrorIs(t, err, mq.ErrSourceClosed)
}

func TestRun_TransientPollErrorKeepsPolling(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	src := &scriptedSource{pollErr: errors.New("broker not available")}
	core, logs := observer.New(zap.ErrorLevel)
	pump := newTestPump(t, src, &recordingDestination{}, 0, zap.New(core))

	assert.NoError(t, pump.Run(ctx))
	assert.GreaterOrEqual(t, logs.FilterMessage("failed to poll messages").Len(), 2)
}

func TestRun_HoldsBelowMinRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loc, err := time.LoadLocation("Europe/Rome")
	require.NoError(t, err)

	src := &scriptedSource{
		cancel: cancel,
		polls: [][]mq.Message{
			{message(1, `{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":20,"Relative_Humidity":50}`)},
			{message(2, `{"Timestamp":"2024-06-21 12:01:00","Temperature_Celsius":21,"Relative_Humidity":50}`)},
			{message(3, `{"Timestamp":"2024-06-21 12:02:00","Temperature_Celsius":22,"Relative_Humidity":50}`)},
		},
	}
	dest := &recordingDestination{source: src}
	pump := NewStreamPump(PumpConfig{
		Source:      src,
		Validator:   validator.NewValidator(loc, 1),
		Buffer:      buffer.NewBatchBuffer(2, 0),
		Enricher:    enrich.NewEnricher(1, loc, solar.NewCalculator(37.5079, 15.0830, loc), zap.NewNop()),
		Sink:        sink.NewIndexSink(dest, time.Millisecond, 0, nil, zap.NewNop()),
		PollTimeout: 10 * time.Millisecond,
	})

	require.NoError(t, pump.Run(ctx))

	require.Len(t, dest.appended, 1)
	assert.Len(t, dest.appended[0], 2)
	assert.Len(t, src.committed, 2, "the buffered third message stays uncommitted")
}

// interruptedSource cancels the run while a poll is in progress and still
// returns what it collected, as the real sources do
type interruptedSource struct {
	scriptedSource
	msgs []mq.Message
}

func (s *interruptedSource) Poll(context.Context, time.Duration) ([]mq.PartitionBatch, error) {
	s.cancel()
	return []mq.PartitionBatch{{Partition: 0, Messages: s.msgs}}, nil
}

func TestRun_ShutdownDuringPollSkipsFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &interruptedSource{
		scriptedSource: scriptedSource{cancel: cancel},
		msgs: []mq.Message{
			message(1, `{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":23.7,"Relative_Humidity":55.0}`),
		},
	}
	dest := &recordingDestination{}
	core, logs := observer.New(zap.WarnLevel)
	pump := newTestPump(t, &src.scriptedSource, dest, 0, zap.New(core))
	pump.source = src

	require.NoError(t, pump.Run(ctx))

	assert.Zero(t, dest.callCount())
	assert.Zero(t, src.commitCount())
	assert.Zero(t, logs.FilterMessage("failed to write batch, retrying").Len())
}
