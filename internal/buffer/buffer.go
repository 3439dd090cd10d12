// Package buffer accumulates decoded readings across polls until the flush
// policy is met.
package buffer

import (
	"sync"
	"time"

	"github.com/septivank/climate-stream-worker/internal/mq"
	"github.com/septivank/climate-stream-worker/internal/reading"
)

// Batch is the drained content of the buffer: the readings to write and
// every source message whose position becomes committable once they are
// written
type Batch struct {
	Readings []reading.RawReading
	Messages []mq.Message
}

// BatchBuffer holds readings until MinRecords are buffered or the oldest
// reading has waited MaxWait. A zero MaxWait disables the age trigger.
type BatchBuffer struct {
	mu         sync.Mutex
	minRecords int
	maxWait    time.Duration
	readings   []reading.RawReading
	messages   []mq.Message
	oldest     time.Time
}

// NewBatchBuffer creates an empty buffer
func NewBatchBuffer(minRecords int, maxWait time.Duration) *BatchBuffer {
	if minRecords < 1 {
		minRecords = 1
	}
	return &BatchBuffer{
		minRecords: minRecords,
		maxWait:    maxWait,
	}
}

// Append adds decoded readings and the messages they came from. Messages
// that failed decoding are appended too so their positions are committed
// with the next flush.
func (b *BatchBuffer) Append(readings []reading.RawReading, msgs []mq.Message, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.readings) == 0 && len(readings) > 0 {
		b.oldest = now
	}
	b.readings = append(b.readings, readings...)
	b.messages = append(b.messages, msgs...)
}

// Len returns the number of buffered readings
func (b *BatchBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readings)
}

// Pending returns the number of buffered source messages
func (b *BatchBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// ShouldFlush reports whether the buffered readings must be written now
func (b *BatchBuffer) ShouldFlush(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.readings) == 0 {
		return false
	}
	if len(b.readings) >= b.minRecords {
		return true
	}
	return b.maxWait > 0 && now.Sub(b.oldest) >= b.maxWait
}

// Drain returns the buffered content and empties the buffer in one step
func (b *BatchBuffer) Drain() Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := Batch{Readings: b.readings, Messages: b.messages}
	b.readings = nil
	b.messages = nil
	b.oldest = time.Time{}
	return batch
}
