package db

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/banshee-data/turret/internal/monitoring"
)

// Store is the write side of the journal.
type Store interface {
	RecordEvent(Event) error
	RecordTelemetry(TelemetrySample) error
}

// DefaultQueueSize is the writer's buffer when none is given.
const DefaultQueueSize = 256

type record struct {
	event  *Event
	sample *TelemetrySample
}

// Writer journals records on its own goroutine so callers never wait on
// sqlite. When the queue is full new records are dropped and counted.
type Writer struct {
	store   Store
	queue   chan record
	log     zerolog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// NewWriter builds a writer over store. Call Start before enqueueing.
func NewWriter(store Store, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Writer{
		store: store,
		queue: make(chan record, queueSize),
		log:   monitoring.Logger("journal"),
		done:  make(chan struct{}),
	}
}

// Start runs the drain loop in a goroutine.
func (w *Writer) Start() {
	go func() {
		defer close(w.done)
		for r := range w.queue {
			w.write(r)
		}
	}()
}

func (w *Writer) write(r record) {
	var err error
	switch {
	case r.event != nil:
		err = w.store.RecordEvent(*r.event)
	case r.sample != nil:
		err = w.store.RecordTelemetry(*r.sample)
	}
	if err != nil {
		w.log.Warn().Err(err).Msg("journal write failed")
	}
}

// Event queues e without blocking.
func (w *Writer) Event(e Event) {
	w.enqueue(record{event: &e})
}

// Telemetry queues s without blocking.
func (w *Writer) Telemetry(s TelemetrySample) {
	w.enqueue(record{sample: &s})
}

func (w *Writer) enqueue(r record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- r:
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.log.Warn().Int64("dropped", n).Msg("journal queue full")
		}
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close stops accepting records and waits for the queue to drain. Start must
// have been called.
func (w *Writer) Close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	<-w.done
}
