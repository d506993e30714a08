package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/pipeline"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 256).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 5s).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub aggregates progress events and fans them out to registered sinks. It is
// safe for concurrent use and never blocks callers.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan pipeline.ProgressEvent
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	lastLog atomic.Int64
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan pipeline.ProgressEvent, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.run()
	return h
}

// Emit enqueues an event for batching. A full buffer drops the event and logs
// a rate-limited warning.
func (h *Hub) Emit(evt pipeline.ProgressEvent) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := Validate(evt); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		if h.shouldLogDrop(time.Now()) {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
}

// Dropped reports events dropped since the last backpressure warning.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close drains remaining events, flushes and closes sinks, and waits for the
// background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := newBatcher(h.cfg.MaxBatchEvents, h.cfg.MaxBatchWait)
	defer b.stop()
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		case <-b.timer.C:
			b.armed = false
			h.flush(b.take())
		case <-h.stopCh:
			b.stop()
			h.drain(b)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(b *batcher) {
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		default:
			h.flush(b.take())
			return
		}
	}
}

func (h *Hub) flush(batch []pipeline.ProgressEvent) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

func (h *Hub) shouldLogDrop(now time.Time) bool {
	nano := now.UnixNano()
	last := h.lastLog.Load()
	if nano-last < dropLogInterval.Nanoseconds() {
		return false
	}
	return h.lastLog.CompareAndSwap(last, nano)
}

// batcher accumulates events until the size limit or the wait timer fires.
type batcher struct {
	buf   []pipeline.ProgressEvent
	limit int
	wait  time.Duration
	timer *time.Timer
	armed bool
}

func newBatcher(limit int, wait time.Duration) *batcher {
	t := time.NewTimer(wait)
	t.Stop()
	return &batcher{buf: make([]pipeline.ProgressEvent, 0, limit), limit: limit, wait: wait, timer: t}
}

// add appends evt and reports whether the batch is full.
func (b *batcher) add(evt pipeline.ProgressEvent) bool {
	b.buf = append(b.buf, evt)
	if len(b.buf) >= b.limit {
		return true
	}
	if !b.armed {
		b.timer.Reset(b.wait)
		b.armed = true
	}
	return false
}

// take hands out a copy of the pending events and disarms the timer.
func (b *batcher) take() []pipeline.ProgressEvent {
	b.stop()
	if len(b.buf) == 0 {
		return nil
	}
	out := append([]pipeline.ProgressEvent(nil), b.buf...)
	b.buf = b.buf[:0]
	return out
}

func (b *batcher) stop() {
	if !b.armed {
		return
	}
	if !b.timer.Stop() {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.armed = false
}
