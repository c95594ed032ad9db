package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Storage is where batches of audit events land.
type Storage interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// Recorder is the write side of the trail, the only part the agents
// see.
type Recorder interface {
	Record(event Event)
}

const (
	defaultBufferSize = 10000
	batchSize         = 100
	flushInterval     = 500 * time.Millisecond
)

// Trail collects audit events off the hot path: Record never blocks,
// a single worker drains the buffer into storage in batches, and Stop
// flushes whatever is left before returning. When the buffer is full
// the event is shed to the logger rather than stalling the caller.
type Trail struct {
	ch     chan Event
	store  Storage
	logger *zap.Logger
	wg     sync.WaitGroup

	// closedMu makes the closed check and the channel send atomic
	// against Stop closing the channel. Record holds the read side, so
	// concurrent producers never contend with each other.
	closedMu sync.RWMutex
	closed   bool
}

func NewTrail(store Storage, logger *zap.Logger, bufferSize int) *Trail {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Trail{
		ch:     make(chan Event, bufferSize),
		store:  store,
		logger: logger.Named("audit"),
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop seals the intake and waits for the worker to drain and flush.
// Closing the channel is the only shutdown signal: the worker reads
// everything still queued, then sees the close and does a final flush.
func (t *Trail) Stop() {
	t.closedMu.Lock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
	t.closedMu.Unlock()

	t.logger.Info("stopping audit trail, flushing buffer")
	t.wg.Wait()
	t.logger.Info("audit trail stopped")
}

// Record enqueues an event, filling in ID and timestamp when absent.
func (t *Trail) Record(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	if t.closed {
		t.logger.Warn("audit event dropped: trail is stopping",
			zap.String("id", event.ID), zap.String("agent_id", event.AgentID))
		return
	}

	select {
	case t.ch <- event:
	default:
		// Buffer full: shed to the logger so the record survives
		// somewhere even under backpressure.
		t.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("type", string(event.Type)))
	}
}

// Depth reports how many events are queued, for gauges.
func (t *Trail) Depth() int { return len(t.ch) }

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Event, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: the run context may already be gone during
		// the final flush.
		if err := t.store.WriteBatch(context.Background(), batch); err != nil {
			t.logger.Error("audit flush failed", zap.Error(err), zap.Int("batch", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// LogStorage writes audit batches to the structured log. It is the
// fallback sink when no database is configured.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	return &LogStorage{logger: logger.Named("audit.sink")}
}

func (s *LogStorage) WriteBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		s.logger.Info("audit",
			zap.String("id", e.ID),
			zap.String("agent_id", e.AgentID),
			zap.String("type", string(e.Type)),
			zap.String("from", e.From),
			zap.String("to", e.To),
			zap.Any("detail", e.Detail),
			zap.String("error", e.Error),
			zap.Time("timestamp", e.Timestamp))
	}
	return nil
}
