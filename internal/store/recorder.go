package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/me/kernsched/internal/kernel"
	"github.com/me/kernsched/internal/logging"
	"github.com/me/kernsched/pkg/model"
)

// DefaultBatchSize is the number of buffered events that triggers a write.
const DefaultBatchSize = 512

var _ kernel.Listener = (*Recorder)(nil)

// Recorder is a kernel.Listener that persists trace events of one run.
// Events are buffered and written in batches; call Flush once the run ends.
type Recorder struct {
	store     Store
	runID     string
	batchSize int
	logger    *slog.Logger

	mu       sync.Mutex
	buf      []model.Event
	recorded int
	err      error
}

// NewRecorder returns a Recorder writing to runID. batchSize <= 0 selects DefaultBatchSize.
func NewRecorder(st Store, runID string, batchSize int, logger *slog.Logger) *Recorder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Recorder{
		store:     st,
		runID:     runID,
		batchSize: batchSize,
		logger:    logging.Component(logger, "recorder").With("run_id", runID),
	}
}

// OnEvent buffers ev and writes the buffer once it is full. After the first
// write error further events are dropped; Flush reports the error.
func (r *Recorder) OnEvent(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.buf = append(r.buf, ev)
	if len(r.buf) >= r.batchSize {
		r.writeLocked(context.Background())
	}
}

// Flush writes any buffered events and returns the first write error seen.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil && len(r.buf) > 0 {
		r.writeLocked(ctx)
	}
	return r.err
}

// Recorded returns the number of events written so far.
func (r *Recorder) Recorded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorded
}

func (r *Recorder) writeLocked(ctx context.Context) {
	if err := r.store.AppendEvents(ctx, r.runID, r.buf); err != nil {
		r.logger.Error("write trace batch", "count", len(r.buf), logging.ErrAttr(err))
		r.err = err
		r.buf = nil
		return
	}
	r.recorded += len(r.buf)
	r.logger.Debug("trace batch written", "count", len(r.buf), "total", r.recorded)
	r.buf = r.buf[:0]
}
