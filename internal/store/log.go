package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// DefaultRetention is how long the durable log keeps detections.
const DefaultRetention = 7 * 24 * time.Hour

// ErrClosed is returned by a Writer after Close.
var ErrClosed = errors.New("detection log closed")

// Log is a durable detection history.
type Log interface {
	Append(ctx context.Context, ds []types.Detection) error
	History(ctx context.Context, limit int) ([]types.Detection, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Writer feeds a Log from the processing loop without blocking it.
// Batches are queued on a bounded channel and written by one goroutine;
// a full queue drops the batch.
type Writer struct {
	log       Log
	retention time.Duration
	pruneTick time.Duration

	queue   chan []types.Detection
	closeCh chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool

	written atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

// NewWriter creates a writer over log. Retention <= 0 disables pruning.
func NewWriter(log Log, queueSize int, retention, pruneEvery time.Duration) *Writer {
	if queueSize <= 0 {
		queueSize = 64
	}
	if pruneEvery <= 0 {
		pruneEvery = time.Hour
	}
	w := &Writer{
		log:       log,
		retention: retention,
		pruneTick: pruneEvery,
		queue:     make(chan []types.Detection, queueSize),
		closeCh:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue schedules ds for durable storage. It never blocks.
func (w *Writer) Enqueue(ds []types.Detection) bool {
	if len(ds) == 0 || w.closed.Load() {
		return false
	}
	batch := append([]types.Detection(nil), ds...)
	select {
	case w.queue <- batch:
		return true
	default:
		w.dropped.Add(uint64(len(ds)))
		logger.Warn("DetectionLog", "Write queue full, dropped %d detections", len(ds))
		return false
	}
}

// History reads from the underlying log.
func (w *Writer) History(ctx context.Context, limit int) ([]types.Detection, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	return w.log.History(ctx, limit)
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pruneTick)
	defer ticker.Stop()

	for {
		select {
		case batch := <-w.queue:
			w.write(batch)
		case <-ticker.C:
			w.prune()
		case <-w.closeCh:
			// Drain remaining batches
			for {
				select {
				case batch := <-w.queue:
					w.write(batch)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(batch []types.Detection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.log.Append(ctx, batch); err != nil {
		w.errors.Add(1)
		logger.Error("DetectionLog", "Append failed: %v", err)
		return
	}
	w.written.Add(uint64(len(batch)))
}

func (w *Writer) prune() {
	if w.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := w.log.Prune(ctx, time.Now().Add(-w.retention))
	if err != nil {
		w.errors.Add(1)
		logger.Error("DetectionLog", "Prune failed: %v", err)
		return
	}
	if n > 0 {
		logger.Info("DetectionLog", "Pruned %d detections older than %v", n, w.retention)
	}
}

// Stats returns written, dropped and error totals.
func (w *Writer) Stats() (written, dropped, errs uint64) {
	return w.written.Load(), w.dropped.Load(), w.errors.Load()
}

// Close flushes queued batches and closes the log.
func (w *Writer) Close() error {
	var err error
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.closeCh)
		w.wg.Wait()
		err = w.log.Close()
	})
	return err
}
