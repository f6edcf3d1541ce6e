package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/clipforge/internal/common"
)

// WorkItem asks a worker to script and submit one job. Done, when set, is
// called with the processing result once the worker is finished with it.
type WorkItem struct {
	JobID string
	Done  func(err error)

	enqueuedAt time.Time
}

var (
	ErrQueueNotStarted = errors.New("queue not started")
	ErrQueueFull       = errors.New("queue is full")
)

// Processor moves a queued job through scripting and submission.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// Queue hands pending jobs to a fixed pool of workers. Intake never blocks:
// a full buffer is reported to the caller, who owns the compensation.
type Queue struct {
	log      *slog.Logger
	items    chan WorkItem
	workers  int
	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc
	mu       sync.Mutex
	running  bool
}

func NewQueue(logger *slog.Logger, capacity int, workers int) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:     logger,
		items:   make(chan WorkItem, capacity),
		workers: workers,
	}
}

// Start runs the worker pool until ctx is cancelled or Shutdown is called.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return errors.New("queue already started")
	}
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, p, q.log.With("worker", i))
	}
	q.running = true
	return nil
}

func (q *Queue) work(ctx context.Context, p Processor, log *slog.Logger) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-q.items:
			if !ok {
				return
			}
			q.run(ctx, p, item, log.With("job_id", item.JobID))
		}
	}
}

// run processes one item. A panicking processor fails the item, not the worker.
func (q *Queue) run(ctx context.Context, p Processor, item WorkItem, log *slog.Logger) {
	start := time.Now()
	log.Info("job picked up", "waited", start.Sub(item.enqueuedAt))

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("processor panic: %v", rec)
			}
		}()
		return p.Process(ctx, item)
	}()

	if err != nil {
		log.Error("job processing failed", "err", err, "duration", time.Since(start))
	} else {
		log.Info("job processed", "duration", time.Since(start))
	}
	if item.Done != nil {
		item.Done(err)
	}
}

// Enqueue adds item without blocking.
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return ErrQueueNotStarted
	}
	item.enqueuedAt = time.Now()
	select {
	case q.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops intake and waits up to deadline for in-progress jobs.
// Jobs still buffered are left pending in the store.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		if q.cancel != nil {
			q.cancel()
		}
		q.running = false
		close(q.items)
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()
		if deadline <= 0 {
			<-done
			return
		}
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			q.log.Warn("queue shutdown deadline reached; workers may still be running")
		}
	})
}
