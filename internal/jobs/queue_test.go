package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type noopProcessor struct {
	count int32
	fail  bool
}

func (p *noopProcessor) Process(ctx context.Context, item WorkItem) error {
	atomic.AddInt32(&p.count, 1)
	if p.fail {
		return errors.New("fail")
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestQueue_StartEnqueueShutdown(t *testing.T) {
	q := NewQueue(discardLogger(), 2, 1)
	p := &noopProcessor{fail: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx, p); err != nil {
		t.Fatalf("queue start: %v", err)
	}

	done := make(chan error, 1)
	item := WorkItem{JobID: "id1", Done: func(err error) { done <- err }}
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected processor error to reach Done")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("processor was not called")
	}
	if atomic.LoadInt32(&p.count) != 1 {
		t.Fatalf("expected processor to be called once, got %d", p.count)
	}

	// shutdown should complete promptly
	q.Shutdown(2 * time.Second)
}

func TestQueue_EnqueueBeforeStartFails(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	err := q.Enqueue(WorkItem{JobID: "x"})
	if !errors.Is(err, ErrQueueNotStarted) {
		t.Fatalf("enqueue before start should error, got %v", err)
	}
}

func TestQueue_Start_Twice(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx, &noopProcessor{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := q.Start(ctx, &noopProcessor{}); err == nil {
		t.Fatalf("second start should fail")
	}
	q.Shutdown(time.Second)
}

type panicProcessor struct {
	calls int32
}

func (p *panicProcessor) Process(ctx context.Context, item WorkItem) error {
	if atomic.AddInt32(&p.calls, 1) == 1 {
		panic("nil script")
	}
	return nil
}

func TestQueue_PanicFailsItemNotWorker(t *testing.T) {
	q := NewQueue(discardLogger(), 2, 1)
	p := &panicProcessor{}
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(time.Second)

	results := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(WorkItem{JobID: id, Done: func(err error) { results <- err }}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for i, wantErr := range []bool{true, false} {
		select {
		case err := <-results:
			if (err != nil) != wantErr {
				t.Fatalf("item %d: err = %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("item %d was not processed", i)
		}
	}
}

func TestQueue_FullAndAfterShutdown(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	p := processorFunc(func(ctx context.Context, item WorkItem) error {
		started <- struct{}{}
		<-block
		return nil
	})
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := q.Enqueue(WorkItem{JobID: "running"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started
	if err := q.Enqueue(WorkItem{JobID: "buffered"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(WorkItem{JobID: "overflow"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(block)
	q.Shutdown(time.Second)
	if err := q.Enqueue(WorkItem{JobID: "late"}); !errors.Is(err, ErrQueueNotStarted) {
		t.Fatalf("enqueue after shutdown: %v", err)
	}
}

type processorFunc func(ctx context.Context, item WorkItem) error

func (f processorFunc) Process(ctx context.Context, item WorkItem) error { return f(ctx, item) }
