// Package recovery replays reconciliation for clips whose completion callback never arrived.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/reconcile"
)

// Callbacker is the push path of the reconciliation engine.
type Callbacker interface {
	HandleCallback(ctx context.Context, taskID string) (reconcile.ClipOutcome, error)
}

// Report summarizes one sweep. Recovered counts clips whose state changed.
type Report struct {
	Found     int `json:"found"`
	Recovered int `json:"recovered"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
}

// Sweeper finds clips left in submitted and re-triggers their status check.
type Sweeper struct {
	log         *slog.Logger
	store       jobs.Store
	engine      Callbacker
	staleAfter  time.Duration
	concurrency int
	now         func() time.Time
}

// NewSweeper creates a Sweeper. Zero values fall back to a 30 minute
// staleness window and a concurrency of 4.
func NewSweeper(logger *slog.Logger, store jobs.Store, engine Callbacker, staleAfter time.Duration, concurrency int) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = common.DefaultStaleClipMinutes * time.Minute
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Sweeper{
		log:         logger,
		store:       store,
		engine:      engine,
		staleAfter:  staleAfter,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep recovers every clip last updated strictly before now minus the
// staleness window. Individual failures are counted, never returned; the
// error is only set when the candidate clips cannot be listed. A sweep runs
// to completion once started: cancellation of ctx is not propagated.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	ctx = context.WithoutCancel(ctx)
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.store.ListStaleSubmitted(ctx, cutoff)
	if err != nil {
		return Report{}, fmt.Errorf("list stale clips: %w", err)
	}
	rep := Report{Found: len(stale)}
	if len(stale) == 0 {
		return rep, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, clip := range stale {
		g.Go(func() error {
			out, err := s.engine.HandleCallback(ctx, *clip.TaskID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Errors++
				s.log.Warn("recover clip", "clip_id", clip.ID, "job_id", clip.JobID, "err", err)
				return nil
			}
			switch out.Outcome {
			case reconcile.OutcomeSucceeded:
				rep.Succeeded++
			case reconcile.OutcomeFailed:
				rep.Failed++
			case reconcile.OutcomeError:
				rep.Errors++
			}
			if out.Changed {
				rep.Recovered++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("recovery sweep finished",
		"found", rep.Found, "recovered", rep.Recovered,
		"succeeded", rep.Succeeded, "failed", rep.Failed, "errors", rep.Errors)
	return rep, nil
}
