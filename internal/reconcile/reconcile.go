// Package reconcile applies provider task results to clips and jobs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/provider"
)

// Mirrorer copies a provider asset into durable storage.
type Mirrorer interface {
	Mirror(ctx context.Context, jobID, src string) (string, error)
	// Discard removes a copy that lost the race to be recorded.
	Discard(ctx context.Context, url string) error
}

// Outcome is what reconciliation did with one clip.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped" // clip already terminal
	OutcomeError     Outcome = "error"   // provider could not be asked
)

// ClipOutcome reports the reconciliation of one clip. Changed is true only
// for the call that actually moved the clip.
type ClipOutcome struct {
	ClipID    string
	JobID     string
	ClipIndex int
	Outcome   Outcome
	Changed   bool
	URL       string
	Err       error
}

const defaultConcurrency = 8

// Engine is shared by the callback, poll and recovery paths.
type Engine struct {
	log         *slog.Logger
	ledger      *jobs.Ledger
	providers   *provider.Registry
	mirror      Mirrorer
	concurrency int
}

// New creates an Engine. A nil mirror keeps provider URLs.
func New(log *slog.Logger, ledger *jobs.Ledger, providers *provider.Registry, mirror Mirrorer) *Engine {
	return &Engine{log: log, ledger: ledger, providers: providers, mirror: mirror, concurrency: defaultConcurrency}
}

// Reconcile queries the provider for every clip and applies the results.
// Outcomes keep the order of clips. Each affected job is recomputed once.
func (e *Engine) Reconcile(ctx context.Context, clips []jobs.Clip) []ClipOutcome {
	out := make([]ClipOutcome, len(clips))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range clips {
		g.Go(func() error {
			out[i] = e.reconcileOne(ctx, clips[i])
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	for _, o := range out {
		if !o.Changed || seen[o.JobID] {
			continue
		}
		seen[o.JobID] = true
		if _, _, err := e.ledger.RecomputeJobStatus(ctx, o.JobID); err != nil {
			e.log.Error("recompute job status", "job_id", o.JobID, "err", err)
		}
	}
	return out
}

func (e *Engine) reconcileOne(ctx context.Context, clip jobs.Clip) ClipOutcome {
	out := ClipOutcome{ClipID: clip.ID, JobID: clip.JobID, ClipIndex: clip.ClipIndex}
	log := e.log.With("job_id", clip.JobID, "clip_id", clip.ID, "provider", clip.Provider)

	if clip.Status.Terminal() {
		out.Outcome = OutcomeSkipped
		return out
	}
	if clip.TaskID == nil || *clip.TaskID == "" {
		return withErr(out, errors.New("clip has no provider task"))
	}
	p, ok := e.providers.Get(clip.Provider)
	if !ok {
		return withErr(out, fmt.Errorf("provider %q not registered", clip.Provider))
	}
	resp, err := p.Query(ctx, *clip.TaskID)
	if err != nil {
		log.Warn("query provider task", "task_id", *clip.TaskID, "err", err)
		return withErr(out, err)
	}
	if provider.IsAPIError(resp) {
		return withErr(out, errors.New(provider.Classify(p.Name(), resp).Err))
	}

	state := provider.TaskState(resp)
	switch state.Kind {
	case provider.Succeeded:
		return e.applySuccess(ctx, log, out, state.URL)
	case provider.Failed:
		changed, err := e.ledger.AdvanceClip(ctx, clip.ID, jobs.ClipFailed, jobs.ClipFields{ErrorMessage: state.Message})
		if err != nil {
			return withErr(out, err)
		}
		out.Outcome, out.Changed = OutcomeFailed, changed
		out.Err = errors.New(state.Message)
	default:
		out.Outcome = OutcomePending
	}
	if out.Changed {
		log.Info("clip reconciled", "outcome", out.Outcome)
	}
	return out
}

// applySuccess mirrors the asset and records the clip as done. The clip is
// re-read first so a callback racing a poll does not download twice; a copy
// made by the loser of a closer race is discarded.
func (e *Engine) applySuccess(ctx context.Context, log *slog.Logger, out ClipOutcome, src string) ClipOutcome {
	cur, err := e.ledger.Store().GetClip(ctx, out.ClipID)
	if err != nil {
		return withErr(out, err)
	}
	if cur.Status.Terminal() {
		out.Outcome = OutcomeSkipped
		return out
	}

	url := src
	mirrored := false
	if e.mirror != nil {
		if copied, err := e.mirror.Mirror(ctx, out.JobID, src); err != nil {
			log.Warn("mirror asset failed, keeping provider url", "err", err)
		} else {
			url, mirrored = copied, true
		}
	}
	changed, err := e.ledger.AdvanceClip(ctx, out.ClipID, jobs.ClipDone, jobs.ClipFields{VideoURL: url})
	if err == nil && changed {
		out.Outcome, out.Changed, out.URL = OutcomeSucceeded, true, url
		log.Info("clip reconciled", "outcome", out.Outcome)
		return out
	}
	if mirrored {
		if derr := e.mirror.Discard(ctx, url); derr != nil {
			log.Warn("discard unused asset copy", "url", url, "err", derr)
		}
	}
	if err != nil {
		return withErr(out, err)
	}
	out.Outcome = OutcomeSkipped
	return out
}

func withErr(o ClipOutcome, err error) ClipOutcome {
	o.Outcome = OutcomeError
	o.Err = err
	return o
}

// HandleCallback reconciles the clip that owns taskID. The provider is
// queried again, so the notification body is never trusted. Safe to repeat.
func (e *Engine) HandleCallback(ctx context.Context, taskID string) (ClipOutcome, error) {
	if taskID == "" {
		return ClipOutcome{}, errors.New("task_id is required")
	}
	clip, err := e.ledger.Store().GetClipByTaskID(ctx, taskID)
	if err != nil {
		return ClipOutcome{}, err
	}
	return e.Reconcile(ctx, []jobs.Clip{*clip})[0], nil
}

// PollJob reconciles every in-flight clip of a job owned by userID.
func (e *Engine) PollJob(ctx context.Context, userID, jobID string) ([]ClipOutcome, error) {
	job, err := e.ledger.Store().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, jobs.ErrNotFound
	}
	clips, err := e.ledger.Store().ListInFlightClips(ctx, jobID, "")
	if err != nil {
		return nil, err
	}
	return e.Reconcile(ctx, clips), nil
}

// PollUser reconciles every in-flight clip across the jobs of userID.
func (e *Engine) PollUser(ctx context.Context, userID string) ([]ClipOutcome, error) {
	clips, err := e.ledger.Store().ListInFlightClips(ctx, "", userID)
	if err != nil {
		return nil, err
	}
	return e.Reconcile(ctx, clips), nil
}
