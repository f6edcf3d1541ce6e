package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/clipforge/internal/util"
)

// Ledger owns every state transition of jobs, clips and credits.
// Callers outside this package never write status columns directly.
type Ledger struct {
	store Store
	log   *slog.Logger
}

func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, log: logger}
}

// Store exposes the underlying store for read paths.
func (l *Ledger) Store() Store {
	return l.store
}

// CreateJob debits cost from the job owner and inserts the job row.
// The refund after a failed insert is best effort and not atomic with the debit.
func (l *Ledger) CreateJob(ctx context.Context, job *Job, cost int) (string, error) {
	if job == nil {
		return "", errors.New("job is nil")
	}
	if job.UserID == "" {
		return "", errors.New("job.UserID is required")
	}
	if job.ID == "" {
		job.ID = util.NewID()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if len(job.Script) > 0 {
		script, err := ValidateScript(job.Script)
		if err != nil {
			return "", err
		}
		job.Script = script
	}
	job.CreditCost = cost

	if cost > 0 {
		if err := l.store.DebitCredits(ctx, job.UserID, cost, job.ID); err != nil {
			if errors.Is(err, ErrInsufficientCredits) {
				return "", err
			}
			return "", &LedgerError{Op: "debit", Err: err}
		}
	}

	if err := l.store.InsertJob(ctx, job); err != nil {
		if cost > 0 {
			jobID := job.ID
			if rerr := l.store.CreditCredits(ctx, job.UserID, cost, ReasonJobRefund, &jobID); rerr != nil {
				l.log.Error("refund after failed job insert did not apply",
					"job_id", job.ID, "user_id", job.UserID, "amount", cost, "err", rerr)
			} else {
				l.log.Warn("refunded credits after failed job insert",
					"job_id", job.ID, "user_id", job.UserID, "amount", cost)
			}
		}
		return "", &LedgerError{Op: "insert job", Err: err}
	}
	l.log.Info("job created", "job_id", job.ID, "user_id", job.UserID, "type", job.Type, "cost", cost)
	return job.ID, nil
}

// CreateClipRecords inserts one pending clip per unit, in unit order.
func (l *Ledger) CreateClipRecords(ctx context.Context, jobID string, units []Unit) ([]Clip, error) {
	clips := make([]Clip, 0, len(units))
	for _, u := range units {
		clips = append(clips, Clip{
			ID:            util.NewID(),
			JobID:         jobID,
			ClipIndex:     u.ClipIndex,
			ScriptIndices: append([]int(nil), u.ScriptIndices...),
			Provider:      u.Provider,
			Status:        ClipPending,
		})
	}
	if err := l.store.InsertClips(ctx, clips); err != nil {
		return nil, fmt.Errorf("create clip records: %w", err)
	}
	return clips, nil
}

// MarkSubmitted records an accepted provider task on a pending clip.
func (l *Ledger) MarkSubmitted(ctx context.Context, clipID string, f ClipFields) (bool, error) {
	ok, err := l.store.MarkClipSubmitted(ctx, clipID, f)
	if err != nil {
		return false, fmt.Errorf("mark clip %s submitted: %w", clipID, err)
	}
	return ok, nil
}

// AdvanceClip writes a clip status. Returns false without error when the clip was already terminal.
func (l *Ledger) AdvanceClip(ctx context.Context, clipID string, status ClipStatus, f ClipFields) (bool, error) {
	ok, err := l.store.AdvanceClip(ctx, clipID, status, f)
	if err != nil {
		return false, fmt.Errorf("advance clip %s: %w", clipID, err)
	}
	if ok {
		l.log.Debug("clip advanced", "clip_id", clipID, "status", status)
	}
	return ok, nil
}

// FailClipAndCheckJob marks a clip failed and re-evaluates its job.
func (l *Ledger) FailClipAndCheckJob(ctx context.Context, clip Clip, msg string) error {
	if _, err := l.AdvanceClip(ctx, clip.ID, ClipFailed, ClipFields{ErrorMessage: msg}); err != nil {
		return err
	}
	if _, _, err := l.RecomputeJobStatus(ctx, clip.JobID); err != nil {
		return err
	}
	return nil
}

// RecomputeJobStatus derives the job status from its clips. It returns the
// resulting status and whether it changed.
func (l *Ledger) RecomputeJobStatus(ctx context.Context, jobID string) (Status, bool, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return "", false, fmt.Errorf("recompute %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return job.Status, false, nil
	}
	clips, err := l.store.ListClips(ctx, jobID)
	if err != nil {
		return "", false, fmt.Errorf("recompute %s: %w", jobID, err)
	}
	next, msg := deriveJobStatus(job.Type.FailurePolicy(), clips)
	if next == "" || !job.Status.CanAdvanceTo(next) {
		return job.Status, false, nil
	}
	ok, err := l.store.SetJobStatus(ctx, jobID, []Status{job.Status}, next, msg)
	if err != nil {
		return "", false, fmt.Errorf("recompute %s: %w", jobID, err)
	}
	if !ok {
		// Another writer moved the job first.
		cur, err := l.store.GetJob(ctx, jobID)
		if err != nil {
			return "", false, fmt.Errorf("recompute %s: %w", jobID, err)
		}
		return cur.Status, false, nil
	}
	l.log.Info("job status changed", "job_id", jobID, "from", job.Status, "to", next)
	return next, true, nil
}

// deriveJobStatus returns the status implied by clips, or "" for no change.
func deriveJobStatus(policy FailurePolicy, clips []Clip) (Status, *string) {
	if len(clips) == 0 {
		return "", nil
	}
	var done, failed int
	var firstErr *string
	for _, c := range clips {
		switch c.Status {
		case ClipDone:
			done++
		case ClipFailed:
			failed++
			if firstErr == nil {
				firstErr = clipError(c)
			}
		}
	}
	switch {
	case failed > 0 && policy == FailureStrict:
		return StatusFailed, firstErr
	case done == len(clips):
		return StatusStitching, nil
	case done > 0:
		// Stitching starts as soon as one clip is usable, even while siblings are in flight.
		return StatusStitching, nil
	case failed == len(clips):
		return StatusFailed, firstErr
	}
	return "", nil
}

func clipError(c Clip) *string {
	msg := "clip generation failed"
	if c.ErrorMessage != nil && *c.ErrorMessage != "" {
		msg = *c.ErrorMessage
	}
	return &msg
}

// Transition moves a job forward. It is a no-op when the move would go backwards.
func (l *Ledger) Transition(ctx context.Context, jobID string, to Status, errMsg *string) (bool, error) {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", jobID, err)
	}
	if !job.Status.CanAdvanceTo(to) {
		return false, nil
	}
	ok, err := l.store.SetJobStatus(ctx, jobID, []Status{job.Status}, to, errMsg)
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", jobID, err)
	}
	if ok {
		l.log.Info("job status changed", "job_id", jobID, "from", job.Status, "to", to)
	}
	return ok, nil
}

// FailJob marks a non-terminal job failed with msg.
func (l *Ledger) FailJob(ctx context.Context, jobID, msg string) error {
	_, err := l.Transition(ctx, jobID, StatusFailed, &msg)
	return err
}

// SetScript stores the script produced for a job.
func (l *Ledger) SetScript(ctx context.Context, jobID string, script []ScriptClip) error {
	return l.store.SetJobScript(ctx, jobID, script)
}

// ResetClip is the explicit re-submission path. The clip returns to submitted
// with its new task and a stitching or failed job is reopened.
func (l *Ledger) ResetClip(ctx context.Context, clip Clip, f ClipFields) error {
	if err := l.store.ResetClipSubmitted(ctx, clip.ID, f); err != nil {
		return fmt.Errorf("reset clip %s: %w", clip.ID, err)
	}
	ok, err := l.store.SetJobStatus(ctx, clip.JobID, []Status{StatusStitching, StatusFailed}, StatusGenerating, nil)
	if err != nil {
		return fmt.Errorf("reopen job %s: %w", clip.JobID, err)
	}
	if ok {
		l.log.Info("job reopened for re-submission", "job_id", clip.JobID, "clip_id", clip.ID)
	}
	return nil
}

// CompleteJob records the stitched asset and finishes the job.
func (l *Ledger) CompleteJob(ctx context.Context, jobID, finalURL string) (bool, error) {
	if finalURL == "" {
		return false, errors.New("final url is required")
	}
	if _, err := l.store.GetJob(ctx, jobID); err != nil {
		return false, err
	}
	ok, err := l.store.SetJobFinal(ctx, jobID, finalURL)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if ok {
		l.log.Info("job completed", "job_id", jobID)
	}
	return ok, nil
}

// DeleteJob removes a job owned by userID together with its clips.
func (l *Ledger) DeleteJob(ctx context.Context, userID, jobID string) error {
	return l.store.DeleteJob(ctx, userID, jobID)
}

// GrantCredits adds credits to a user's balance.
func (l *Ledger) GrantCredits(ctx context.Context, userID string, amount int) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	if amount <= 0 {
		return errors.New("amount must be positive")
	}
	if err := l.store.CreditCredits(ctx, userID, amount, ReasonGrant, nil); err != nil {
		return &LedgerError{Op: "grant", Err: err}
	}
	l.log.Info("credits granted", "user_id", userID, "amount", amount)
	return nil
}

// AbortJob fails a job that never started processing and returns its cost
// to the owner.
func (l *Ledger) AbortJob(ctx context.Context, job *Job, msg string) error {
	ok, err := l.store.SetJobStatus(ctx, job.ID, []Status{StatusPending}, StatusFailed, &msg)
	if err != nil {
		return fmt.Errorf("abort job %s: %w", job.ID, err)
	}
	if !ok || job.CreditCost <= 0 {
		return nil
	}
	jobID := job.ID
	if err := l.store.CreditCredits(ctx, job.UserID, job.CreditCost, ReasonJobRefund, &jobID); err != nil {
		return &LedgerError{Op: "refund", Err: err}
	}
	l.log.Warn("job aborted and refunded", "job_id", job.ID, "user_id", job.UserID, "amount", job.CreditCost, "reason", msg)
	return nil
}

// SettleProcessing handles a job whose processing returned err. A job that
// never left pending is aborted and refunded; any other non-terminal job fails.
func (l *Ledger) SettleProcessing(ctx context.Context, job *Job, err error) error {
	if err == nil {
		return nil
	}
	msg := "processing failed: " + err.Error()
	cur, gerr := l.store.GetJob(ctx, job.ID)
	if gerr != nil {
		return fmt.Errorf("settle job %s: %w", job.ID, gerr)
	}
	if cur.Status == StatusPending {
		return l.AbortJob(ctx, job, msg)
	}
	return l.FailJob(ctx, job.ID, msg)
}

// Balance returns the current credit balance of a user.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	return l.store.Balance(ctx, userID)
}
