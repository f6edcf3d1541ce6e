package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/orchestrator"
	"github.com/jo-hoe/clipforge/internal/reconcile"
)

type createJobRequest struct {
	Type           jobs.Type         `json:"type"`
	Brief          string            `json:"brief"`
	Language       string            `json:"language"`
	Platform       string            `json:"platform"`
	AspectRatio    string            `json:"aspect_ratio"`
	TargetDuration int               `json:"target_duration"`
	ActorIDs       []string          `json:"actor_ids"`
	Script         []jobs.ScriptClip `json:"script"`
	SeriesID       *string           `json:"series_id"`
	EpisodeNumber  int               `json:"episode_number"`
	Cliffhanger    *string           `json:"cliffhanger"`
}

type createJobResponse struct {
	JobID      string      `json:"job_id"`
	Status     jobs.Status `json:"status"`
	CreditCost int         `json:"credit_cost"`
	StatusURL  string      `json:"status_url"`
	StreamURL  string      `json:"stream_url"`
}

type insufficientCreditsResponse struct {
	Error    string `json:"error"`
	Required int    `json:"required"`
	Balance  int    `json:"balance"`
}

// validate checks the request and puts a supplied script in index order.
func (req *createJobRequest) validate() error {
	if !req.Type.Valid() {
		return fmt.Errorf("invalid type %q", req.Type)
	}
	if strings.TrimSpace(req.Brief) == "" && len(req.Script) == 0 {
		return errors.New("brief or script is required")
	}
	if req.TargetDuration < 0 {
		return errors.New("target_duration must not be negative")
	}
	if len(req.Script) > 0 {
		script, err := jobs.ValidateScript(req.Script)
		if err != nil {
			return err
		}
		req.Script = script
	}
	return nil
}

// jobCost charges per second of requested video. Without a target duration
// the script length is used, counting unspecified clips at the default.
func (svc *Service) jobCost(req createJobRequest) int {
	seconds := float64(req.TargetDuration)
	if seconds == 0 {
		for _, c := range req.Script {
			if c.DurationSec > 0 {
				seconds += c.DurationSec
			} else {
				seconds += common.DefaultClipDurationSec
			}
		}
	}
	cost := int(math.Ceil(seconds)) * svc.Cfg.Billing.CreditsPerSecond
	if cost < svc.Cfg.Billing.MinimumCost {
		cost = svc.Cfg.Billing.MinimumCost
	}
	return cost
}

func (svc *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user := userID(r)
	job := &jobs.Job{
		UserID:         user,
		Type:           req.Type,
		Language:       req.Language,
		Platform:       req.Platform,
		AspectRatio:    req.AspectRatio,
		TargetDuration: req.TargetDuration,
		ActorIDs:       req.ActorIDs,
		Brief:          req.Brief,
		Script:         req.Script,
		SeriesID:       req.SeriesID,
		EpisodeNumber:  req.EpisodeNumber,
		Cliffhanger:    req.Cliffhanger,
	}
	cost := svc.jobCost(req)

	jobID, err := svc.Ledger.CreateJob(r.Context(), job, cost)
	if err != nil {
		var ice *jobs.InsufficientCreditsError
		if errors.As(err, &ice) {
			balance, _ := svc.Ledger.Balance(r.Context(), user)
			writeJSON(w, http.StatusPaymentRequired, insufficientCreditsResponse{
				Error:    "insufficient credits",
				Required: ice.Required,
				Balance:  balance,
			})
			return
		}
		if errors.Is(err, jobs.ErrDuplicateScriptIndex) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		svc.Log.Error("create job", "user_id", user, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	settleCtx := context.WithoutCancel(r.Context())
	item := jobs.WorkItem{JobID: jobID, Done: func(perr error) {
		if err := svc.Ledger.SettleProcessing(settleCtx, job, perr); err != nil {
			svc.Log.Error("settle failed job", "job_id", jobID, "err", err)
		}
	}}
	if err := svc.Queue.Enqueue(item); err != nil {
		svc.Log.Warn("enqueue job", "job_id", jobID, "err", err)
		if aerr := svc.Ledger.AbortJob(settleCtx, job, err.Error()); aerr != nil {
			svc.Log.Error("abort job", "job_id", jobID, "err", aerr)
		}
		http.Error(w, "queue full, try later", http.StatusServiceUnavailable)
		return
	}
	svc.Log.Info("job enqueued", "job_id", jobID, "user_id", user)

	statusURL := path.Join(common.PathJobs, jobID)
	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:      jobID,
		Status:     job.Status,
		CreditCost: cost,
		StatusURL:  statusURL,
		StreamURL:  statusURL + "/stream",
	})
}

// ownedJob loads a job and hides jobs of other users behind ErrNotFound.
func (svc *Service) ownedJob(ctx context.Context, r *http.Request) (*jobs.Job, error) {
	job, err := svc.Ledger.Store().GetJob(ctx, r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if job.UserID != userID(r) {
		return nil, jobs.ErrNotFound
	}
	return job, nil
}

func (svc *Service) jobView(ctx context.Context, job *jobs.Job, withScript bool) (jobs.JobView, error) {
	clips, err := svc.Ledger.Store().ListClips(ctx, job.ID)
	if err != nil {
		return jobs.JobView{}, err
	}
	return jobs.NewJobView(job, clips, withScript), nil
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := svc.ownedJob(r.Context(), r)
	if err != nil {
		svc.writeStoreError(w, err, "get job")
		return
	}
	view, err := svc.jobView(r.Context(), job, true)
	if err != nil {
		svc.writeStoreError(w, err, "list clips")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := jobs.JobFilter{
		UserID:     userID(r),
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}
	list, err := svc.Ledger.Store().ListJobs(r.Context(), filter)
	if err != nil {
		svc.writeStoreError(w, err, "list jobs")
		return
	}
	out := make([]jobs.JobView, 0, len(list))
	for i := range list {
		view, err := svc.jobView(r.Context(), &list[i], false)
		if err != nil {
			svc.writeStoreError(w, err, "list clips")
			return
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (svc *Service) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := svc.Ledger.DeleteJob(r.Context(), userID(r), r.PathValue("id")); err != nil {
		svc.writeStoreError(w, err, "delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type outcomeView struct {
	ClipID    string            `json:"clip_id"`
	JobID     string            `json:"job_id"`
	ClipIndex int               `json:"clip_index"`
	Outcome   reconcile.Outcome `json:"outcome"`
	Changed   bool              `json:"changed"`
	URL       string            `json:"url,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func outcomeViews(outcomes []reconcile.ClipOutcome) []outcomeView {
	out := make([]outcomeView, 0, len(outcomes))
	for _, o := range outcomes {
		v := outcomeView{
			ClipID:    o.ClipID,
			JobID:     o.JobID,
			ClipIndex: o.ClipIndex,
			Outcome:   o.Outcome,
			Changed:   o.Changed,
			URL:       o.URL,
		}
		if o.Err != nil {
			v.Error = o.Err.Error()
		}
		out = append(out, v)
	}
	return out
}

// Polls run to completion even if the client goes away.
func (svc *Service) handlePollJob(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	outcomes, err := svc.Engine.PollJob(ctx, userID(r), r.PathValue("id"))
	if err != nil {
		svc.writeStoreError(w, err, "poll job")
		return
	}
	job, err := svc.Ledger.Store().GetJob(ctx, r.PathValue("id"))
	if err != nil {
		svc.writeStoreError(w, err, "get job")
		return
	}
	view, err := svc.jobView(ctx, job, false)
	if err != nil {
		svc.writeStoreError(w, err, "list clips")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": view, "outcomes": outcomeViews(outcomes)})
}

func (svc *Service) handlePollUser(w http.ResponseWriter, r *http.Request) {
	outcomes, err := svc.Engine.PollUser(context.WithoutCancel(r.Context()), userID(r))
	if err != nil {
		svc.writeStoreError(w, err, "poll user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomeViews(outcomes)})
}

func (svc *Service) handleResubmitClip(w http.ResponseWriter, r *http.Request) {
	clip, err := svc.Orchestrator.Resubmit(context.WithoutCancel(r.Context()), userID(r), r.PathValue("id"))
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrNotResubmittable):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, orchestrator.ErrSubmissionRejected):
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	default:
		svc.writeStoreError(w, err, "resubmit clip")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clip_id": clip.ID,
		"job_id":  clip.JobID,
		"status":  clip.Status,
		"task_id": clip.TaskID,
	})
}

func (svc *Service) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	balance, err := svc.Ledger.Balance(r.Context(), user)
	if err != nil {
		svc.writeStoreError(w, err, "balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "balance": balance})
}

func (svc *Service) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	sw := svc.openStream(w)
	reason, err := svc.Streamer.StreamJob(r.Context(), sw, userID(r), r.PathValue("id"))
	if err != nil {
		svc.writeStoreError(w, err, "stream job")
		return
	}
	svc.Log.Debug("job stream ended", "job_id", r.PathValue("id"), "reason", reason)
}

func (svc *Service) handleStreamActive(w http.ResponseWriter, r *http.Request) {
	sw := svc.openStream(w)
	reason, err := svc.Streamer.StreamActive(r.Context(), sw, userID(r))
	if err != nil {
		svc.writeStoreError(w, err, "stream jobs")
		return
	}
	svc.Log.Debug("jobs stream ended", "user_id", userID(r), "reason", reason)
}

// streamWriter flushes through the response controller so wrapped writers keep streaming.
type streamWriter struct {
	io.Writer
	rc *http.ResponseController
}

func (s streamWriter) Flush() {
	_ = s.rc.Flush()
}

// openStream prepares NDJSON headers and lifts the server write timeout for
// the lifetime of the stream. Nothing is written until the first frame.
func (svc *Service) openStream(w http.ResponseWriter) streamWriter {
	h := w.Header()
	h.Set("Content-Type", common.ContentTypeNDJSON)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(svc.Cfg.Stream.MaxDuration + time.Minute))
	return streamWriter{Writer: w, rc: rc}
}

type providerCallback struct {
	TaskID     string `json:"task_id"`
	TaskStatus string `json:"task_status"`
}

// handleProviderCallback treats the notification as a nudge: the provider is
// queried again, so the body only needs the task id.
func (svc *Service) handleProviderCallback(w http.ResponseWriter, r *http.Request) {
	var cb providerCallback
	if err := decodeJSON(r, &cb); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(cb.TaskID) == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}
	out, err := svc.Engine.HandleCallback(context.WithoutCancel(r.Context()), cb.TaskID)
	if err != nil {
		svc.writeStoreError(w, err, "provider callback")
		return
	}
	svc.Log.Info("provider callback", "task_id", cb.TaskID, "reported", cb.TaskStatus, "outcome", out.Outcome, "changed", out.Changed)
	writeJSON(w, http.StatusOK, outcomeViews([]reconcile.ClipOutcome{out})[0])
}

func (svc *Service) handleRecovery(w http.ResponseWriter, r *http.Request) {
	rep, err := svc.Sweeper.Sweep(context.WithoutCancel(r.Context()))
	if err != nil {
		svc.writeStoreError(w, err, "recovery sweep")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type completeJobRequest struct {
	FinalURL string `json:"final_url"`
}

// handleCompleteJob is called by the stitching collaborator.
func (svc *Service) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	var req completeJobRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.FinalURL) == "" {
		http.Error(w, "final_url is required", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	ok, err := svc.Ledger.CompleteJob(r.Context(), id, req.FinalURL)
	if err != nil {
		svc.writeStoreError(w, err, "complete job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "completed": ok})
}

type grantCreditsRequest struct {
	UserID string `json:"user_id"`
	Amount int    `json:"amount"`
}

// handleGrantCredits is called by the payment collaborator.
func (svc *Service) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || req.Amount <= 0 {
		http.Error(w, "user_id and a positive amount are required", http.StatusBadRequest)
		return
	}
	if err := svc.Ledger.GrantCredits(r.Context(), req.UserID, req.Amount); err != nil {
		svc.writeStoreError(w, err, "grant credits")
		return
	}
	balance, err := svc.Ledger.Balance(r.Context(), req.UserID)
	if err != nil {
		svc.writeStoreError(w, err, "balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "balance": balance})
}
