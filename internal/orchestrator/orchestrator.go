// Package orchestrator turns job scripts into provider submissions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jo-hoe/clipforge/internal/grouping"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/llm"
	"github.com/jo-hoe/clipforge/internal/provider"
)

var (
	// ErrNotResubmittable is returned when a clip is not in a state that allows re-submission.
	ErrNotResubmittable = errors.New("clip cannot be resubmitted")
	// ErrSubmissionRejected is returned when the provider refused a re-submission.
	ErrSubmissionRejected = errors.New("provider rejected submission")
)

// Settings carries the orchestrator configuration.
type Settings struct {
	// CallbackURL is sent to providers for push completion notifications.
	CallbackURL   string
	QuotaCooldown time.Duration
	// Actors maps actor ids to reference image URLs.
	Actors map[string]string
}

// Orchestrator implements jobs.Processor: it scripts a job if needed and
// submits its clips to providers.
type Orchestrator struct {
	log       *slog.Logger
	ledger    *jobs.Ledger
	llm       llm.Client
	router    *provider.Router
	providers *provider.Registry
	settings  Settings
}

var _ jobs.Processor = (*Orchestrator)(nil)

func New(log *slog.Logger, ledger *jobs.Ledger, c llm.Client, router *provider.Router, providers *provider.Registry, s Settings) *Orchestrator {
	return &Orchestrator{
		log:       log,
		ledger:    ledger,
		llm:       c,
		router:    router,
		providers: providers,
		settings:  s,
	}
}

// UnitResult is the outcome of one submission unit.
type UnitResult struct {
	ClipID    string
	ClipIndex int
	Provider  string
	Result    provider.Result
}

// Process runs a pending job through scripting and submission.
func (o *Orchestrator) Process(ctx context.Context, item jobs.WorkItem) error {
	job, err := o.ledger.Store().GetJob(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != jobs.StatusPending && job.Status != jobs.StatusScripting {
		o.log.Debug("job already processed", "job_id", job.ID, "status", job.Status)
		return nil
	}

	if len(job.Script) == 0 {
		if err := o.writeScript(ctx, job); err != nil {
			if ferr := o.ledger.FailJob(ctx, job.ID, err.Error()); ferr != nil {
				o.log.Error("mark job failed", "job_id", job.ID, "err", ferr)
			}
			return err
		}
	}

	if _, err := o.ledger.Transition(ctx, job.ID, jobs.StatusGenerating, nil); err != nil {
		return err
	}
	results, err := o.Submit(ctx, job)
	if err != nil {
		if ferr := o.ledger.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			o.log.Error("mark job failed", "job_id", job.ID, "err", ferr)
		}
		return err
	}
	accepted := 0
	for _, r := range results {
		if r.Result.OK() {
			accepted++
		}
	}
	o.log.Info("job submitted", "job_id", job.ID, "units", len(results), "accepted", accepted)
	return nil
}

func (o *Orchestrator) writeScript(ctx context.Context, job *jobs.Job) error {
	if _, err := o.ledger.Transition(ctx, job.ID, jobs.StatusScripting, nil); err != nil {
		return err
	}
	brief := llm.Brief{
		Type:           job.Type,
		Text:           job.Brief,
		Language:       job.Language,
		Platform:       job.Platform,
		AspectRatio:    job.AspectRatio,
		TargetDuration: job.TargetDuration,
		ActorIDs:       job.ActorIDs,
		EpisodeNumber:  job.EpisodeNumber,
	}
	if job.Cliffhanger != nil {
		brief.Cliffhanger = *job.Cliffhanger
	}
	script, err := o.llm.GenerateScript(ctx, brief)
	if err != nil {
		return fmt.Errorf("generate script: %w", err)
	}
	script, err = llm.NormalizeScript(script)
	if err != nil {
		return fmt.Errorf("generate script: %w", err)
	}
	if err := o.ledger.SetScript(ctx, job.ID, script); err != nil {
		return fmt.Errorf("store script: %w", err)
	}
	job.Script = script
	return nil
}

type plannedUnit struct {
	unit  jobs.Unit
	clips []jobs.ScriptClip
}

// Submit creates one clip row per unit and submits all units concurrently.
// Every unit is settled independently; one rejection never cancels another.
func (o *Orchestrator) Submit(ctx context.Context, job *jobs.Job) ([]UnitResult, error) {
	active := o.router.Active(ctx)
	plan := o.plan(job, active)
	if len(plan) == 0 {
		return nil, errors.New("job has no script clips")
	}

	units := make([]jobs.Unit, len(plan))
	for i, p := range plan {
		units[i] = p.unit
	}
	clips, err := o.ledger.CreateClipRecords(ctx, job.ID, units)
	if err != nil {
		return nil, err
	}

	results := make([]UnitResult, len(plan))
	var g errgroup.Group
	for i := range plan {
		g.Go(func() error {
			results[i] = o.submitUnit(ctx, job, clips[i], plan[i].clips)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// plan groups the script into submission units. Clips that need different
// reference images cannot share a provider call and get one unit each.
func (o *Orchestrator) plan(job *jobs.Job, active string) []plannedUnit {
	annotated := grouping.AnnotateProviders(job.Type, jobs.SortScript(job.Script), active)
	var batches [][]jobs.ScriptClip
	if o.needsPerClipUnits(job) {
		for _, c := range annotated {
			batches = append(batches, []jobs.ScriptClip{c})
		}
	} else {
		batches = grouping.GroupClipsByProvider(annotated)
	}
	out := make([]plannedUnit, len(batches))
	for i, b := range batches {
		out[i] = plannedUnit{
			unit:  jobs.Unit{ClipIndex: i, ScriptIndices: grouping.Indices(b), Provider: b[0].Provider},
			clips: b,
		}
	}
	return out
}

func (o *Orchestrator) needsPerClipUnits(job *jobs.Job) bool {
	cast := make(map[string]bool, len(job.ActorIDs))
	for _, a := range job.ActorIDs {
		cast[a] = true
	}
	speakers := make(map[string]bool)
	for _, c := range job.Script {
		if c.SpeakerID == "" || !cast[c.SpeakerID] || o.settings.Actors[c.SpeakerID] == "" {
			continue
		}
		speakers[c.SpeakerID] = true
	}
	return len(speakers) > 1
}

func (o *Orchestrator) submitUnit(ctx context.Context, job *jobs.Job, clip jobs.Clip, batch []jobs.ScriptClip) UnitResult {
	out := UnitResult{ClipID: clip.ID, ClipIndex: clip.ClipIndex, Provider: clip.Provider}
	log := o.log.With("job_id", job.ID, "clip_id", clip.ID, "provider", clip.Provider)

	req := o.buildRequest(job, clip.ID, batch)
	out.Result = o.send(ctx, clip.Provider, req)

	if !out.Result.OK() {
		log.Warn("submission rejected", "kind", out.Result.Kind, "err", out.Result.Err, "quota", out.Result.QuotaExhausted)
		if err := o.ledger.FailClipAndCheckJob(ctx, clip, out.Result.Err); err != nil {
			log.Error("record clip failure", "err", err)
		}
		return out
	}
	ok, err := o.ledger.MarkSubmitted(ctx, clip.ID, jobs.ClipFields{
		Provider: clip.Provider,
		TaskID:   out.Result.TaskID,
		Prompt:   req.Prompt,
	})
	if err != nil {
		log.Error("record submission", "task_id", out.Result.TaskID, "err", err)
	} else if !ok {
		log.Warn("clip was no longer pending", "task_id", out.Result.TaskID)
	}
	return out
}

// send submits req and normalizes the outcome. Quota rejections block the provider.
func (o *Orchestrator) send(ctx context.Context, name string, req provider.Request) provider.Result {
	p, ok := o.providers.Get(name)
	if !ok {
		return provider.Result{Kind: provider.Rejected, Err: fmt.Sprintf("provider %q not registered", name)}
	}
	resp, err := p.Submit(ctx, req)
	if err != nil {
		return provider.Result{Kind: provider.Rejected, Err: err.Error()}
	}
	res := provider.Classify(p.Name(), resp)
	if res.QuotaExhausted {
		o.router.Block(ctx, p.Name(), o.settings.QuotaCooldown)
	}
	return res
}

func (o *Orchestrator) buildRequest(job *jobs.Job, clipID string, batch []jobs.ScriptClip) provider.Request {
	var dur float64
	for _, c := range batch {
		dur += grouping.DefaultLimits.Duration(c)
	}
	return provider.Request{
		ExternalID:        clipID,
		Prompt:            BuildPrompt(job, batch),
		DurationSec:       dur,
		AspectRatio:       job.AspectRatio,
		ReferenceImageURL: o.referenceImage(job, batch),
		CallbackURL:       o.settings.CallbackURL,
	}
}

// referenceImage picks the image of the first speaking cast member in batch.
// Likeness-bound job types fall back to the lead actor.
func (o *Orchestrator) referenceImage(job *jobs.Job, batch []jobs.ScriptClip) string {
	for _, c := range batch {
		if img := o.settings.Actors[c.SpeakerID]; c.SpeakerID != "" && img != "" {
			return img
		}
	}
	if job.Type.PersistentLikeness() && len(job.ActorIDs) > 0 {
		return o.settings.Actors[job.ActorIDs[0]]
	}
	return ""
}

// Resubmit sends a failed clip to a provider again. The clip keeps its row
// and returns to submitted with the new task id.
func (o *Orchestrator) Resubmit(ctx context.Context, userID, clipID string) (*jobs.Clip, error) {
	store := o.ledger.Store()
	clip, err := store.GetClip(ctx, clipID)
	if err != nil {
		return nil, err
	}
	job, err := store.GetJob(ctx, clip.JobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, jobs.ErrNotFound
	}
	if clip.Status != jobs.ClipFailed || job.Status == jobs.StatusDone {
		return nil, ErrNotResubmittable
	}

	byIndex := make(map[int]jobs.ScriptClip, len(job.Script))
	for _, c := range job.Script {
		byIndex[c.Index] = c
	}
	batch := make([]jobs.ScriptClip, 0, len(clip.ScriptIndices))
	for _, idx := range clip.ScriptIndices {
		if c, ok := byIndex[idx]; ok {
			batch = append(batch, c)
		}
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: script clips missing", ErrNotResubmittable)
	}

	name := clip.Provider
	if !job.Type.PersistentLikeness() && !o.router.IsAvailable(ctx, name) {
		name = o.router.Active(ctx)
	}
	req := o.buildRequest(job, clip.ID, batch)
	res := o.send(ctx, name, req)
	if !res.OK() {
		return nil, fmt.Errorf("%w: %s", ErrSubmissionRejected, res.Err)
	}
	if err := o.ledger.ResetClip(ctx, *clip, jobs.ClipFields{Provider: name, TaskID: res.TaskID, Prompt: req.Prompt}); err != nil {
		if errors.Is(err, jobs.ErrClipConflict) {
			o.log.Warn("concurrent re-submission won, task left untracked", "clip_id", clip.ID, "provider", name, "task_id", res.TaskID)
			return nil, fmt.Errorf("%w: %w", ErrNotResubmittable, err)
		}
		return nil, err
	}
	o.log.Info("clip resubmitted", "job_id", job.ID, "clip_id", clip.ID, "provider", name, "task_id", res.TaskID)
	return store.GetClip(ctx, clip.ID)
}
