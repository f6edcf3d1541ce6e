package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/llm"
	"github.com/jo-hoe/clipforge/internal/provider"
)

type fakeProvider struct {
	name string
	// respond decides the outcome per request; nil accepts everything.
	respond func(req provider.Request) (*provider.Response, error)

	mu   sync.Mutex
	reqs []provider.Request
	n    int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Submit(ctx context.Context, req provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.n++
	id := f.name + "-task-" + string(rune('a'+f.n-1))
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(req)
	}
	return &provider.Response{Data: &provider.Data{TaskID: id}}, nil
}

func (f *fakeProvider) Query(ctx context.Context, taskID string) (*provider.Response, error) {
	return &provider.Response{Data: &provider.Data{TaskID: taskID, TaskStatus: provider.TaskProcessing}}, nil
}

func (f *fakeProvider) requests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.reqs...)
}

type fakeLLM struct {
	script []jobs.ScriptClip
	err    error
}

func (f fakeLLM) GenerateScript(ctx context.Context, brief llm.Brief) ([]jobs.ScriptClip, error) {
	return f.script, f.err
}

type fixture struct {
	ledger *jobs.Ledger
	router *provider.Router
	orch   *Orchestrator
}

func newFixture(t *testing.T, c llm.Client, actors map[string]string, providers ...provider.Provider) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := jobs.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ledger := jobs.NewLedger(store, logger)
	reg := provider.NewRegistry()
	var fallbacks []string
	for i, p := range providers {
		reg.Add(p)
		if i > 0 {
			fallbacks = append(fallbacks, p.Name())
		}
	}
	router := provider.NewRouter(providers[0].Name(), fallbacks, nil, logger)
	orch := New(logger, ledger, c, router, reg, Settings{
		CallbackURL:   "https://clips.example.com/v1/callbacks/provider",
		QuotaCooldown: time.Minute,
		Actors:        actors,
	})
	return &fixture{ledger: ledger, router: router, orch: orch}
}

func (f *fixture) createJob(t *testing.T, job *jobs.Job) {
	t.Helper()
	ctx := context.Background()
	if err := f.ledger.GrantCredits(ctx, job.UserID, 1000); err != nil {
		t.Fatalf("GrantCredits: %v", err)
	}
	if _, err := f.ledger.CreateJob(ctx, job, 10); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func fiveSecondClips(n int) []jobs.ScriptClip {
	out := make([]jobs.ScriptClip, n)
	for i := range out {
		out[i] = jobs.ScriptClip{Index: i, Shot: "shot", DurationSec: 5}
	}
	return out
}

func TestProcess_GroupsAndSubmits(t *testing.T) {
	ctx := context.Background()
	kling := &fakeProvider{name: "kling"}
	f := newFixture(t, fakeLLM{}, nil, kling)
	job := &jobs.Job{UserID: "u1", Type: jobs.TypeStory, AspectRatio: "9:16", Script: fiveSecondClips(4)}
	f.createJob(t, job)

	if err := f.orch.Process(ctx, jobs.WorkItem{JobID: job.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	clips, _ := f.ledger.Store().ListClips(ctx, job.ID)
	if len(clips) != 2 {
		t.Fatalf("expected 2 units for [5,5,5,5], got %d", len(clips))
	}
	if len(clips[0].ScriptIndices) != 3 || clips[1].ScriptIndices[0] != 3 {
		t.Fatalf("unexpected unit indices: %v %v", clips[0].ScriptIndices, clips[1].ScriptIndices)
	}
	for _, c := range clips {
		if c.Status != jobs.ClipSubmitted || c.TaskID == nil || c.Prompt == "" {
			t.Fatalf("clip not submitted: %+v", c)
		}
	}
	reqs := kling.requests()
	if len(reqs) != 2 || reqs[0].CallbackURL == "" || reqs[0].AspectRatio != "9:16" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	got, _ := f.ledger.Store().GetJob(ctx, job.ID)
	if got.Status != jobs.StatusGenerating {
		t.Fatalf("job status = %s", got.Status)
	}
}

func TestProcess_GeneratesScriptFromBrief(t *testing.T) {
	ctx := context.Background()
	kling := &fakeProvider{name: "kling"}
	f := newFixture(t, fakeLLM{script: []jobs.ScriptClip{{Index: 0, Shot: "intro"}, {Index: 1, Shot: "outro"}}}, nil, kling)
	job := &jobs.Job{UserID: "u1", Type: jobs.TypeExplainer, Brief: "explain tides"}
	f.createJob(t, job)

	if err := f.orch.Process(ctx, jobs.WorkItem{JobID: job.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, _ := f.ledger.Store().GetJob(ctx, job.ID)
	if len(got.Script) != 2 || got.Status != jobs.StatusGenerating {
		t.Fatalf("script not stored or wrong status: %+v", got)
	}
	if reqs := kling.requests(); len(reqs) != 1 || !strings.Contains(reqs[0].Prompt, "intro") {
		t.Fatalf("expected a single grouped unit, got %+v", reqs)
	}
}

func TestProcess_ScriptFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeLLM{err: errors.New("llm down")}, nil, &fakeProvider{name: "kling"})
	job := &jobs.Job{UserID: "u1", Type: jobs.TypeStory, Brief: "x"}
	f.createJob(t, job)

	if err := f.orch.Process(ctx, jobs.WorkItem{JobID: job.ID}); err == nil {
		t.Fatalf("expected error")
	}
	got, _ := f.ledger.Store().GetJob(ctx, job.ID)
	if got.Status != jobs.StatusFailed || got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "llm down") {
		t.Fatalf("job should fail with llm error: %+v", got)
	}
}

func TestSubmit_PartialFailureKeepsSiblings(t *testing.T) {
	ctx := context.Background()
	msg := "Insufficient balance"
	kling := &fakeProvider{name: "kling", respond: func(req provider.Request) (*provider.Response, error) {
		if strings.Contains(req.Prompt, "bad") {
			return &provider.Response{Code: 1600039, Message: &msg}, nil
		}
		return &provider.Response{Data: &provider.Data{TaskID: "ok-" + req.ExternalID}}, nil
	}}
	mock := &fakeProvider{name: "mock"}
	actors := map[string]string{"anna": "https://img/anna.png", "ben": "https://img/ben.png"}
	f := newFixture(t, fakeLLM{}, actors, kling, mock)

	job := &jobs.Job{
		UserID:   "u1",
		Type:     jobs.TypeStory,
		ActorIDs: []string{"anna", "ben"},
		Script: []jobs.ScriptClip{
			{Index: 0, SpeakerID: "anna", Shot: "good", DurationSec: 2},
			{Index: 1, SpeakerID: "ben", Shot: "bad", DurationSec: 2},
			{Index: 2, SpeakerID: "anna", Shot: "good", DurationSec: 2},
		},
	}
	f.createJob(t, job)
	if _, err := f.ledger.Transition(ctx, job.ID, jobs.StatusGenerating, nil); err != nil {
		t.Fatal(err)
	}

	results, err := f.orch.Submit(ctx, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("two distinct referenced speakers should force one unit per clip, got %d", len(results))
	}
	for i, r := range results {
		if r.ClipIndex != i {
			t.Fatalf("results out of order: %+v", results)
		}
	}
	if results[1].Result.OK() || !results[1].Result.QuotaExhausted {
		t.Fatalf("middle unit should be a quota rejection: %+v", results[1])
	}
	if !results[0].Result.OK() || !results[2].Result.OK() {
		t.Fatalf("siblings must succeed: %+v", results)
	}
	if f.router.IsAvailable(ctx, "kling") {
		t.Fatalf("quota rejection should block the provider")
	}
	if f.router.Active(ctx) != "mock" {
		t.Fatalf("router should now prefer the fallback")
	}

	clips, _ := f.ledger.Store().ListClips(ctx, job.ID)
	if clips[1].Status != jobs.ClipFailed || *clips[1].ErrorMessage != msg {
		t.Fatalf("failed clip not recorded: %+v", clips[1])
	}
	if clips[0].Status != jobs.ClipSubmitted || clips[2].Status != jobs.ClipSubmitted {
		t.Fatalf("siblings not submitted: %+v", clips)
	}
	for _, r := range kling.requests() {
		if r.ReferenceImageURL == "" {
			t.Fatalf("per-clip units should carry the speaker image: %+v", r)
		}
	}
}

func TestSubmit_MalformedAcceptanceFailsClip(t *testing.T) {
	ctx := context.Background()
	kling := &fakeProvider{name: "kling", respond: func(req provider.Request) (*provider.Response, error) {
		return &provider.Response{Code: 0, Data: &provider.Data{}}, nil
	}}
	f := newFixture(t, fakeLLM{}, nil, kling)
	job := &jobs.Job{UserID: "u1", Type: jobs.TypeStory, Script: fiveSecondClips(1)}
	f.createJob(t, job)
	if _, err := f.ledger.Transition(ctx, job.ID, jobs.StatusGenerating, nil); err != nil {
		t.Fatal(err)
	}

	results, _ := f.orch.Submit(ctx, job)
	if results[0].Result.Kind != provider.Malformed {
		t.Fatalf("expected malformed, got %+v", results[0].Result)
	}
	got, _ := f.ledger.Store().GetJob(ctx, job.ID)
	if got.Status != jobs.StatusFailed || !strings.Contains(*got.ErrorMessage, "no task_id") {
		t.Fatalf("single malformed unit should fail the job: %+v", got)
	}
}

func TestResubmit(t *testing.T) {
	ctx := context.Background()
	fail := true
	var mu sync.Mutex
	kling := &fakeProvider{name: "kling", respond: func(req provider.Request) (*provider.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("connection reset")
		}
		return &provider.Response{Data: &provider.Data{TaskID: "retry-1"}}, nil
	}}
	f := newFixture(t, fakeLLM{}, nil, kling)
	job := &jobs.Job{UserID: "u1", Type: jobs.TypeStory, Script: fiveSecondClips(1)}
	f.createJob(t, job)
	if err := f.orch.Process(ctx, jobs.WorkItem{JobID: job.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	clips, _ := f.ledger.Store().ListClips(ctx, job.ID)
	if clips[0].Status != jobs.ClipFailed {
		t.Fatalf("clip should have failed: %+v", clips[0])
	}

	if _, err := f.orch.Resubmit(ctx, "intruder", clips[0].ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("other users must not resubmit, got %v", err)
	}
	if _, err := f.orch.Resubmit(ctx, "u1", clips[0].ID); !errors.Is(err, ErrSubmissionRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	clip, err := f.orch.Resubmit(ctx, "u1", clips[0].ID)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if clip.Status != jobs.ClipSubmitted || *clip.TaskID != "retry-1" {
		t.Fatalf("clip after resubmit: %+v", clip)
	}
	got, _ := f.ledger.Store().GetJob(ctx, job.ID)
	if got.Status != jobs.StatusGenerating {
		t.Fatalf("job should be reopened: %s", got.Status)
	}
	if _, err := f.orch.Resubmit(ctx, "u1", clips[0].ID); !errors.Is(err, ErrNotResubmittable) {
		t.Fatalf("submitted clip cannot be resubmitted, got %v", err)
	}
}

func TestProcess_OrdersScriptByIndex(t *testing.T) {
	ctx := context.Background()
	kling := &fakeProvider{name: "kling"}
	f := newFixture(t, fakeLLM{}, nil, kling)
	job := &jobs.Job{ID: "unsorted", UserID: "u1", Type: jobs.TypeStory, Status: jobs.StatusPending, Script: []jobs.ScriptClip{
		{Index: 2, Shot: "third", DurationSec: 5},
		{Index: 0, Shot: "first", DurationSec: 5},
		{Index: 1, Shot: "second", DurationSec: 5},
	}}
	if err := f.ledger.Store().InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if err := f.orch.Process(ctx, jobs.WorkItem{JobID: job.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	clips, _ := f.ledger.Store().ListClips(ctx, job.ID)
	if len(clips) != 1 {
		t.Fatalf("expected one unit, got %d", len(clips))
	}
	idx := clips[0].ScriptIndices
	if len(idx) != 3 || idx[0] != 0 || idx[1] != 1 || idx[2] != 2 {
		t.Fatalf("script indices = %v", idx)
	}
	if !strings.HasPrefix(clips[0].Prompt, "Shot 1: first") || !strings.Contains(clips[0].Prompt, "Shot 3: third") {
		t.Fatalf("prompt out of order: %q", clips[0].Prompt)
	}
}

func TestCreateJob_RejectsDuplicateScriptIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeLLM{}, nil, &fakeProvider{name: "kling"})
	if err := f.ledger.GrantCredits(ctx, "u1", 100); err != nil {
		t.Fatalf("GrantCredits: %v", err)
	}
	job := &jobs.Job{UserID: "u1", Type: jobs.TypeStory, Script: []jobs.ScriptClip{{Index: 0, Shot: "a"}, {Index: 0, Shot: "b"}}}
	if _, err := f.ledger.CreateJob(ctx, job, 10); !errors.Is(err, jobs.ErrDuplicateScriptIndex) {
		t.Fatalf("expected duplicate index error, got %v", err)
	}
	if balance, _ := f.ledger.Balance(ctx, "u1"); balance != 100 {
		t.Fatalf("rejected job must not be charged, balance %d", balance)
	}
}

func TestBuildPrompt(t *testing.T) {
	job := &jobs.Job{Language: "de"}
	got := BuildPrompt(job, []jobs.ScriptClip{
		{Shot: "Kitchen at dawn", Camera: "dolly in"},
		{Shot: "Close up", SpeakerID: "anna", Dialogue: "Guten Morgen"},
	})
	for _, want := range []string{"Shot 1: Kitchen at dawn (camera dolly in)", "Shot 2: Close up anna says: \"Guten Morgen\"", "Spoken language: de."} {
		if !strings.Contains(got, want) {
			t.Fatalf("prompt %q missing %q", got, want)
		}
	}
	if single := BuildPrompt(job, []jobs.ScriptClip{{Shot: "Beach"}}); single != "Beach" {
		t.Fatalf("single shot prompt = %q", single)
	}
}
