package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/provider"
)

// scriptedProvider answers Query from a task id -> response map.
type scriptedProvider struct {
	mu      sync.Mutex
	answers map[string]*provider.Response
	queries int32
}

func (s *scriptedProvider) Name() string { return "kling" }

func (s *scriptedProvider) Submit(context.Context, provider.Request) (*provider.Response, error) {
	return nil, errors.New("not used")
}

func (s *scriptedProvider) Query(_ context.Context, taskID string) (*provider.Response, error) {
	atomic.AddInt32(&s.queries, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.answers[taskID]
	if !ok {
		return nil, errors.New("network unreachable")
	}
	return resp, nil
}

func succeed(url string) *provider.Response {
	return &provider.Response{Data: &provider.Data{
		TaskStatus: provider.TaskSucceed,
		TaskResult: &provider.TaskResult{Videos: []provider.Video{{URL: url}}},
	}}
}

type fakeMirror struct {
	fail  bool
	calls int32
	// onMirror runs before the copy is returned.
	onMirror func()

	mu        sync.Mutex
	discarded []string
}

func (m *fakeMirror) Discard(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded = append(m.discarded, url)
	return nil
}

func (m *fakeMirror) Mirror(_ context.Context, jobID, src string) (string, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.onMirror != nil {
		m.onMirror()
	}
	if m.fail {
		return "", errors.New("bucket unavailable")
	}
	return "https://cdn.example.com/assets/" + jobID + "/copy.mp4", nil
}

type fixture struct {
	ledger *jobs.Ledger
	prov   *scriptedProvider
	mirror *fakeMirror
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := jobs.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ledger := jobs.NewLedger(store, logger)
	prov := &scriptedProvider{answers: map[string]*provider.Response{}}
	reg := provider.NewRegistry()
	reg.Add(prov)
	mirror := &fakeMirror{}
	return &fixture{ledger: ledger, prov: prov, mirror: mirror, engine: New(logger, ledger, reg, mirror)}
}

// seed creates a generating job for u1 with one submitted clip per task id.
func (f *fixture) seed(t *testing.T, typ jobs.Type, taskIDs ...string) (*jobs.Job, []jobs.Clip) {
	t.Helper()
	ctx := context.Background()
	job := &jobs.Job{UserID: "u1", Type: typ, Status: jobs.StatusGenerating}
	if _, err := f.ledger.CreateJob(ctx, job, 0); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	units := make([]jobs.Unit, len(taskIDs))
	for i := range units {
		units[i] = jobs.Unit{ClipIndex: i, ScriptIndices: []int{i}, Provider: "kling"}
	}
	clips, err := f.ledger.CreateClipRecords(ctx, job.ID, units)
	if err != nil {
		t.Fatalf("CreateClipRecords: %v", err)
	}
	for i, id := range taskIDs {
		if _, err := f.ledger.MarkSubmitted(ctx, clips[i].ID, jobs.ClipFields{Provider: "kling", TaskID: id, Prompt: "p"}); err != nil {
			t.Fatalf("MarkSubmitted: %v", err)
		}
	}
	clips, _ = f.ledger.Store().ListClips(ctx, job.ID)
	return job, clips
}

func TestHandleCallback_SuccessMirrorsAndAdvances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, _ := f.seed(t, jobs.TypeStory, "t1")
	f.prov.answers["t1"] = succeed("https://provider/v/t1.mp4")

	out, err := f.engine.HandleCallback(ctx, "t1")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if out.Outcome != OutcomeSucceeded || !out.Changed {
		t.Fatalf("unexpected outcome %+v", out)
	}
	clip, _ := f.ledger.Store().GetClipByTaskID(ctx, "t1")
	if clip.Status != jobs.ClipDone || *clip.VideoURL != "https://cdn.example.com/assets/"+job.ID+"/copy.mp4" {
		t.Fatalf("clip = %+v", clip)
	}
	got, _ := f.ledger.Store().GetJob(ctx, job.ID)
	if got.Status != jobs.StatusStitching {
		t.Fatalf("job status = %s", got.Status)
	}
}

func TestHandleCallback_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, jobs.TypeStory, "t1", "t2")
	f.prov.answers["t1"] = succeed("https://provider/v/t1.mp4")

	first, err := f.engine.HandleCallback(ctx, "t1")
	if err != nil || !first.Changed {
		t.Fatalf("first callback: %+v err=%v", first, err)
	}
	second, err := f.engine.HandleCallback(ctx, "t1")
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}
	if second.Changed || second.Outcome != OutcomeSkipped {
		t.Fatalf("replay must not transition again: %+v", second)
	}
	if q := atomic.LoadInt32(&f.prov.queries); q != 1 {
		t.Fatalf("terminal clip should not be re-queried, got %d queries", q)
	}
	if c := atomic.LoadInt32(&f.mirror.calls); c != 1 {
		t.Fatalf("asset mirrored %d times", c)
	}
}

func TestReconcile_StaleSnapshotSkipsMirror(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, clips := f.seed(t, jobs.TypeStory, "t1")
	f.prov.answers["t1"] = succeed("https://provider/v/t1.mp4")
	if _, err := f.ledger.AdvanceClip(ctx, clips[0].ID, jobs.ClipDone, jobs.ClipFields{VideoURL: "https://cdn/first.mp4"}); err != nil {
		t.Fatalf("AdvanceClip: %v", err)
	}

	out := f.engine.Reconcile(ctx, clips)[0]
	if out.Outcome != OutcomeSkipped || out.Changed {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if c := atomic.LoadInt32(&f.mirror.calls); c != 0 {
		t.Fatalf("finished clip mirrored %d times", c)
	}
}

func TestReconcile_LosingCopyIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, clips := f.seed(t, jobs.TypeStory, "t1")
	f.prov.answers["t1"] = succeed("https://provider/v/t1.mp4")
	f.mirror.onMirror = func() {
		// a concurrent callback records its copy first
		_, _ = f.ledger.AdvanceClip(ctx, clips[0].ID, jobs.ClipDone, jobs.ClipFields{VideoURL: "https://cdn/winner.mp4"})
	}

	out := f.engine.Reconcile(ctx, clips)[0]
	if out.Outcome != OutcomeSkipped || out.Changed {
		t.Fatalf("unexpected outcome %+v", out)
	}
	want := "https://cdn.example.com/assets/" + job.ID + "/copy.mp4"
	if len(f.mirror.discarded) != 1 || f.mirror.discarded[0] != want {
		t.Fatalf("discarded = %v", f.mirror.discarded)
	}
	clip, _ := f.ledger.Store().GetClip(ctx, clips[0].ID)
	if *clip.VideoURL != "https://cdn/winner.mp4" {
		t.Fatalf("recorded url = %s", *clip.VideoURL)
	}
}

func TestHandleCallback_UnknownTask(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.HandleCallback(context.Background(), "nope"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReconcile_MirrorFailureKeepsProviderURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mirror.fail = true
	f.seed(t, jobs.TypeStory, "t1")
	f.prov.answers["t1"] = succeed("https://provider/v/t1.mp4")

	if _, err := f.engine.HandleCallback(ctx, "t1"); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	clip, _ := f.ledger.Store().GetClipByTaskID(ctx, "t1")
	if clip.Status != jobs.ClipDone || *clip.VideoURL != "https://provider/v/t1.mp4" {
		t.Fatalf("clip = %+v", clip)
	}
}

func TestPollJob_MixedStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, _ := f.seed(t, jobs.TypeExplainer, "ok", "bad", "wait", "lost")
	f.prov.answers["ok"] = succeed("https://provider/v/ok.mp4")
	f.prov.answers["bad"] = &provider.Response{Data: &provider.Data{TaskStatus: provider.TaskFailed, TaskStatusMsg: "content policy"}}
	f.prov.answers["wait"] = &provider.Response{Data: &provider.Data{TaskStatus: provider.TaskProcessing}}

	if _, err := f.engine.PollJob(ctx, "intruder", job.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("other users must not poll, got %v", err)
	}

	outcomes, err := f.engine.PollJob(ctx, "u1", job.ID)
	if err != nil {
		t.Fatalf("PollJob: %v", err)
	}
	want := []Outcome{OutcomeSucceeded, OutcomeFailed, OutcomePending, OutcomeError}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	for i, o := range outcomes {
		if o.ClipIndex != i || o.Outcome != want[i] {
			t.Fatalf("outcome %d = %+v, want %s", i, o, want[i])
		}
	}

	clips, _ := f.ledger.Store().ListClips(ctx, job.ID)
	if clips[1].Status != jobs.ClipFailed || *clips[1].ErrorMessage != "content policy" {
		t.Fatalf("failed clip = %+v", clips[1])
	}
	if clips[2].Status != jobs.ClipSubmitted || clips[3].Status != jobs.ClipSubmitted {
		t.Fatalf("pending and errored clips must not change")
	}
	got, _ := f.ledger.Store().GetJob(ctx, job.ID)
	if got.Status != jobs.StatusStitching {
		t.Fatalf("job status = %s", got.Status)
	}

	// Only the still in-flight clips are polled again.
	again, _ := f.engine.PollUser(ctx, "u1")
	if len(again) != 2 {
		t.Fatalf("expected 2 in-flight clips, got %d", len(again))
	}
}
