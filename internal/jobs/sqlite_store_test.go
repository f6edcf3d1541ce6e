package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	series := "s-1"
	job := &Job{
		ID:             "job-1",
		UserID:         "u1",
		Type:           TypeEpisode,
		Status:         StatusPending,
		Language:       "en",
		AspectRatio:    "9:16",
		TargetDuration: 30,
		ActorIDs:       []string{"anna", "ben"},
		Script: []ScriptClip{
			{Index: 0, SpeakerID: "anna", Shot: "wide", DurationSec: 4},
			{Index: 1, SpeakerID: "ben", Shot: "close", Dialogue: "hi"},
		},
		SeriesID:      &series,
		EpisodeNumber: 3,
	}
	if err := store.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Type != TypeEpisode || len(got.ActorIDs) != 2 || len(got.Script) != 2 || got.Script[1].Dialogue != "hi" {
		t.Fatalf("job mismatch: %+v", got)
	}
	if got.SeriesID == nil || *got.SeriesID != "s-1" || got.EpisodeNumber != 3 {
		t.Fatalf("series mismatch: %+v", got)
	}

	ok, err := store.SetJobStatus(ctx, job.ID, []Status{StatusPending}, StatusGenerating, nil)
	if err != nil || !ok {
		t.Fatalf("SetJobStatus: ok=%v err=%v", ok, err)
	}
	// from set no longer matches
	ok, err = store.SetJobStatus(ctx, job.ID, []Status{StatusPending}, StatusScripting, nil)
	if err != nil || ok {
		t.Fatalf("conditional SetJobStatus should not apply: ok=%v err=%v", ok, err)
	}

	ok, err = store.SetJobFinal(ctx, job.ID, "https://cdn/final.mp4")
	if err != nil || !ok {
		t.Fatalf("SetJobFinal: ok=%v err=%v", ok, err)
	}
	ok, err = store.SetJobFinal(ctx, job.ID, "https://cdn/other.mp4")
	if err != nil || ok {
		t.Fatalf("SetJobFinal on done job should be a no-op: ok=%v err=%v", ok, err)
	}
	got, _ = store.GetJob(ctx, job.ID)
	if got.Status != StatusDone || got.FinalURL == nil || *got.FinalURL != "https://cdn/final.mp4" {
		t.Fatalf("final mismatch: %+v", got)
	}

	if err := store.DeleteJob(ctx, "someone-else", job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete by other user should be not found, got %v", err)
	}
	if err := store.DeleteJob(ctx, "u1", job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := store.GetJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_Credits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.DebitCredits(ctx, "u1", 5, "j1")
	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) || ice.Required != 5 {
		t.Fatalf("debit on missing account should be insufficient, got %v", err)
	}

	if err := store.CreditCredits(ctx, "u1", 10, ReasonGrant, nil); err != nil {
		t.Fatalf("CreditCredits: %v", err)
	}
	if err := store.DebitCredits(ctx, "u1", 7, "j1"); err != nil {
		t.Fatalf("DebitCredits: %v", err)
	}
	if err := store.DebitCredits(ctx, "u1", 4, "j2"); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	bal, err := store.Balance(ctx, "u1")
	if err != nil || bal != 3 {
		t.Fatalf("balance = %d err=%v, want 3", bal, err)
	}
	if bal, _ := store.Balance(ctx, "nobody"); bal != 0 {
		t.Fatalf("missing account balance = %d", bal)
	}
}

func TestSQLiteStore_ClipTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.InsertJob(ctx, &Job{ID: "j1", UserID: "u1", Type: TypeStory, Status: StatusGenerating}); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	clips := []Clip{
		{JobID: "j1", ClipIndex: 0, ScriptIndices: []int{0, 1}, Provider: "mock"},
		{JobID: "j1", ClipIndex: 1, ScriptIndices: []int{2}, Provider: "mock"},
	}
	if err := store.InsertClips(ctx, clips); err != nil {
		t.Fatalf("InsertClips: %v", err)
	}
	if clips[0].ID == "" || clips[0].Status != ClipPending {
		t.Fatalf("InsertClips should assign id and pending status: %+v", clips[0])
	}

	ok, err := store.MarkClipSubmitted(ctx, clips[0].ID, ClipFields{Provider: "mock", TaskID: "t-1", Prompt: "p"})
	if err != nil || !ok {
		t.Fatalf("MarkClipSubmitted: ok=%v err=%v", ok, err)
	}
	ok, _ = store.MarkClipSubmitted(ctx, clips[0].ID, ClipFields{TaskID: "t-2"})
	if ok {
		t.Fatalf("second MarkClipSubmitted should be a no-op")
	}

	byTask, err := store.GetClipByTaskID(ctx, "t-1")
	if err != nil || byTask.ID != clips[0].ID || byTask.Prompt != "p" {
		t.Fatalf("GetClipByTaskID: %+v err=%v", byTask, err)
	}
	if len(byTask.ScriptIndices) != 2 || byTask.ScriptIndices[1] != 1 {
		t.Fatalf("script indices not preserved: %v", byTask.ScriptIndices)
	}

	inflight, err := store.ListInFlightClips(ctx, "j1", "")
	if err != nil || len(inflight) != 1 {
		t.Fatalf("ListInFlightClips = %d err=%v", len(inflight), err)
	}
	if byUser, _ := store.ListInFlightClips(ctx, "", "u1"); len(byUser) != 1 {
		t.Fatalf("ListInFlightClips by user = %d", len(byUser))
	}
	if other, _ := store.ListInFlightClips(ctx, "", "u2"); len(other) != 0 {
		t.Fatalf("other user should see no clips")
	}

	ok, err = store.AdvanceClip(ctx, clips[0].ID, ClipDone, ClipFields{VideoURL: "https://v/1.mp4"})
	if err != nil || !ok {
		t.Fatalf("AdvanceClip: ok=%v err=%v", ok, err)
	}
	// replay is a no-op and must not overwrite the result
	ok, err = store.AdvanceClip(ctx, clips[0].ID, ClipFailed, ClipFields{ErrorMessage: "late"})
	if err != nil || ok {
		t.Fatalf("AdvanceClip on terminal clip should be a no-op: ok=%v err=%v", ok, err)
	}
	c, _ := store.GetClip(ctx, clips[0].ID)
	if c.Status != ClipDone || c.VideoURL == nil || *c.VideoURL != "https://v/1.mp4" || c.ErrorMessage != nil {
		t.Fatalf("clip after replay: %+v", c)
	}

	if err := store.ResetClipSubmitted(ctx, clips[0].ID, ClipFields{Provider: "mock", TaskID: "t-9"}); !errors.Is(err, ErrClipConflict) {
		t.Fatalf("reset of a done clip should conflict, got %v", err)
	}
	if err := store.ResetClipSubmitted(ctx, "missing", ClipFields{TaskID: "t-9"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reset of a missing clip: %v", err)
	}

	if _, err := store.AdvanceClip(ctx, clips[1].ID, ClipFailed, ClipFields{ErrorMessage: "boom"}); err != nil {
		t.Fatalf("AdvanceClip: %v", err)
	}
	if err := store.ResetClipSubmitted(ctx, clips[1].ID, ClipFields{Provider: "mock", TaskID: "t-9", Prompt: "p2"}); err != nil {
		t.Fatalf("ResetClipSubmitted: %v", err)
	}
	c, _ = store.GetClip(ctx, clips[1].ID)
	if c.Status != ClipSubmitted || c.TaskID == nil || *c.TaskID != "t-9" || c.ErrorMessage != nil {
		t.Fatalf("clip after reset: %+v", c)
	}
	// a second resubmission racing the first finds the clip no longer failed
	if err := store.ResetClipSubmitted(ctx, clips[1].ID, ClipFields{Provider: "mock", TaskID: "t-10"}); !errors.Is(err, ErrClipConflict) {
		t.Fatalf("second reset should conflict, got %v", err)
	}
}

func TestSQLiteStore_ListStaleSubmitted_StrictBoundary(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store := newTestStore(t).WithClock(func() time.Time { return clock })

	if err := store.InsertJob(ctx, &Job{ID: "j1", UserID: "u1", Type: TypeStory, Status: StatusGenerating}); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	clips := []Clip{
		{JobID: "j1", ClipIndex: 0},
		{JobID: "j1", ClipIndex: 1},
		{JobID: "j1", ClipIndex: 2},
	}
	if err := store.InsertClips(ctx, clips); err != nil {
		t.Fatalf("InsertClips: %v", err)
	}
	// clip 0 submitted at base, clip 1 exactly 30 min later, clip 2 has no task id
	if _, err := store.MarkClipSubmitted(ctx, clips[0].ID, ClipFields{TaskID: "a"}); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(30 * time.Minute)
	if _, err := store.MarkClipSubmitted(ctx, clips[1].ID, ClipFields{TaskID: "b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkClipSubmitted(ctx, clips[2].ID, ClipFields{}); err != nil {
		t.Fatal(err)
	}

	cutoff := base.Add(30 * time.Minute)
	stale, err := store.ListStaleSubmitted(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListStaleSubmitted: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != clips[0].ID {
		t.Fatalf("expected only the clip strictly older than cutoff, got %+v", stale)
	}
}
