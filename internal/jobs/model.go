package jobs

import (
	"context"
	"time"
)

// Status represents the lifecycle stage of a video job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScripting  Status = "scripting"
	StatusGenerating Status = "generating"
	StatusLipsync    Status = "lipsync"
	StatusStitching  Status = "stitching"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusScripting:  1,
	StatusGenerating: 2,
	StatusLipsync:    3,
	StatusStitching:  4,
	StatusDone:       5,
	StatusFailed:     5,
}

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanAdvanceTo reports whether moving from s to next keeps job status monotonic.
// Failure is reachable from any non-terminal status.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() || s == next {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// ClipStatus represents the lifecycle stage of a single provider submission unit.
type ClipStatus string

const (
	ClipPending    ClipStatus = "pending"
	ClipSubmitted  ClipStatus = "submitted"
	ClipProcessing ClipStatus = "processing"
	ClipDone       ClipStatus = "done"
	ClipLipsync    ClipStatus = "lipsync"
	ClipFailed     ClipStatus = "failed"
)

// Terminal reports whether the clip has a final outcome.
func (s ClipStatus) Terminal() bool {
	return s == ClipDone || s == ClipFailed
}

// InFlight reports whether the clip waits on a provider task.
func (s ClipStatus) InFlight() bool {
	return s == ClipSubmitted || s == ClipProcessing
}

// Type is the content format of a job.
type Type string

const (
	TypeStory       Type = "story"
	TypeTalkingHead Type = "talking_head"
	TypeExplainer   Type = "explainer"
	TypeEpisode     Type = "episode"
)

// FailurePolicy decides what a single clip failure means for the whole job.
type FailurePolicy int

const (
	// FailureTolerant lets the job continue with the clips that succeeded.
	FailureTolerant FailurePolicy = iota
	// FailureStrict fails the job as soon as any clip fails.
	FailureStrict
)

// Valid reports whether t is a known content format.
func (t Type) Valid() bool {
	switch t {
	case TypeStory, TypeTalkingHead, TypeExplainer, TypeEpisode:
		return true
	}
	return false
}

// PersistentLikeness reports whether every shot must come from the same provider
// so that a character keeps the same face across the whole job.
func (t Type) PersistentLikeness() bool {
	return t == TypeTalkingHead || t == TypeEpisode
}

// FailurePolicy returns how clip failures affect jobs of this type.
func (t Type) FailurePolicy() FailurePolicy {
	if t == TypeTalkingHead {
		return FailureStrict
	}
	return FailureTolerant
}

// ScriptClip is one shot of a job script.
type ScriptClip struct {
	Index       int     `json:"index"`
	SpeakerID   string  `json:"speaker_id,omitempty"`
	Dialogue    string  `json:"dialogue,omitempty"`
	Shot        string  `json:"shot"`
	DurationSec float64 `json:"duration,omitempty"` // <= 0 means unspecified
	ShotType    string  `json:"shot_type,omitempty"`
	Camera      string  `json:"camera,omitempty"`
	BGM         string  `json:"bgm,omitempty"`
	Voiceover   string  `json:"voiceover,omitempty"`
	Provider    string  `json:"provider,omitempty"` // annotation used by provider-aware grouping
}

// Job describes one user request to produce a finished multi-clip video.
type Job struct {
	ID             string
	UserID         string
	Type           Type
	Status         Status
	Language       string
	Platform       string
	AspectRatio    string
	TargetDuration int // seconds
	ActorIDs       []string
	Brief          string
	Script         []ScriptClip
	FinalURL       *string
	CreditCost     int
	ErrorMessage   *string
	SeriesID       *string
	EpisodeNumber  int
	Cliffhanger    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clip is one unit of work submitted to a provider. It covers one or more script clips.
type Clip struct {
	ID            string
	JobID         string
	ClipIndex     int
	ScriptIndices []int
	Provider      string
	TaskID        *string
	Status        ClipStatus
	Prompt        string
	VideoURL      *string
	LipsyncURL    *string
	ErrorMessage  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ClipFields carries the optional columns written together with a clip status change.
type ClipFields struct {
	Provider     string
	TaskID       string
	Prompt       string
	VideoURL     string
	LipsyncURL   string
	ErrorMessage string
}

// Unit is a planned submission unit used to create clip rows.
type Unit struct {
	ClipIndex     int
	ScriptIndices []int
	Provider      string
}

// CreditTransaction is one entry of the append-only credit log.
type CreditTransaction struct {
	ID        string
	UserID    string
	Delta     int
	Reason    string
	JobID     *string
	CreatedAt time.Time
}

// Credit transaction reasons.
const (
	ReasonJobDebit  = "job_debit"
	ReasonJobRefund = "job_refund"
	ReasonGrant     = "grant"
)

// JobFilter narrows ListJobs.
type JobFilter struct {
	UserID     string
	ActiveOnly bool
}

// Store defines persistence for jobs, clips and the credit ledger.
// All clip writes go through conditional updates so that replays are no-ops.
type Store interface {
	// Credits
	DebitCredits(ctx context.Context, userID string, amount int, jobID string) error
	CreditCredits(ctx context.Context, userID string, amount int, reason string, jobID *string) error
	Balance(ctx context.Context, userID string) (int, error)

	// Jobs
	InsertJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	SetJobScript(ctx context.Context, id string, script []ScriptClip) error
	// SetJobStatus writes status only when the current status is one of from.
	SetJobStatus(ctx context.Context, id string, from []Status, to Status, errMsg *string) (bool, error)
	SetJobFinal(ctx context.Context, id string, finalURL string) (bool, error)
	DeleteJob(ctx context.Context, userID, id string) error

	// Clips
	InsertClips(ctx context.Context, clips []Clip) error
	GetClip(ctx context.Context, id string) (*Clip, error)
	GetClipByTaskID(ctx context.Context, taskID string) (*Clip, error)
	ListClips(ctx context.Context, jobID string) ([]Clip, error)
	ListInFlightClips(ctx context.Context, jobID, userID string) ([]Clip, error)
	ListStaleSubmitted(ctx context.Context, cutoff time.Time) ([]Clip, error)
	// MarkClipSubmitted moves a pending clip to submitted.
	MarkClipSubmitted(ctx context.Context, id string, f ClipFields) (bool, error)
	// AdvanceClip writes status unless the clip is already terminal.
	AdvanceClip(ctx context.Context, id string, status ClipStatus, f ClipFields) (bool, error)
	// ResetClipSubmitted is the explicit re-submission path. Only a failed clip
	// can be reset; any other status yields ErrClipConflict.
	ResetClipSubmitted(ctx context.Context, id string, f ClipFields) error

	Close() error
}
