package jobs

import "time"

// JobView is the JSON projection of a job and its clips returned by the API
// and written to status streams.
type JobView struct {
	ID             string       `json:"id"`
	Type           Type         `json:"type"`
	Status         Status       `json:"status"`
	Language       string       `json:"language,omitempty"`
	Platform       string       `json:"platform,omitempty"`
	AspectRatio    string       `json:"aspect_ratio,omitempty"`
	TargetDuration int          `json:"target_duration"`
	ActorIDs       []string     `json:"actor_ids,omitempty"`
	CreditCost     int          `json:"credit_cost"`
	FinalURL       *string      `json:"final_url,omitempty"`
	ErrorMessage   *string      `json:"error,omitempty"`
	SeriesID       *string      `json:"series_id,omitempty"`
	EpisodeNumber  int          `json:"episode_number,omitempty"`
	Script         []ScriptClip `json:"script,omitempty"`
	Clips          []ClipView   `json:"clips"`
	Progress       Progress     `json:"progress"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ClipView is the JSON projection of a clip.
type ClipView struct {
	ID            string     `json:"id"`
	ClipIndex     int        `json:"clip_index"`
	ScriptIndices []int      `json:"script_indices"`
	Provider      string     `json:"provider,omitempty"`
	TaskID        *string    `json:"task_id,omitempty"`
	Status        ClipStatus `json:"status"`
	VideoURL      *string    `json:"video_url,omitempty"`
	LipsyncURL    *string    `json:"lipsync_url,omitempty"`
	ErrorMessage  *string    `json:"error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Progress counts clips by outcome.
type Progress struct {
	Total  int `json:"total"`
	Done   int `json:"done"`
	Failed int `json:"failed"`
}

// NewJobView projects a job with its clips. The script is omitted when
// withScript is false to keep list payloads small.
func NewJobView(job *Job, clips []Clip, withScript bool) JobView {
	v := JobView{
		ID:             job.ID,
		Type:           job.Type,
		Status:         job.Status,
		Language:       job.Language,
		Platform:       job.Platform,
		AspectRatio:    job.AspectRatio,
		TargetDuration: job.TargetDuration,
		ActorIDs:       job.ActorIDs,
		CreditCost:     job.CreditCost,
		FinalURL:       job.FinalURL,
		ErrorMessage:   job.ErrorMessage,
		SeriesID:       job.SeriesID,
		EpisodeNumber:  job.EpisodeNumber,
		Clips:          make([]ClipView, 0, len(clips)),
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if withScript {
		v.Script = job.Script
	}
	for _, c := range clips {
		v.Clips = append(v.Clips, ClipView{
			ID:            c.ID,
			ClipIndex:     c.ClipIndex,
			ScriptIndices: c.ScriptIndices,
			Provider:      c.Provider,
			TaskID:        c.TaskID,
			Status:        c.Status,
			VideoURL:      c.VideoURL,
			LipsyncURL:    c.LipsyncURL,
			ErrorMessage:  c.ErrorMessage,
			UpdatedAt:     c.UpdatedAt,
		})
		v.Progress.Total++
		switch c.Status {
		case ClipDone:
			v.Progress.Done++
		case ClipFailed:
			v.Progress.Failed++
		}
	}
	return v
}
