// Package stream pushes job and clip snapshots to a client as newline delimited JSON.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/jobs"
)

// Reason tells why a stream ended.
type Reason string

const (
	ReasonTerminal     Reason = "terminal"
	ReasonTickBudget   Reason = "tick_budget"
	ReasonDeadline     Reason = "deadline"
	ReasonDisconnected Reason = "disconnected"
	ReasonError        Reason = "error"
)

// Frame is one line of a status stream.
type Frame struct {
	Type   string         `json:"type"` // "snapshot" or "end"
	Seq    int            `json:"seq"`
	Job    *jobs.JobView  `json:"job,omitempty"`
	Jobs   []jobs.JobView `json:"jobs,omitempty"`
	Reason Reason         `json:"reason,omitempty"`
	Error  string         `json:"error,omitempty"`
	At     time.Time      `json:"at"`
}

const (
	frameSnapshot = "snapshot"
	frameEnd      = "end"
)

type flusher interface {
	Flush()
}

// Streamer samples the store on a fixed interval.
type Streamer struct {
	log      *slog.Logger
	store    jobs.Store
	settings config.StreamConfig
}

func New(logger *slog.Logger, store jobs.Store, settings config.StreamConfig) *Streamer {
	if settings.Interval <= 0 {
		settings.Interval = 3 * time.Second
	}
	if settings.MaxTicks <= 0 {
		settings.MaxTicks = 100
	}
	if settings.MaxDuration <= 0 {
		settings.MaxDuration = 5 * time.Minute
	}
	return &Streamer{log: logger, store: store, settings: settings}
}

// sampler produces the next snapshot and reports whether everything it
// covers has reached a terminal status.
type sampler func(ctx context.Context, f *Frame) (bool, error)

// StreamJob streams one job owned by userID. It returns jobs.ErrNotFound
// before writing anything when the job does not exist for that user.
func (s *Streamer) StreamJob(ctx context.Context, w io.Writer, userID, jobID string) (Reason, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.UserID != userID {
		return "", jobs.ErrNotFound
	}
	sample := func(ctx context.Context, f *Frame) (bool, error) {
		v, terminal, err := s.snapshot(ctx, jobID)
		if err != nil {
			return false, err
		}
		f.Job = v
		return terminal, nil
	}
	return s.run(ctx, w, sample), nil
}

// StreamActive streams the jobs of userID that were active when the stream
// opened, plus any that become active later. It ends once all are terminal.
func (s *Streamer) StreamActive(ctx context.Context, w io.Writer, userID string) (Reason, error) {
	tracked := []string{}
	seen := map[string]bool{}
	track := func(ctx context.Context) error {
		active, err := s.store.ListJobs(ctx, jobs.JobFilter{UserID: userID, ActiveOnly: true})
		if err != nil {
			return err
		}
		// ListJobs is newest first; keep the stream in creation order.
		for i := len(active) - 1; i >= 0; i-- {
			if id := active[i].ID; !seen[id] {
				seen[id] = true
				tracked = append(tracked, id)
			}
		}
		return nil
	}
	if err := track(ctx); err != nil {
		return "", err
	}

	sample := func(ctx context.Context, f *Frame) (bool, error) {
		if err := track(ctx); err != nil {
			return false, err
		}
		all := true
		f.Jobs = make([]jobs.JobView, 0, len(tracked))
		for _, id := range tracked {
			v, terminal, err := s.snapshot(ctx, id)
			if errors.Is(err, jobs.ErrNotFound) {
				continue // deleted while streaming
			}
			if err != nil {
				return false, err
			}
			f.Jobs = append(f.Jobs, *v)
			all = all && terminal
		}
		return all, nil
	}
	return s.run(ctx, w, sample), nil
}

func (s *Streamer) snapshot(ctx context.Context, jobID string) (*jobs.JobView, bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	clips, err := s.store.ListClips(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	v := jobs.NewJobView(job, clips, false)
	return &v, job.Status.Terminal(), nil
}

// run writes a snapshot right away and then once per interval until a stop
// condition is met. The ticker and deadline timer are always released and
// the end frame is written at most once.
func (s *Streamer) run(ctx context.Context, w io.Writer, sample sampler) Reason {
	enc := json.NewEncoder(w)
	seq := 0
	emit := func(f Frame) error {
		f.Seq = seq
		f.At = time.Now().UTC()
		seq++
		if err := enc.Encode(f); err != nil {
			return err
		}
		if fl, ok := w.(flusher); ok {
			fl.Flush()
		}
		return nil
	}

	ticker := time.NewTicker(s.settings.Interval)
	deadline := time.NewTimer(s.settings.MaxDuration)
	var once sync.Once
	finish := func(reason Reason, cause error) Reason {
		once.Do(func() {
			ticker.Stop()
			deadline.Stop()
			if reason == ReasonDisconnected {
				return
			}
			end := Frame{Type: frameEnd, Reason: reason}
			if cause != nil {
				end.Error = cause.Error()
			}
			if err := emit(end); err != nil {
				s.log.Debug("write end frame", "err", err)
			}
		})
		s.log.Debug("status stream closed", "reason", reason, "frames", seq)
		return reason
	}

	tick := func() (Reason, bool, error) {
		f := Frame{Type: frameSnapshot}
		terminal, err := sample(ctx, &f)
		if err != nil {
			if ctx.Err() != nil {
				return ReasonDisconnected, true, nil
			}
			return ReasonError, true, err
		}
		if err := emit(f); err != nil {
			return ReasonDisconnected, true, nil
		}
		if terminal {
			return ReasonTerminal, true, nil
		}
		return "", false, nil
	}

	if reason, stop, err := tick(); stop {
		return finish(reason, err)
	}
	for ticks := 1; ; ticks++ {
		if ticks >= s.settings.MaxTicks {
			return finish(ReasonTickBudget, nil)
		}
		select {
		case <-ctx.Done():
			return finish(ReasonDisconnected, nil)
		case <-deadline.C:
			return finish(ReasonDeadline, nil)
		case <-ticker.C:
			if reason, stop, err := tick(); stop {
				return finish(reason, err)
			}
		}
	}
}
