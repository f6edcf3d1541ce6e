package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/llm"
)

var _ llm.Client = (*Client)(nil)

// Client is a deterministic script generator for development and tests.
type Client struct {
	delay time.Duration
	clips int
}

func New(cfg config.MockSettings) *Client {
	n := cfg.Clips
	if n <= 0 {
		n = 4
	}
	return &Client{delay: cfg.Delay, clips: n}
}

func (c *Client) GenerateScript(ctx context.Context, brief llm.Brief) ([]jobs.ScriptClip, error) {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var per float64
	if brief.TargetDuration > 0 {
		per = float64(brief.TargetDuration) / float64(c.clips)
	}
	out := make([]jobs.ScriptClip, c.clips)
	for i := range out {
		clip := jobs.ScriptClip{
			Index:       i,
			Shot:        fmt.Sprintf("Shot %d of %d: %s", i+1, c.clips, brief.Text),
			DurationSec: per,
		}
		if len(brief.ActorIDs) > 0 {
			clip.SpeakerID = brief.ActorIDs[i%len(brief.ActorIDs)]
			clip.Dialogue = fmt.Sprintf("Line %d", i+1)
		}
		out[i] = clip
	}
	return out, nil
}
