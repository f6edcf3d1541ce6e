package llm

import (
	"context"
	"errors"

	"github.com/jo-hoe/clipforge/internal/jobs"
)

// Brief is the input for script generation.
type Brief struct {
	Type           jobs.Type
	Text           string
	Language       string
	Platform       string
	AspectRatio    string
	TargetDuration int
	ActorIDs       []string
	EpisodeNumber  int
	Cliffhanger    string
}

// Client turns a content brief into an ordered script.
type Client interface {
	GenerateScript(ctx context.Context, brief Brief) ([]jobs.ScriptClip, error)
}

// ErrEmptyScript is returned when generation produced no clips.
var ErrEmptyScript = errors.New("generated script is empty")

// NormalizeScript orders clips by index and renumbers them when indices collide.
func NormalizeScript(clips []jobs.ScriptClip) ([]jobs.ScriptClip, error) {
	if len(clips) == 0 {
		return nil, ErrEmptyScript
	}
	out := jobs.SortScript(clips)
	if _, dup := jobs.DuplicateScriptIndex(out); dup {
		for i := range out {
			out[i].Index = i
		}
	}
	return out, nil
}
