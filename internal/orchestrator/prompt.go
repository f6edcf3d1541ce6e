package orchestrator

import (
	"fmt"
	"strings"

	"github.com/jo-hoe/clipforge/internal/jobs"
)

// BuildPrompt renders the provider prompt for a batch of script clips.
func BuildPrompt(job *jobs.Job, batch []jobs.ScriptClip) string {
	var b strings.Builder
	multi := len(batch) > 1
	for i, c := range batch {
		if i > 0 {
			b.WriteString("\n")
		}
		if multi {
			fmt.Fprintf(&b, "Shot %d: ", i+1)
		}
		b.WriteString(strings.TrimSpace(c.Shot))
		var tags []string
		if c.ShotType != "" {
			tags = append(tags, "shot type "+c.ShotType)
		}
		if c.Camera != "" {
			tags = append(tags, "camera "+c.Camera)
		}
		if len(tags) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(tags, ", "))
		}
		if c.Dialogue != "" {
			speaker := c.SpeakerID
			if speaker == "" {
				speaker = "The speaker"
			}
			fmt.Fprintf(&b, " %s says: %q", speaker, c.Dialogue)
		}
		if c.Voiceover != "" {
			fmt.Fprintf(&b, " Voiceover: %q", c.Voiceover)
		}
		if c.BGM != "" {
			fmt.Fprintf(&b, " Music: %s.", c.BGM)
		}
	}
	if job.Language != "" && hasSpeech(batch) {
		fmt.Fprintf(&b, "\nSpoken language: %s.", job.Language)
	}
	return b.String()
}

func hasSpeech(batch []jobs.ScriptClip) bool {
	for _, c := range batch {
		if c.Dialogue != "" || c.Voiceover != "" {
			return true
		}
	}
	return false
}
