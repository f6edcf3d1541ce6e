// Package grouping packs ordered script clips into provider-sized submission batches.
package grouping

import (
	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/jobs"
)

// Limits bounds a single provider submission.
type Limits struct {
	MaxDurationSec float64
	MaxClips       int
	// DefaultDurationSec is used for clips without a positive duration.
	DefaultDurationSec float64
}

// DefaultLimits are the limits of one provider call.
var DefaultLimits = Limits{
	MaxDurationSec:     common.MaxBatchDurationSec,
	MaxClips:           common.MaxBatchClips,
	DefaultDurationSec: common.DefaultClipDurationSec,
}

// Duration returns the effective duration of c under l.
func (l Limits) Duration(c jobs.ScriptClip) float64 {
	if c.DurationSec <= 0 {
		return l.DefaultDurationSec
	}
	return c.DurationSec
}

// GroupClips packs clips with DefaultLimits.
func GroupClips(clips []jobs.ScriptClip) [][]jobs.ScriptClip {
	return DefaultLimits.Group(clips, false)
}

// GroupClipsByProvider packs clips with DefaultLimits and never lets a batch
// span clips annotated for different providers.
func GroupClipsByProvider(clips []jobs.ScriptClip) [][]jobs.ScriptClip {
	return DefaultLimits.Group(clips, true)
}

// Group scans clips in order and starts a new batch whenever the next clip
// would push the running duration or count over its limit. A clip longer than
// the duration limit is kept whole in a batch of its own.
func (l Limits) Group(clips []jobs.ScriptClip, splitByProvider bool) [][]jobs.ScriptClip {
	var batches [][]jobs.ScriptClip
	var cur []jobs.ScriptClip
	var total float64
	for _, c := range clips {
		d := l.Duration(c)
		if len(cur) > 0 {
			full := total+d > l.MaxDurationSec || len(cur)+1 > l.MaxClips
			if full || (splitByProvider && cur[0].Provider != c.Provider) {
				batches = append(batches, cur)
				cur, total = nil, 0
			}
		}
		cur = append(cur, c)
		total += d
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// AnnotateProviders returns a copy of clips with a provider on every clip.
// Content types that need a persistent likeness use provider for all clips;
// otherwise a clip keeps its own hint and falls back to provider.
func AnnotateProviders(t jobs.Type, clips []jobs.ScriptClip, provider string) []jobs.ScriptClip {
	out := make([]jobs.ScriptClip, len(clips))
	copy(out, clips)
	force := t.PersistentLikeness()
	for i := range out {
		if force || out[i].Provider == "" {
			out[i].Provider = provider
		}
	}
	return out
}

// Indices returns the script indices of a batch in order.
func Indices(batch []jobs.ScriptClip) []int {
	idx := make([]int, len(batch))
	for i, c := range batch {
		idx[i] = c.Index
	}
	return idx
}
