package jobs

import (
	"fmt"
	"sort"
)

// SortScript returns a copy of script ordered by clip index.
func SortScript(script []ScriptClip) []ScriptClip {
	out := make([]ScriptClip, len(script))
	copy(out, script)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// DuplicateScriptIndex reports the first index used by more than one clip.
func DuplicateScriptIndex(script []ScriptClip) (int, bool) {
	seen := make(map[int]bool, len(script))
	for _, c := range script {
		if seen[c.Index] {
			return c.Index, true
		}
		seen[c.Index] = true
	}
	return 0, false
}

// ValidateScript checks a caller supplied script and returns it in index order.
func ValidateScript(script []ScriptClip) ([]ScriptClip, error) {
	if idx, dup := DuplicateScriptIndex(script); dup {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateScriptIndex, idx)
	}
	for _, c := range script {
		if c.Index < 0 {
			return nil, fmt.Errorf("script clip %d: index must not be negative", c.Index)
		}
		if c.DurationSec < 0 {
			return nil, fmt.Errorf("script clip %d has a negative duration", c.Index)
		}
	}
	return SortScript(script), nil
}
