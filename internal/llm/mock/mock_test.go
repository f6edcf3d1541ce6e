package mock

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/llm"
)

func TestMockLLM_GenerateScript(t *testing.T) {
	c := New(config.MockSettings{Clips: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	script, err := c.GenerateScript(ctx, llm.Brief{Text: "a heist", TargetDuration: 12, ActorIDs: []string{"anna", "ben"}})
	if err != nil {
		t.Fatalf("GenerateScript error: %v", err)
	}
	if len(script) != 3 {
		t.Fatalf("expected 3 clips, got %d", len(script))
	}
	if !strings.Contains(script[0].Shot, "a heist") {
		t.Fatalf("shot missing brief, got: %q", script[0].Shot)
	}
	if script[0].DurationSec != 4 || script[2].SpeakerID != "anna" || script[1].SpeakerID != "ben" {
		t.Fatalf("unexpected script: %+v", script)
	}
}

func TestMockLLM_RespectsContextCancel(t *testing.T) {
	c := New(config.MockSettings{Delay: 200 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	if _, err := c.GenerateScript(ctx, llm.Brief{Text: "x"}); err == nil {
		t.Fatalf("expected context cancellation error")
	}
}
