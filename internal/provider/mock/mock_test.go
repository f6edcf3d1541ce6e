package mock

import (
	"context"
	"strings"
	"testing"

	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/provider"
)

func TestMockProvider_CompletesAfterPendingPolls(t *testing.T) {
	ctx := context.Background()
	p := New(config.MockProviderSettings{PendingPolls: 2, VideoBaseURL: "https://mock/videos/"})

	resp, err := p.Submit(ctx, provider.Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := provider.Classify(p.Name(), resp)
	if !res.OK() {
		t.Fatalf("submit not accepted: %+v", res)
	}

	for i := 0; i < 2; i++ {
		q, _ := p.Query(ctx, res.TaskID)
		if s := provider.TaskState(q); s.Kind != provider.Pending {
			t.Fatalf("poll %d: expected pending, got %+v", i, s)
		}
	}
	q, _ := p.Query(ctx, res.TaskID)
	s := provider.TaskState(q)
	if s.Kind != provider.Succeeded || !strings.HasPrefix(s.URL, "https://mock/videos/mock-") {
		t.Fatalf("expected success, got %+v", s)
	}
}

func TestMockProvider_UnknownTask(t *testing.T) {
	p := New(config.MockProviderSettings{})
	q, err := p.Query(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !provider.IsAPIError(q) {
		t.Fatalf("unknown task should be an api error: %+v", q)
	}
}
