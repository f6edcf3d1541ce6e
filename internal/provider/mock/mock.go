// Package mock is a local provider that accepts every task and completes it after a number of polls.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/provider"
	"github.com/jo-hoe/clipforge/internal/util"
)

var _ provider.Provider = (*Provider)(nil)

// Provider is safe for concurrent use.
type Provider struct {
	pendingPolls int
	videoBaseURL string

	mu    sync.Mutex
	polls map[string]int
}

func New(cfg config.MockProviderSettings) *Provider {
	return &Provider{
		pendingPolls: cfg.PendingPolls,
		videoBaseURL: strings.TrimRight(cfg.VideoBaseURL, "/"),
		polls:        make(map[string]int),
	}
}

func (p *Provider) Name() string { return common.ProviderMock }

func (p *Provider) Submit(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := "mock-" + util.NewID()
	p.mu.Lock()
	p.polls[id] = 0
	p.mu.Unlock()
	return &provider.Response{Data: &provider.Data{TaskID: id, TaskStatus: provider.TaskSubmitted}}, nil
}

func (p *Provider) Query(ctx context.Context, taskID string) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	n, ok := p.polls[taskID]
	if ok {
		p.polls[taskID] = n + 1
	}
	p.mu.Unlock()
	if !ok {
		msg := "task not found"
		return &provider.Response{Code: 1203, Message: &msg}, nil
	}
	if n < p.pendingPolls {
		return &provider.Response{Data: &provider.Data{TaskID: taskID, TaskStatus: provider.TaskProcessing}}, nil
	}
	return &provider.Response{Data: &provider.Data{
		TaskID:     taskID,
		TaskStatus: provider.TaskSucceed,
		TaskResult: &provider.TaskResult{Videos: []provider.Video{{URL: fmt.Sprintf("%s/%s.mp4", p.videoBaseURL, taskID)}}},
	}}, nil
}
