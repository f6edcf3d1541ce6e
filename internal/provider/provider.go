// Package provider talks to generative video backends and tracks their health.
package provider

import (
	"context"
	"sort"
)

// Provider submits video generation tasks and reports their progress.
type Provider interface {
	Name() string
	Submit(ctx context.Context, req Request) (*Response, error)
	Query(ctx context.Context, taskID string) (*Response, error)
}

// Request is one provider call covering one or more script clips.
type Request struct {
	// ExternalID is our clip id, echoed back by providers that support it.
	ExternalID        string
	Prompt            string
	DurationSec       float64
	AspectRatio       string
	ReferenceImageURL string
	CallbackURL       string
}

// Response is the provider envelope shared by submit and query calls.
type Response struct {
	Code    int     `json:"code"`
	Message *string `json:"message,omitempty"`
	Data    *Data   `json:"data,omitempty"`
}

// Data is the task payload of a Response.
type Data struct {
	TaskID        string      `json:"task_id,omitempty"`
	TaskStatus    string      `json:"task_status,omitempty"`
	TaskStatusMsg string      `json:"task_status_msg,omitempty"`
	TaskResult    *TaskResult `json:"task_result,omitempty"`
}

// TaskResult holds the produced assets.
type TaskResult struct {
	Videos []Video `json:"videos,omitempty"`
}

// Video is one produced asset.
type Video struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url"`
	Duration string `json:"duration,omitempty"`
}

// Task statuses reported in Data.TaskStatus.
const (
	TaskSubmitted  = "submitted"
	TaskProcessing = "processing"
	TaskSucceed    = "succeed"
	TaskFailed     = "failed"
)

// Registry holds initialized providers by name.
type Registry struct {
	byName map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Provider)}
}

func (r *Registry) Add(p Provider) {
	r.byName[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for k := range r.byName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
