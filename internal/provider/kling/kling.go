// Package kling implements provider.Provider for the Kling video API.
package kling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/provider"
)

var _ provider.Provider = (*Client)(nil)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	authSchemeBearer    = "Bearer"

	endpointText2Video  = "v1/videos/text2video"
	endpointImage2Video = "v1/videos/image2video"

	defaultTimeout    = 30 * time.Second
	errorSnippetLimit = 400
)

var errTaskNotFound = errors.New("task not found")

// Client submits and queries Kling video tasks.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	mode       string
}

// New creates a Kling client from config.
func New(cfg config.KlingSettings, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		mode:       cfg.Mode,
	}
}

func (c *Client) Name() string { return common.ProviderKling }

type createTaskRequest struct {
	ModelName      string `json:"model_name,omitempty"`
	Prompt         string `json:"prompt"`
	Image          string `json:"image,omitempty"`
	Mode           string `json:"mode,omitempty"`
	Duration       string `json:"duration,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	CallbackURL    string `json:"callback_url,omitempty"`
	ExternalTaskID string `json:"external_task_id,omitempty"`
}

// Submit creates an image-to-video task when a reference image is given and a text-to-video task otherwise.
func (c *Client) Submit(ctx context.Context, req provider.Request) (*provider.Response, error) {
	endpoint := endpointText2Video
	body := createTaskRequest{
		ModelName:      c.model,
		Prompt:         req.Prompt,
		Mode:           c.mode,
		Duration:       durationParam(req.DurationSec),
		CallbackURL:    req.CallbackURL,
		ExternalTaskID: req.ExternalID,
	}
	if req.ReferenceImageURL != "" {
		endpoint = endpointImage2Video
		body.Image = req.ReferenceImageURL
	} else {
		body.AspectRatio = req.AspectRatio
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, endpoint, b)
}

// Query looks the task up under both task kinds since the task id does not carry its kind.
func (c *Client) Query(ctx context.Context, taskID string) (*provider.Response, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, errors.New("task id is required")
	}
	var lastErr error
	for _, endpoint := range []string{endpointText2Video, endpointImage2Video} {
		resp, err := c.do(ctx, http.MethodGet, endpoint+"/"+url.PathEscape(taskID), nil)
		if errors.Is(err, errTaskNotFound) {
			lastErr = err
			continue
		}
		return resp, err
	}
	return nil, fmt.Errorf("query %s: %w", taskID, lastErr)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*provider.Response, error) {
	u, err := url.JoinPath(c.baseURL, endpoint)
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set(headerContentType, common.ContentTypeJSON)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, errTaskNotFound
	}

	// Kling reports quota and validation errors as JSON envelopes on 4xx
	// responses; those are returned as responses for classification.
	var out provider.Response
	if jerr := json.Unmarshal(respBytes, &out); jerr == nil && (out.Code != 0 || out.Data != nil) {
		return &out, nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("kling status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	}
	return nil, fmt.Errorf("parse response: unexpected body %q", truncate(string(respBytes), errorSnippetLimit))
}

// durationParam maps a requested duration onto the clip lengths Kling accepts.
func durationParam(sec float64) string {
	if sec > 5 {
		return "10"
	}
	return "5"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
