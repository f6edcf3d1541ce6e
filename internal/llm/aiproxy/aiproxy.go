package aiproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/llm"
)

var _ llm.Client = (*Client)(nil)

const (
	// Headers
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"

	// Auth
	authSchemeBearer = "Bearer"

	// Endpoints
	endpointChatCompletions = "v1/chat/completions"

	// Timeouts and limits
	defaultTimeout    = 90 * time.Second
	errorSnippetLimit = 400

	// Defaults
	defaultSystemPrompt = "You are a screenwriter for short vertical videos. Split the brief into consecutive shots. " +
		"Respond with a JSON object {\"clips\": [...]} where every clip has: index (int, from 0), speaker_id (one of the given actors or empty), " +
		"dialogue, shot (a visual description usable as a video generation prompt), duration (seconds), and optional shot_type, camera, bgm, voiceover. " +
		"Output only the JSON object."

	responseFormatJSON = "json_object"
)

// Role represents the sender role for a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Client implements llm.Client by calling an OpenAI-compatible AI Proxy.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	system      string
	temperature *float32
	maxTokens   *int
}

// New creates a new AI Proxy LLM client.
func New(cfg config.AIProxySettings) *Client {
	return &Client{
		httpClient:  newHTTPClient(),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		system:      cfg.SystemPrompt,
		temperature: optionalFloat32(cfg.Temperature),
		maxTokens:   optionalInt(cfg.MaxTokens),
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

// GenerateScript asks the model for a shot list and decodes it into script clips.
func (c *Client) GenerateScript(ctx context.Context, brief llm.Brief) ([]jobs.ScriptClip, error) {
	if strings.TrimSpace(brief.Text) == "" {
		return nil, fmt.Errorf("brief is empty")
	}
	reqBody, err := c.buildRequestBody(brief)
	if err != nil {
		return nil, err
	}

	u, err := url.JoinPath(c.baseURL, endpointChatCompletions)
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
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
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("aiproxy status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	}

	var comp chatCompletionResponse
	if err := json.Unmarshal(respBytes, &comp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(comp.Choices) == 0 || comp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("empty completion")
	}
	return parseScript(comp.Choices[0].Message.Content)
}

type scriptPayload struct {
	Clips []jobs.ScriptClip `json:"clips"`
}

// parseScript decodes the model output, tolerating a Markdown code fence around the JSON.
func parseScript(content string) ([]jobs.ScriptClip, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var payload scriptPayload
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	return llm.NormalizeScript(payload.Clips)
}

type briefPrompt struct {
	Type           string   `json:"type"`
	Brief          string   `json:"brief"`
	Language       string   `json:"language,omitempty"`
	Platform       string   `json:"platform,omitempty"`
	AspectRatio    string   `json:"aspect_ratio,omitempty"`
	TargetDuration int      `json:"target_duration_seconds,omitempty"`
	Actors         []string `json:"actors,omitempty"`
	EpisodeNumber  int      `json:"episode_number,omitempty"`
	Cliffhanger    string   `json:"end_on_cliffhanger,omitempty"`
}

func (c *Client) buildRequestBody(brief llm.Brief) (chatCompletionRequest, error) {
	sys := strings.TrimSpace(c.system)
	if sys == "" {
		sys = defaultSystemPrompt
	}
	user, err := json.Marshal(briefPrompt{
		Type:           string(brief.Type),
		Brief:          brief.Text,
		Language:       brief.Language,
		Platform:       brief.Platform,
		AspectRatio:    brief.AspectRatio,
		TargetDuration: brief.TargetDuration,
		Actors:         brief.ActorIDs,
		EpisodeNumber:  brief.EpisodeNumber,
		Cliffhanger:    brief.Cliffhanger,
	})
	if err != nil {
		return chatCompletionRequest{}, fmt.Errorf("marshal brief: %w", err)
	}

	req := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: RoleSystem, Content: sys},
			{Role: RoleUser, Content: string(user)},
		},
		Stream:      false,
		ResponseFmt: &responseFormat{Type: responseFormatJSON},
	}
	if c.temperature != nil {
		req.Temperature = c.temperature
	}
	if c.maxTokens != nil {
		req.MaxTokens = c.maxTokens
	}
	return req, nil
}

func optionalFloat32(v float32) *float32 {
	if v == 0 {
		return nil
	}
	return &v
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// OpenAI-compatible Chat Completions request/response types

type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	Temperature *float32        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	ResponseFmt *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *chatCompletionUsage   `json:"usage,omitempty"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      responseMsg `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type responseMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
