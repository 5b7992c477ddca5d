package providers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// TaskStatus is the provider-reported state of an audio task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// AudioRequest submits approved lyrics for rendering.
type AudioRequest struct {
	Lyrics      string `json:"lyrics"`
	Title       string `json:"title"`
	Voice       string `json:"voice,omitempty"`
	Style       string `json:"style,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// Clip is one rendered variant.
type Clip struct {
	AudioURL        string  `json:"audio_url"`
	CoverURL        string  `json:"cover_url,omitempty"`
	Title           string  `json:"title,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// TaskResult is the status document returned by polling and posted by callbacks.
type TaskResult struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Clips  []Clip     `json:"clips,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// AudioClient calls the audio synthesis service.
type AudioClient struct {
	client
}

func NewAudioClient(baseURL, apiKey string, timeout time.Duration) *AudioClient {
	return &AudioClient{client: newClient("audio", baseURL, apiKey, timeout)}
}

// Submit creates a rendering task and returns its id.
func (c *AudioClient) Submit(ctx context.Context, req AudioRequest) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, "submit", http.MethodPost, "/tasks", req, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", &UpstreamError{Provider: c.provider, Op: "submit", Err: errors.New("missing task_id")}
	}
	return out.TaskID, nil
}

// Status fetches the current state of a task.
func (c *AudioClient) Status(ctx context.Context, taskID string) (TaskResult, error) {
	var out TaskResult
	if err := c.do(ctx, "status", http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return TaskResult{}, err
	}
	if out.TaskID == "" {
		out.TaskID = taskID
	}
	return out, nil
}
