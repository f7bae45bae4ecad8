package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuongbtq/restora/internal/domain"
)

// Tasks talks to a task-queue style video API. Tasks report PENDING, RUNNING,
// SUCCESS or FAILED when polled; callbacks report OK or ERROR.
type Tasks struct {
	name   string
	config HTTPConfig
	client *http.Client
}

// NewTasks creates a task-style adapter registered under name
func NewTasks(name string, config HTTPConfig, client *http.Client) *Tasks {
	return &Tasks{name: name, config: config, client: client}
}

type taskRequest struct {
	Model       string   `json:"model"`
	ImageURLs   []string `json:"image_urls"`
	Prompt      string   `json:"prompt,omitempty"`
	CallbackURL string   `json:"callback_url,omitempty"`
}

type taskResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

func (t *Tasks) Name() string { return t.name }

// Submit creates a task and returns its id
func (t *Tasks) Submit(ctx context.Context, sub Submission) (string, error) {
	if len(sub.Inputs.ImageURLs) == 0 {
		return "", fmt.Errorf("%w: at least one image is required", domain.ErrProviderRejected)
	}

	req := taskRequest{
		Model:       sub.Model,
		ImageURLs:   sub.Inputs.ImageURLs,
		Prompt:      sub.Inputs.Prompt,
		CallbackURL: sub.CallbackURL,
	}

	var resp taskResponse
	if err := doJSON(ctx, t.client, t.config, http.MethodPost, "/v1/tasks", req, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("%w: task response without id", domain.ErrProviderUnavailable)
	}
	return resp.TaskID, nil
}

// Poll fetches the task's current state
func (t *Tasks) Poll(ctx context.Context, handle string) (Outcome, error) {
	var resp taskResponse
	if err := doJSON(ctx, t.client, t.config, http.MethodGet, "/v1/tasks/"+url.PathEscape(handle), nil, &resp); err != nil {
		return nil, err
	}
	return resp.outcome()
}

// ParseWebhook decodes a task callback
func (t *Tasks) ParseWebhook(body []byte) (string, Outcome, error) {
	var resp taskResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", nil, fmt.Errorf("%w: malformed task webhook: %v", domain.ErrInvalidInput, err)
	}
	if resp.TaskID == "" {
		return "", nil, fmt.Errorf("%w: task webhook without id", domain.ErrInvalidInput)
	}
	outcome, err := resp.outcome()
	if err != nil {
		return "", nil, err
	}
	return resp.TaskID, outcome, nil
}

func (r taskResponse) outcome() (Outcome, error) {
	switch strings.ToUpper(r.Status) {
	case "PENDING", "QUEUED":
		return Queued{}, nil
	case "RUNNING", "PROCESSING":
		return Running{}, nil
	case "SUCCESS", "OK":
		if r.VideoURL == "" {
			return Failed{Reason: "task succeeded without video"}, nil
		}
		return Succeeded{URL: r.VideoURL}, nil
	case "FAILED", "ERROR":
		reason := r.Error
		if reason == "" {
			reason = "task failed"
		}
		return Failed{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: unknown task status %q", domain.ErrProviderUnavailable, r.Status)
	}
}
