package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cuongbtq/restora/internal/domain"
)

// Predictions talks to a prediction-style image API. Jobs are created with a
// model version and an input object.
type Predictions struct {
	name   string
	config HTTPConfig
	client *http.Client
}

// NewPredictions creates a prediction-style adapter registered under name
func NewPredictions(name string, config HTTPConfig, client *http.Client) *Predictions {
	return &Predictions{name: name, config: config, client: client}
}

type predictionRequest struct {
	Version             string                 `json:"version"`
	Input               map[string]interface{} `json:"input"`
	Webhook             string                 `json:"webhook,omitempty"`
	WebhookEventsFilter []string               `json:"webhook_events_filter,omitempty"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  interface{}     `json:"error"`
}

func (p *Predictions) Name() string { return p.name }

// Submit creates a prediction and returns its id
func (p *Predictions) Submit(ctx context.Context, sub Submission) (string, error) {
	if len(sub.Inputs.ImageURLs) == 0 {
		return "", fmt.Errorf("%w: at least one image is required", domain.ErrProviderRejected)
	}

	req := predictionRequest{
		Version: sub.Model,
		Input:   predictionInput(sub),
	}
	if sub.CallbackURL != "" {
		req.Webhook = sub.CallbackURL
		req.WebhookEventsFilter = []string{"completed"}
	}

	var resp prediction
	if err := doJSON(ctx, p.client, p.config, http.MethodPost, "/v1/predictions", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: prediction response without id", domain.ErrProviderUnavailable)
	}
	return resp.ID, nil
}

// Poll fetches the prediction's current state
func (p *Predictions) Poll(ctx context.Context, handle string) (Outcome, error) {
	var resp prediction
	if err := doJSON(ctx, p.client, p.config, http.MethodGet, "/v1/predictions/"+url.PathEscape(handle), nil, &resp); err != nil {
		return nil, err
	}
	return resp.outcome()
}

// ParseWebhook decodes a prediction callback, which carries the full prediction object
func (p *Predictions) ParseWebhook(body []byte) (string, Outcome, error) {
	var resp prediction
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", nil, fmt.Errorf("%w: malformed prediction webhook: %v", domain.ErrInvalidInput, err)
	}
	if resp.ID == "" {
		return "", nil, fmt.Errorf("%w: prediction webhook without id", domain.ErrInvalidInput)
	}
	outcome, err := resp.outcome()
	if err != nil {
		return "", nil, err
	}
	return resp.ID, outcome, nil
}

func (r prediction) outcome() (Outcome, error) {
	switch r.Status {
	case "starting":
		return Queued{}, nil
	case "processing":
		return Running{}, nil
	case "succeeded":
		out, err := firstOutput(r.Output)
		if err != nil {
			return Failed{Reason: err.Error()}, nil
		}
		return Succeeded{URL: out}, nil
	case "failed":
		return Failed{Reason: errorText(r.Error, "prediction failed")}, nil
	case "canceled":
		return Failed{Reason: "prediction canceled"}, nil
	default:
		return nil, fmt.Errorf("%w: unknown prediction status %q", domain.ErrProviderUnavailable, r.Status)
	}
}

func predictionInput(sub Submission) map[string]interface{} {
	input := map[string]interface{}{
		"image": sub.Inputs.ImageURLs[0],
	}
	if len(sub.Inputs.ImageURLs) > 1 {
		input["images"] = sub.Inputs.ImageURLs
	}
	if sub.Inputs.Prompt != "" {
		input["prompt"] = sub.Inputs.Prompt
	}
	return input
}

// firstOutput accepts an output that is either a URL or a list of URLs
func firstOutput(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("prediction succeeded without output")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 && many[0] != "" {
		return many[0], nil
	}

	return "", errors.New("prediction output is not a url")
}

func errorText(v interface{}, fallback string) string {
	switch e := v.(type) {
	case string:
		if e != "" {
			return e
		}
	case map[string]interface{}:
		if msg, ok := e["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fallback
}
