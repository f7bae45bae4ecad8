// Package provider wraps heterogeneous generation vendors behind one
// submit/poll/webhook interface and relocates their results into durable storage.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuongbtq/restora/internal/domain"
)

const maxErrorBody = 4 << 10

// Submission is one job handed to a vendor
type Submission struct {
	Kind        domain.JobKind
	Model       string
	Inputs      domain.JobInputs
	CallbackURL string
}

// Adapter is implemented once per vendor
type Adapter interface {
	// Name identifies the vendor in routes, job rows and webhook paths.
	Name() string
	Submit(ctx context.Context, sub Submission) (string, error)
	Poll(ctx context.Context, handle string) (Outcome, error)
	// ParseWebhook normalizes a callback body into the handle it refers to and its outcome.
	ParseWebhook(body []byte) (string, Outcome, error)
}

// HTTPConfig holds the settings shared by the HTTP adapters
type HTTPConfig struct {
	BaseURL  string
	APIToken string
}

// doJSON sends an optional JSON body and decodes a JSON response into out.
// Transport failures, 429 and 5xx map to ErrProviderUnavailable; other 4xx
// map to ErrProviderRejected.
func doJSON(ctx context.Context, client *http.Client, cfg HTTPConfig, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(cfg.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s %s returned %d: %s", domain.ErrProviderUnavailable, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
		}
		return fmt.Errorf("%w: %s %s returned %d: %s", domain.ErrProviderRejected, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", domain.ErrProviderUnavailable, err)
	}
	return nil
}
