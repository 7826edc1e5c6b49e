package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/crucible/pkg/models"
)

const maxErrorBody = 512

var (
	// ErrStepRejected is returned when the endpoint answers with a non-2xx
	// status or an error body.
	ErrStepRejected = errors.New("step rejected by runner endpoint")
	// ErrServerError is returned when the endpoint keeps answering 5xx.
	ErrServerError = errors.New("runner endpoint server error")
)

// RetryConfig retries requests that failed in transport or with a 5xx.
// Endpoints must tolerate a repeated step when Attempts is above one.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// HTTPRunner posts the step as JSON and decodes the result.
type HTTPRunner struct {
	url    string
	client *http.Client
	retry  RetryConfig
	logger *slog.Logger
}

type HTTPOption func(*HTTPRunner)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(r *HTTPRunner) { r.client = client }
}

func WithRetry(retry RetryConfig) HTTPOption {
	return func(r *HTTPRunner) {
		if retry.Attempts > 0 {
			r.retry = retry
		}
	}
}

func NewHTTPRunner(url string, logger *slog.Logger, opts ...HTTPOption) *HTTPRunner {
	r := &HTTPRunner{
		url:    url,
		client: &http.Client{},
		retry:  RetryConfig{Attempts: 1},
		logger: logger.With("module", "http_runner", "url", url),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type runResponse struct {
	Output      any     `json:"output"`
	CostCredits float64 `json:"cost_credits"`
	DurationMs  int64   `json:"duration_ms"`
	Error       string  `json:"error,omitempty"`
}

func (r *HTTPRunner) Run(ctx context.Context, step *models.ExecutionStep) (*models.StepResult, error) {
	payload, err := json.Marshal(step)
	if err != nil {
		return nil, fmt.Errorf("encode step: %w", err)
	}

	var (
		lastErr error
		resp    *http.Response
	)

	for attempt := 1; attempt <= r.retry.Attempts; attempt++ {
		if attempt > 1 {
			r.logger.InfoContext(ctx, "retrying step request", "step_id", step.ID, "attempt", attempt, "attempts", r.retry.Attempts)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retry.Delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create http request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Step-ID", step.ID)

		resp, err = r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("http request failed: %w", ctx.Err())
			}

			lastErr = fmt.Errorf("http request failed: %w", err)
			resp = nil

			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError && attempt < r.retry.Attempts {
			if err := resp.Body.Close(); err != nil {
				r.logger.ErrorContext(ctx, "failed to close response body", "error", err)
			}

			lastErr = fmt.Errorf("status %d: %w", resp.StatusCode, ErrServerError)
			resp = nil

			continue
		}

		break
	}

	if resp == nil {
		return nil, fmt.Errorf("all %d attempts failed, last error: %w", r.retry.Attempts, lastErr)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	return r.decode(resp)
}

func (r *HTTPRunner) decode(resp *http.Response) (*models.StepResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrStepRejected, resp.StatusCode, truncate(body))
	}

	var decoded runResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode runner response: %w", err)
	}

	if decoded.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrStepRejected, decoded.Error)
	}

	return &models.StepResult{
		Output:      decoded.Output,
		CostCredits: decoded.CostCredits,
		DurationMs:  decoded.DurationMs,
	}, nil
}

func truncate(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		return text[:maxErrorBody] + "..."
	}

	return text
}
