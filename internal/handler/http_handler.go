package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskforge/workflowengine/internal/model"
	"github.com/taskforge/workflowengine/internal/resilience"
)

// HTTPHandler is one illustrative StepHandler implementation: it POSTs a JSON
// body (task_id, step_id, step_name, attempt_number and the task context) to
// a configured URL, retrying transient
// failures and rate-limiting outbound calls per dependent_system.
type HTTPHandler struct {
	client     *http.Client
	url        string
	breaker    *resilience.CircuitBreaker
	limiter    *resilience.RateLimiter
	retryCount int
	retryDelay time.Duration
}

// NewHTTPHandler builds an HTTPHandler posting to url, guarded by a circuit
// breaker and rate limiter scoped to the step's dependent_system.
func NewHTTPHandler(url string, breaker *resilience.CircuitBreaker, limiter *resilience.RateLimiter) *HTTPHandler {
	return &HTTPHandler{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		url:        url,
		breaker:    breaker,
		limiter:    limiter,
		retryCount: 3,
		retryDelay: 200 * time.Millisecond,
	}
}

// Process implements StepHandler. A circuit that is open, or a rate limiter
// that refuses the call, is reported as a RetryableError so the step
// re-enters backoff without calling a known-unhealthy dependent system; the
// executor still counts it as an attempt. A 4xx response surfaces as a PermanentError so the
// executor marks the step retry-exhausted instead of retrying a request
// that will never succeed; the inner retry loop halts on it for the same
// reason.
func (h *HTTPHandler) Process(ctx context.Context, task model.Task, seq Sequence, step model.WorkflowStep) (map[string]any, error) {
	if h.breaker != nil && !h.breaker.Allow() {
		return nil, &model.RetryableError{Message: "circuit open for dependent system"}
	}
	if h.limiter != nil && !h.limiter.Allow() {
		wait := h.limiter.ReserveAfter(1)
		seconds := int64(wait.Seconds()) + 1
		return nil, &model.RetryableError{Message: "rate limited", RetryAfter: &seconds}
	}

	result, err := resilience.Retry(ctx, h.retryCount, h.retryDelay, isPermanent, func() (map[string]any, error) {
		return h.doRequest(ctx, task, step)
	})

	if h.breaker != nil {
		h.breaker.RecordResult(err == nil)
	}
	if err == nil {
		return result, nil
	}

	var permErr *model.PermanentError
	if errors.As(err, &permErr) {
		return nil, permErr
	}
	return nil, &model.RetryableError{Message: "http handler call failed", Cause: err}
}

func (h *HTTPHandler) doRequest(ctx context.Context, task model.Task, step model.WorkflowStep) (map[string]any, error) {
	bodyJSON, err := json.Marshal(map[string]any{
		"task_id":        task.TaskID,
		"step_id":        step.StepID,
		"step_name":      step.NamedStepRef,
		"attempt_number": step.Attempts + 1,
		"context":        task.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", task.TaskID)
	req.Header.Set("X-Step-ID", step.StepID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		return nil, &model.PermanentError{Message: string(respBody), ErrorCode: fmt.Sprintf("http_%d", resp.StatusCode)}
	}

	var result map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			result = map[string]any{"body": string(respBody), "status_code": resp.StatusCode}
		}
	} else {
		result = map[string]any{"status_code": resp.StatusCode}
	}
	return result, nil
}

// isPermanent stops the retry loop on failures that no repeat attempt can
// fix.
func isPermanent(err error) bool {
	var permErr *model.PermanentError
	return errors.As(err, &permErr)
}

var _ StepHandler = (*HTTPHandler)(nil)
