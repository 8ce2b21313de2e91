package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stratum-cloud/stratum/pkg/engine"
)

// Client calls the job endpoints of a running server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// GetJob returns the job's current state.
func (c *Client) GetJob(ctx context.Context, jobID string) (*engine.Job, error) {
	var job engine.Job
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns the most recent jobs.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]*engine.Job, error) {
	var jobs []*engine.Job
	path := "/api/v1/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if _, err := c.do(ctx, http.MethodGet, path, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJobResult returns the final payload of a succeeded job. A running job
// yields a NOT_READY error and a failed job its stored error.
func (c *Client) GetJobResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	var raw json.RawMessage
	status, err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID)+"/result", &raw)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		return nil, engine.NewTransientError(fmt.Sprintf("job %s is still running", jobID), nil).
			WithCode(engine.ErrCodeNotReady)
	}
	return raw, nil
}

// CancelJob requests cancellation of a running job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*engine.Job, error) {
	var job engine.Job
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(jobID)+"/cancel", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetRegion returns a platform's location tree, or the named sub-tree.
func (c *Client) GetRegion(ctx context.Context, platform, location string) (*LocationResponse, error) {
	path := "/api/v1/regions/" + url.PathEscape(platform)
	if location != "" {
		path += "?location=" + url.QueryEscape(location)
	}
	var loc LocationResponse
	if _, err := c.do(ctx, http.MethodGet, path, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, engine.NewTransientError(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, decodeError(resp.StatusCode, body)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// decodeError turns an error body back into a JobError.
func decodeError(status int, body []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return fmt.Errorf("server answered %d: %s", status, strings.TrimSpace(string(body)))
	}
	class := er.Class
	if class == "" {
		class = engine.ErrorClassPermanent
	}
	return &engine.JobError{Class: class, Code: er.Code, Message: er.Error, Details: er.Details}
}
