package client

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

	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/model"
)

// ErrNotConfigured is returned when no orchestrator base URL is set.
// Handlers map it to an immediate 500; it is never retried.
var ErrNotConfigured = errors.New("orchestrator base URL not configured")

// StatusError carries a non-2xx upstream status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("orchestrator returned %d: %s", e.StatusCode, e.Body)
}

// JobRunner is the fleet-facing interface consumed by the reconciler and
// dispatch service, so both are testable with fakes.
type JobRunner interface {
	StartJob(ctx context.Context, req *StartJobRequest) (*StartJobResponse, error)
	GetJobStatus(ctx context.Context, jobID string) (*model.JobStatusReport, error)
}

// ArtifactFetcher streams job artifacts from the fleet.
type ArtifactFetcher interface {
	FetchArtifact(ctx context.Context, jobID, rangeHeader string) (*http.Response, error)
}

// EventStreamer opens the fleet's multi-job SSE stream.
type EventStreamer interface {
	OpenEvents(ctx context.Context, jobIDs []string) (*http.Response, error)
}

// OrchestratorClient talks to the external processing fleet.
type OrchestratorClient struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
}

// StartJobRequest asks the fleet to execute a job.
type StartJobRequest struct {
	Kind    string        `json:"kind"`
	Engine  string        `json:"engine,omitempty"`
	MediaID string        `json:"mediaId"`
	Payload model.JSONMap `json:"payload,omitempty"`
}

// StartJobResponse acknowledges a dispatched job.
type StartJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// NewOrchestratorClient creates a fleet client. The stream client carries no
// timeout so SSE connections can stay open; per-call deadlines come from the
// caller's context.
func NewOrchestratorClient(cfg *config.OrchestratorConfig) *OrchestratorClient {
	return &OrchestratorClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// IsConfigured returns true if the client has a fleet endpoint
func (c *OrchestratorClient) IsConfigured() bool {
	return c.baseURL != ""
}

// StartJob dispatches a job to the fleet
func (c *OrchestratorClient) StartJob(ctx context.Context, req *StartJobRequest) (*StartJobResponse, error) {
	var result StartJobResponse
	if err := c.post(ctx, "/jobs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJobStatus polls the fleet for one job's current status
func (c *OrchestratorClient) GetJobStatus(ctx context.Context, jobID string) (*model.JobStatusReport, error) {
	endpoint := fmt.Sprintf("/jobs/%s", url.PathEscape(jobID))
	var result model.JobStatusReport
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchArtifact requests the artifact bytes for a job. The inbound Range
// header is forwarded verbatim; the caller owns the response body.
func (c *OrchestratorClient) FetchArtifact(ctx context.Context, jobID, rangeHeader string) (*http.Response, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	reqURL := fmt.Sprintf("%s/artifacts/%s", c.baseURL, url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return c.streamClient.Do(req)
}

// OpenEvents opens the fleet's multi-job SSE stream carrying all given ids.
// The returned response stays open until the context is canceled.
func (c *OrchestratorClient) OpenEvents(ctx context.Context, jobIDs []string) (*http.Response, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	query := url.Values{}
	for _, id := range jobIDs {
		query.Add("jobId", id)
	}
	reqURL := fmt.Sprintf("%s/jobs/events?%s", c.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	return c.streamClient.Do(req)
}

// post sends a POST request with JSON body
func (c *OrchestratorClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

// get sends a GET request
func (c *OrchestratorClient) get(ctx context.Context, endpoint string, result interface{}) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *OrchestratorClient) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to decode orchestrator response: %w", err)
		}
	}
	return nil
}
