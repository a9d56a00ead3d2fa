// Package client is a Go client for the cipherhub HTTP API, including the
// poll loop a submitter uses to wait for a job's artifact.
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
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/cipherhub/pkg/jobregistry"
	"github.com/3leaps/cipherhub/pkg/query"
	"github.com/3leaps/cipherhub/pkg/telemetry"
)

// DefaultTimeout bounds one HTTP round trip.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("cipherhub: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("cipherhub: %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// Unwrap maps envelope codes onto the domain sentinels so callers can use
// errors.Is(err, jobregistry.ErrUnknownJob) and friends.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "UNKNOWN_JOB":
		return jobregistry.ErrUnknownJob
	case "DUPLICATE_JOB":
		return jobregistry.ErrDuplicateJob
	case "INVALID_TRANSITION":
		return jobregistry.ErrInvalidTransition
	case "NOT_READY":
		return query.ErrNotReady
	}
	return nil
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Artifact is a fetched job result.
type Artifact struct {
	Data        []byte
	ContentType string
	ETag        string
}

type Client struct {
	baseURL *url.URL
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New returns a client for the service rooted at baseURL, e.g.
// http://localhost:8080.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}
	c := &Client{baseURL: u, http: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubmitRequest registers a job; an empty JobID lets the server assign one.
type SubmitRequest struct {
	JobID     string            `json:"jobId,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Mode      string            `json:"mode,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*query.JobView, error) {
	var view query.JobView
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs", req, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (*query.JobView, error) {
	var view query.JobView
	if err := c.doJSON(ctx, http.MethodGet, "/api/status/"+url.PathEscape(jobID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// JobList is the GET /api/jobs body.
type JobList struct {
	Jobs  []query.JobView `json:"jobs"`
	Stats map[string]int  `json:"stats"`
}

func (c *Client) Jobs(ctx context.Context) (*JobList, error) {
	var list JobList
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Artifact downloads a completed job's artifact.
func (c *Client) Artifact(ctx context.Context, jobID string) (*Artifact, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/images/"+url.PathEscape(jobID), nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return &Artifact{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        strings.Trim(resp.Header.Get("ETag"), `"`),
	}, nil
}

// Snapshot returns the latest sample per node, optionally filtered by a
// hostname glob.
func (c *Client) Snapshot(ctx context.Context, hostGlob string) ([]telemetry.NodeSample, error) {
	path := "/api/stats"
	if hostGlob != "" {
		path += "?host=" + url.QueryEscape(hostGlob)
	}
	var body struct {
		Nodes []telemetry.NodeSample `json:"nodes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Nodes, nil
}

// History returns up to limit samples for one host, newest first. A
// non-positive limit leaves the choice to the server.
func (c *Client) History(ctx context.Context, hostname string, limit int) ([]telemetry.Record, error) {
	path := "/api/stats/" + url.PathEscape(hostname) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var body struct {
		Samples []telemetry.Record `json:"samples"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Samples, nil
}

// RecordSample pushes an externally produced sample.
func (c *Client) RecordSample(ctx context.Context, sample telemetry.NodeSample) error {
	return c.doJSON(ctx, http.MethodPost, "/api/stats", sample, nil)
}

type notifyRequest struct {
	JobID       string `json:"jobId"`
	Status      string `json:"status"`
	Payload     []byte `json:"payload,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Notify reports a terminal outcome. payload is required for "completed"
// and must be nil for "failed".
func (c *Client) Notify(ctx context.Context, jobID string, status jobregistry.JobStatus, payload []byte) (*query.JobView, error) {
	req := notifyRequest{JobID: jobID, Status: status.String(), Payload: payload}
	var view query.JobView
	if err := c.doJSON(ctx, http.MethodPost, "/api/notify", req, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Acknowledge marks the job as picked up by a worker.
func (c *Client) Acknowledge(ctx context.Context, jobID string) (*query.JobView, error) {
	var view query.JobView
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/ack", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var (
		body        io.Reader
		contentType string
	)
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// do sends the request and converts non-2xx responses into *APIError.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, decodeAPIError(resp)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.RequestID = envelope.Error.RequestID
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(b))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// IsTemporary reports whether err is worth retrying: network failures and
// 5xx/429 responses.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
