// Package workerclient is the task-worker's HTTP client for talking back
// to the dispatcher: build request, set headers, decode a jsoniter
// response, map non-2xx status to a typed error, scaled down to the
// handful of calls the orchestrator and upload manager need.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package workerclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiwix/zimfarm-go/internal/task"
)

// Client is the dispatcher-facing surface the orchestrator and upload
// manager depend on. Kept as an interface so tests can stub the
// dispatcher without a live HTTP server.
type Client interface {
	FetchTask(ctx context.Context, id string) (*task.Task, error)
	PatchEvent(ctx context.Context, id string, code task.EventCode, payload map[string]interface{}) error
	PatchFile(ctx context.Context, id, filename string, fi task.FileInfo) error
	Cancel(ctx context.Context, id, canceledBy string) error
}

// HTTPClient is the real Client, talking to a dispatcher over HTTP with
// bearer-token auth. Requests are retried with a capped exponential
// backoff on transient failures (network errors, 5xx) per the "at most 3
// attempts in request path" rule for transient infrastructure errors;
// 4xx responses are never retried, since they're the dispatcher's final
// word on the request as sent.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	// MaxAttempts bounds retries of transient failures. Zero means the
	// default of 3.
	MaxAttempts int
}

func New(baseURL, token string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, Token: token, HTTP: http.DefaultClient}
}

func (c *HTTPClient) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 3
}

// transientError marks a response/transport failure as retryable so
// backoff.Retry keeps going. A request that cannot be built is returned
// as a backoff.Permanent error, and a well-formed 4xx is handed back as
// the response; neither is retried.
type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// do builds and issues one request per attempt (so a body can be
// re-read on retry) and retries transport errors and 5xx responses with
// exponential backoff capped at maxAttempts() tries.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var resp *http.Response
	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := c.newRequest(ctx, method, path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := c.HTTP.Do(req)
		if err != nil {
			return &transientError{err: fmt.Errorf("workerclient: %s %s: %w", method, path, err)}
		}
		if r.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			r.Body.Close()
			return &transientError{err: fmt.Errorf("workerclient: %s %s: status %d: %s", method, path, r.StatusCode, body)}
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxAttempts()-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if te, ok := err.(*transientError); ok {
			return nil, te.err
		}
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) FetchTask(ctx context.Context, id string) (*task.Task, error) {
	resp, err := c.do(ctx, http.MethodGet, "/tasks/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("workerclient: fetch task %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("workerclient: fetch task %s: status %d", id, resp.StatusCode)
	}
	var t task.Task
	if err := task.JSON.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, fmt.Errorf("workerclient: decode task %s: %w", id, err)
	}
	return &t, nil
}

type patchEventBody struct {
	Event   task.EventCode         `json:"event"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// PatchEvent implements PATCH /tasks/{id}.
func (c *HTTPClient) PatchEvent(ctx context.Context, id string, code task.EventCode, payload map[string]interface{}) error {
	body, err := task.JSON.Marshal(patchEventBody{Event: code, Payload: payload})
	if err != nil {
		return fmt.Errorf("workerclient: marshal event %s: %w", code, err)
	}
	resp, err := c.do(ctx, http.MethodPatch, "/tasks/"+id, body)
	if err != nil {
		return fmt.Errorf("workerclient: patch event %s on %s: %w", code, id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("workerclient: patch event %s on %s: status %d", code, id, resp.StatusCode)
	}
	return nil
}

// PatchFile reports a file's status; it is carried over the same
// PATCH /tasks/{id} endpoint as a created_file/uploaded_file/failed_file
// event, the file fields arriving in the event payload.
func (c *HTTPClient) PatchFile(ctx context.Context, id, filename string, fi task.FileInfo) error {
	code := fileEventFor(fi.Status)
	payload := map[string]interface{}{"name": filename, "size": fi.Size, "status": string(fi.Status)}
	return c.PatchEvent(ctx, id, code, payload)
}

type cancelBody struct {
	CanceledBy string `json:"canceled_by"`
}

// Cancel implements POST /tasks/{id}/cancel.
func (c *HTTPClient) Cancel(ctx context.Context, id, canceledBy string) error {
	body, err := task.JSON.Marshal(cancelBody{CanceledBy: canceledBy})
	if err != nil {
		return fmt.Errorf("workerclient: marshal cancel %s: %w", id, err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/tasks/"+id+"/cancel", body)
	if err != nil {
		return fmt.Errorf("workerclient: cancel %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("workerclient: cancel %s: status %d", id, resp.StatusCode)
	}
	return nil
}

func fileEventFor(status task.FileStatus) task.EventCode {
	switch status {
	case task.FileUploaded:
		return task.EvtUploadedFile
	case task.FileFailed:
		return task.EvtFailedFile
	default:
		return task.EvtCreatedFile
	}
}

type createRequestedTasksBody struct {
	ScheduleNames []string `json:"schedule_names"`
	Priority      int      `json:"priority"`
}

type createRequestedTasksResponse struct {
	IDs []string `json:"ids"`
}

// CreateRequested implements POST /requested-tasks/, used by the
// operator CLI's `request` command.
func (c *HTTPClient) CreateRequested(ctx context.Context, scheduleNames []string, priority int) ([]string, error) {
	body, err := task.JSON.Marshal(createRequestedTasksBody{ScheduleNames: scheduleNames, Priority: priority})
	if err != nil {
		return nil, fmt.Errorf("workerclient: marshal request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/requested-tasks/", body)
	if err != nil {
		return nil, fmt.Errorf("workerclient: create requested tasks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("workerclient: create requested tasks: status %d", resp.StatusCode)
	}
	var out createRequestedTasksResponse
	if err := task.JSON.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("workerclient: decode create response: %w", err)
	}
	return out.IDs, nil
}

// PollOptions describes a worker's advertised capability for the pull
// style GET /requested-tasks/worker poll. CPU/Memory/Disk are expected
// to already be net of in-use resources ("available = advertised -
// sum(labeled)") before calling Poll.
type PollOptions struct {
	CPU       float64
	Memory    int64
	Disk      int64
	Offliners []string
	Queues    []string
	Limit     int
}

type requestedTaskListBody struct {
	Items []task.RequestedTask `json:"items"`
}

// Poll implements GET /requested-tasks/worker: an authenticated
// worker poll returning match-query candidates.
func (c *HTTPClient) Poll(ctx context.Context, opts PollOptions) ([]task.RequestedTask, error) {
	q := url.Values{}
	q.Set("cpu", strconv.FormatFloat(opts.CPU, 'f', -1, 64))
	q.Set("memory", strconv.FormatInt(opts.Memory, 10))
	q.Set("disk", strconv.FormatInt(opts.Disk, 10))
	if len(opts.Offliners) > 0 {
		q.Set("offliners", strings.Join(opts.Offliners, ","))
	}
	if len(opts.Queues) > 0 {
		q.Set("queues", strings.Join(opts.Queues, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	resp, err := c.do(ctx, http.MethodGet, "/requested-tasks/worker?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("workerclient: poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("workerclient: poll: status %d", resp.StatusCode)
	}
	var body requestedTaskListBody
	if err := task.JSON.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("workerclient: decode poll response: %w", err)
	}
	return body.Items, nil
}

// Reserve implements POST /tasks/{requested_id}?worker_name=...:
// 201 with the reserved Task, or an error carrying the dispatcher's 423
// Locked status when another worker won the race. 423 is a normal,
// expected outcome of the matching protocol, not a transient failure, so
// it is never retried here.
func (c *HTTPClient) Reserve(ctx context.Context, requestedID, workerName string) (*task.Task, error) {
	path := "/tasks/" + requestedID + "?worker_name=" + url.QueryEscape(workerName)
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, fmt.Errorf("workerclient: reserve %s: %w", requestedID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusLocked {
		return nil, fmt.Errorf("workerclient: reserve %s: already reserved", requestedID)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("workerclient: reserve %s: status %d", requestedID, resp.StatusCode)
	}
	var t task.Task
	if err := task.JSON.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, fmt.Errorf("workerclient: decode reserved task %s: %w", requestedID, err)
	}
	return &t, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("workerclient: build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}
