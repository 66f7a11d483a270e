// Package client is the HTTP client for the dispatchd API, used by the
// reference worker, the task CLI and the monitor.
package client

import (
	"bufio"
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

	"github.com/mattjoyce/dispatchd/internal/api"
	"github.com/mattjoyce/dispatchd/internal/dispatch"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/retry"
	"github.com/mattjoyce/dispatchd/internal/router"
)

// Client talks to one dispatchd API endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	policy  retry.Policy
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry replaces the default retry policy.
func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// New returns a client for baseURL authenticating with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		policy:  retry.DefaultPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit creates a task. Only server-reported unavailability is retried; a
// transport failure may have reached the server and is returned as is.
func (c *Client) Submit(ctx context.Context, req api.SubmitTaskRequest) (dispatch.Receipt, error) {
	var out dispatch.Receipt
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &out, req.ID != "")
		return err
	})
	return out, err
}

// Status fetches the caller view of id.
func (c *Client) Status(ctx context.Context, id string) (dispatch.StatusView, error) {
	var out dispatch.StatusView
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &out, true)
		return err
	})
	return out, err
}

// Cancel fails an unfinished task and returns its final view.
func (c *Client) Cancel(ctx context.Context, id, reason string) (dispatch.StatusView, error) {
	path := "/v1/tasks/" + url.PathEscape(id)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	var out dispatch.StatusView
	_, err := c.do(ctx, http.MethodDelete, path, nil, &out, false)
	return out, err
}

// Queues lists broker depth per queue.
func (c *Client) Queues(ctx context.Context) ([]router.QueueDepth, error) {
	var out api.QueuesResponse
	if _, err := c.do(ctx, http.MethodGet, "/v1/queues", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Queues, nil
}

// Lock reports who holds key and who is queued behind it.
func (c *Client) Lock(ctx context.Context, key string) (dispatch.LockView, error) {
	var out dispatch.LockView
	_, err := c.do(ctx, http.MethodGet, "/v1/locks/"+url.PathEscape(key), nil, &out, true)
	return out, err
}

// Health queries /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var out api.HealthzResponse
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, &out, true)
	return out, err
}

// Claim takes the next task from queue. It returns nil when the queue is
// empty. A claim is not retried: a lost response would strand the task
// until its lease expires.
func (c *Client) Claim(ctx context.Context, queue, worker string) (*api.ClaimResponse, error) {
	var out api.ClaimResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/queues/"+url.PathEscape(queue)+"/claim", api.ClaimRequest{Worker: worker}, &out, false)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// Renew extends the lease on a running task.
func (c *Client) Renew(ctx context.Context, id, worker string) (time.Time, error) {
	var out api.LeaseResponse
	_, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/lease", api.LeaseRequest{Worker: worker}, &out, true)
	return out.LeaseExpiresAt, err
}

// Report delivers a task outcome, retrying transient failures. A repeated
// report of an already-finalized task comes back as a permanent error.
func (c *Client) Report(ctx context.Context, id string, rep api.ReportRequest) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/report", rep, nil, true)
		return err
	})
}

// Stream follows GET /events, calling fn for each event after lastID. It
// returns when ctx ends, the server closes the stream, or fn fails.
func (c *Client) Stream(ctx context.Context, lastID int64, fn func(events.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	// The stream outlives any request timeout.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return retry.Unavailable("connect event stream", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return readSSE(resp.Body, fn)
}

// readSSE parses an SSE stream. Comment lines (keep-alives) are ignored and
// multi-line data is joined with newlines.
func readSSE(r io.Reader, fn func(events.Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)

	var (
		ev   events.Event
		data []string
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				ev.Data = json.RawMessage(strings.Join(data, "\n"))
				ev.At = time.Now()
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev, data = events.Event{}, nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				if id, err := strconv.ParseInt(value, 10, 64); err == nil {
					ev.ID = id
				}
			case "event":
				ev.Type = value
			case "data":
				data = append(data, value)
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return retry.Unavailable("read event stream", err)
	}
	return nil
}

// do performs one request. A non-2xx response is decoded into a
// *retry.Error; transport failures are retryable only when retryTransport
// is set.
func (c *Client) do(ctx context.Context, method, path string, body, out any, retryTransport bool) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if retryTransport {
			return 0, retry.Unavailable(method+" "+path, err)
		}
		return 0, retry.Permanent(retry.CodeUnavailable, method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	var e api.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(raw))
		if e.Error == "" {
			e.Error = resp.Status
		}
	}

	code := retry.Code(e.Code)
	if code == "" {
		code = codeForStatus(resp.StatusCode)
	}
	var out *retry.Error
	if code == retry.CodeUnavailable {
		out = retry.Transient(code, e.Error, nil)
	} else {
		out = retry.Permanent(code, e.Error, nil)
	}
	out.Holder = e.Holder
	return out
}

func codeForStatus(status int) retry.Code {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return retry.CodeInvalidArgument
	case http.StatusNotFound:
		return retry.CodeNotFound
	case http.StatusConflict:
		return retry.CodeConflict
	case http.StatusGone:
		return retry.CodeExpired
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return retry.CodeUnavailable
	default:
		return retry.CodeInternal
	}
}
