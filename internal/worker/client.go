// Package worker runs splat jobs claimed from the queue server: it claims,
// downloads the input video, drives the reconstruction pipeline and reports
// progress and results back over the worker protocol.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/jonathan/splat-queue/internal/db"
	"github.com/jonathan/splat-queue/internal/types"
)

// Sentinel errors surfaced by the client. Both are permanent.
var (
	ErrIllegalTransition = errors.New("illegal job transition")
	ErrJobNotFound       = errors.New("job not found")
)

// Request timeouts, per attempt.
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultTransferTimeout = 5 * time.Minute
	DefaultMaxTries        = 5
)

// StatusError is a non-2xx answer from the queue server.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error // sentinel for 404 and 409, nil otherwise
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Client speaks the worker protocol of the queue server.
type Client struct {
	baseURL         string
	apiKey          string
	http            *http.Client
	transferTimeout time.Duration
	maxTries        uint
	newBackOff      func() backoff.BackOff
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets the attempt limit and the first retry delay.
func WithRetry(maxTries uint, initial time.Duration) ClientOption {
	return func(c *Client) {
		c.maxTries = maxTries
		c.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = 30 * initial
			b.Reset()
			return b
		}
	}
}

// NewClient creates a client for the queue server at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		http:            &http.Client{},
		transferTimeout: DefaultTransferTimeout,
		maxTries:        DefaultMaxTries,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Claim asks for the oldest queued job. It returns nil when the queue is
// empty. Claim is attempted once; the caller's poll loop provides the retry.
func (c *Client) Claim(ctx context.Context) (*db.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	var resp types.ClaimResponse
	if err := c.do(ctx, "claim job", http.MethodPost, "/api/v1/worker/claim", nil, "", &resp); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Unwrap()
		}
		return nil, err
	}
	return resp.Job, nil
}

// DownloadVideo writes the job's input video to dst and returns its size.
func (c *Client) DownloadVideo(ctx context.Context, jobID uuid.UUID, dst string) (int64, error) {
	op := func() (int64, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.transferTimeout)
		defer cancel()

		req, err := c.newRequest(attemptCtx, http.MethodGet, c.jobPath(jobID, "video"), nil, "")
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return 0, fmt.Errorf("failed to download video: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if err := checkStatus("download video", resp); err != nil {
			return 0, err
		}

		f, err := os.Create(dst)
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("failed to create %s: %w", dst, err))
		}
		n, copyErr := io.Copy(f, resp.Body)
		closeErr := f.Close()
		if copyErr != nil {
			return 0, fmt.Errorf("failed to download video: %w", copyErr)
		}
		if closeErr != nil {
			return 0, backoff.Permanent(fmt.Errorf("failed to write %s: %w", dst, closeErr))
		}
		return n, nil
	}
	return retryValue(ctx, c, op)
}

// UpdateStatus reports progress. Repeating a report is harmless, so failed
// attempts are retried.
func (c *Client) UpdateStatus(ctx context.Context, jobID uuid.UUID, update types.StatusUpdateRequest) (*db.Job, error) {
	body, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("failed to encode status update: %w", err)
	}

	op := func() (*db.Job, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()

		var job db.Job
		if err := c.do(attemptCtx, "update status", http.MethodPut, c.jobPath(jobID, "status"),
			bytes.NewReader(body), "application/json", &job); err != nil {
			return nil, err
		}
		return &job, nil
	}
	return retryValue(ctx, c, op)
}

// UploadResult sends the result file and finalizes the job. The server keeps
// the first result, so a retried upload cannot replace it.
func (c *Client) UploadResult(ctx context.Context, jobID uuid.UUID, path string) (*types.ResultResponse, error) {
	op := func() (*types.ResultResponse, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to open result: %w", err))
		}
		defer func() { _ = f.Close() }()

		attemptCtx, cancel := context.WithTimeout(ctx, c.transferTimeout)
		defer cancel()

		var out types.ResultResponse
		if err := c.do(attemptCtx, "upload result", http.MethodPut, c.jobPath(jobID, "result"),
			f, "application/octet-stream", &out); err != nil {
			return nil, err
		}
		return &out, nil
	}
	return retryValue(ctx, c, op)
}

func retryValue[T any](ctx context.Context, c *Client, op backoff.Operation[T]) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
}

func (c *Client) jobPath(jobID uuid.UUID, suffix string) string {
	return "/api/v1/worker/jobs/" + jobID.String() + "/" + suffix
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// do runs one request and decodes a JSON answer into out. Errors that
// retrying cannot fix are wrapped with backoff.Permanent.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// checkStatus turns a non-2xx response into a StatusError. 4xx answers are
// permanent except 429; 5xx answers are retried.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	switch {
	case resp.StatusCode == http.StatusConflict:
		statusErr.Err = ErrIllegalTransition
	case resp.StatusCode == http.StatusNotFound:
		statusErr.Err = ErrJobNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return statusErr
	}
	if resp.StatusCode < 500 {
		return backoff.Permanent(statusErr)
	}
	return statusErr
}

func errorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
