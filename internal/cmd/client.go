package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/3leaps/snapvault/internal/errors"
	"github.com/3leaps/snapvault/internal/server/handlers"
	"github.com/3leaps/snapvault/pkg/jobstate"
	"github.com/3leaps/snapvault/pkg/task"
)

const defaultServerURL = "http://localhost:8080"

// apiClient talks to the /api/v1 routes of a running server.
type apiClient struct {
	base  string
	owner string
	http  *http.Client
}

func newAPIClient(base, owner string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/") + "/api/v1",
		owner: owner,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// RunJob submits a verification job and returns the task UPID.
func (c *apiClient) RunJob(ctx context.Context, jobID string) (string, error) {
	var resp handlers.RunResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/verify/"+url.PathEscape(jobID)+"/run", &resp); err != nil {
		return "", err
	}
	return resp.UPID, nil
}

// TaskStatus returns the task state without its log.
func (c *apiClient) TaskStatus(ctx context.Context, upid string) (task.Status, error) {
	var st task.Status
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(upid), &st)
	return st, err
}

// AbortTask requests an abort of a running task.
func (c *apiClient) AbortTask(ctx context.Context, upid string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(upid)+"/abort", nil)
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.owner != "" {
		req.Header.Set(handlers.OwnerHeader, c.owner)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return remoteError(resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// remoteError maps an error envelope back onto the local sentinels so exit
// codes match in-process runs.
func remoteError(status int, body []byte) error {
	var env apperrors.HTTPErrorResponse
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch status {
	case http.StatusConflict:
		return fmt.Errorf("server: %s: %w", msg, jobstate.ErrAlreadyRunning)
	case http.StatusNotFound:
		return &errExit{code: ExitNotFound, msg: "server: " + msg}
	case http.StatusServiceUnavailable:
		return &errExit{code: ExitUnavailable, msg: "server: " + msg}
	default:
		return fmt.Errorf("server returned %d: %s", status, msg)
	}
}
