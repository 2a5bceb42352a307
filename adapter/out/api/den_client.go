// Package api is the HTTP client for the hackathon project API.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"hackerden/core/domain"
	"hackerden/core/port/out"
	"hackerden/pkg/apperr"
	"hackerden/pkg/httputil"
	"hackerden/pkg/response"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Config configures a Client.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client        // default: httputil.NewClient
	Credentials out.CredentialStore // optional bearer token source
	Logger      zerolog.Logger

	// Transport fuse: trips after this many consecutive transport or 5xx
	// failures and stays open for FuseTimeout.
	FuseFailures uint32        // default: 10
	FuseTimeout  time.Duration // default: 30s
}

// =============================================================================
// Client
// =============================================================================

// Client implements out.TaskAPI and out.ProjectAPI. It performs single
// attempts; retry and the user-facing breaker live in resilience.Executor.
// The gobreaker fuse only stops hammering a host that is plainly down.
type Client struct {
	baseURL string
	http    *http.Client
	creds   out.CredentialStore
	fuse    *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

var (
	_ out.TaskAPI    = (*Client)(nil)
	_ out.ProjectAPI = (*Client)(nil)
)

// NewClient creates an API client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperr.ConfigError(fmt.Sprintf("invalid api url %q", cfg.BaseURL))
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httputil.NewClient(httputil.DefaultClientConfig())
	}
	if cfg.FuseFailures == 0 {
		cfg.FuseFailures = 10
	}
	if cfg.FuseTimeout <= 0 {
		cfg.FuseTimeout = 30 * time.Second
	}

	log := cfg.Logger.With().Str("component", "api_client").Str("host", base.Host).Logger()

	fuseFailures := cfg.FuseFailures
	fuse := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "api:" + base.Host,
		MaxRequests: 1,
		Timeout:     cfg.FuseTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= fuseFailures
		},
		IsSuccessful: countsAsHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("api fuse state changed")
		},
	})

	return &Client{
		baseURL: base.String(),
		http:    cfg.HTTPClient,
		creds:   cfg.Credentials,
		fuse:    fuse,
		log:     log,
	}, nil
}

// FuseState reports the transport fuse state.
func (c *Client) FuseState() string {
	return c.fuse.State().String()
}

// countsAsHealthy keeps client errors and caller cancellation from
// tripping the fuse; the host answered, or we stopped asking.
func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	if appErr, ok := apperr.AsAppError(err); ok {
		return appErr.Status >= 400 && appErr.Status < 500 && appErr.Status != http.StatusRequestTimeout
	}
	return false
}

// =============================================================================
// Tasks
// =============================================================================

func (c *Client) ListTasks(ctx context.Context, projectID string) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/tasks", nil, &tasks)
	return tasks, err
}

// GetTasks fetches several tasks in one request. Unknown ids are absent
// from the result.
func (c *Client) GetTasks(ctx context.Context, ids []string) ([]*domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{"ids": {strings.Join(ids, ",")}}
	var tasks []*domain.Task
	err := c.do(ctx, http.MethodGet, "/tasks?"+q.Encode(), nil, &tasks)
	return tasks, err
}

func (c *Client) CreateTask(ctx context.Context, projectID string, input domain.TaskInput) (*domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/tasks", input, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch) (*domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), patch, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) MoveTask(ctx context.Context, move domain.TaskMove) (*domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(move.TaskID)+"/move", move, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(taskID), nil, nil)
}

// =============================================================================
// Projects
// =============================================================================

func (c *Client) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	var project domain.Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

func (c *Client) UpdateProject(ctx context.Context, projectID string, patch domain.ProjectPatch) (*domain.Project, error) {
	var project domain.Project
	if err := c.do(ctx, http.MethodPatch, "/projects/"+url.PathEscape(projectID), patch, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

func (c *Client) LogPivot(ctx context.Context, projectID string, input domain.PivotInput) (*domain.Pivot, error) {
	var pivot domain.Pivot
	if err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/pivots", input, &pivot); err != nil {
		return nil, err
	}
	return &pivot, nil
}

// =============================================================================
// Transport
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	_, err := c.fuse.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, body, dest)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.CircuitOpen(c.fuse.Name())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Internal(fmt.Sprintf("encode request: %v", err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		if token, ok := c.creds.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apperr.Network(err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api call")

	if resp.StatusCode >= http.StatusBadRequest {
		return c.statusError(resp)
	}

	if dest == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	info, err := response.Decode(resp.Body, dest)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternalError, "malformed response", resp.StatusCode)
	}
	if info != nil {
		return apperr.New(info.Code, info.Message, resp.StatusCode)
	}
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	info, _ := response.Decode(io.LimitReader(resp.Body, maxErrorBody), nil)

	message := ""
	if info != nil {
		message = info.Message
	}
	appErr := apperr.FromStatus(resp.StatusCode, message)
	if info != nil && info.Code != "" {
		appErr = appErr.WithDetail("server_code", info.Code)
	}
	if id := resp.Request.Header.Get(httputil.RequestIDHeader); id != "" {
		appErr = appErr.WithDetail("request_id", id)
	}
	return appErr
}
