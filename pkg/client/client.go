// Package client is a polling client for the quantflow HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dandantas/quantflow/internal/model"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval = 1500 * time.Millisecond
	DefaultMaxPolls     = 400
	DefaultMaxWait      = 10 * time.Minute
)

var (
	// ErrPollLimit is returned when Wait gives up before the job finished
	ErrPollLimit = errors.New("job did not finish before the poll limit")
)

// ErrorBody is the JSON error document returned by the server
type ErrorBody struct {
	Error   string             `json:"error"`
	Message string             `json:"message,omitempty"`
	Fields  []model.FieldError `json:"fields,omitempty"`
}

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Body       ErrorBody
}

func (e *APIError) Error() string {
	msg := e.Body.Message
	if msg == "" {
		msg = e.Body.Error
	}
	if len(e.Body.Fields) > 0 {
		parts := make([]string, 0, len(e.Body.Fields))
		for _, f := range e.Body.Fields {
			parts = append(parts, f.Field+": "+f.Message)
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, msg)
}

// Config holds client settings
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
	MaxPolls     int
	MaxWait      time.Duration
	Headers      map[string]string
}

// Client talks to the quantflow API
type Client struct {
	http         *resty.Client
	pollInterval time.Duration
	maxPolls     int
	maxWait      time.Duration
}

// New creates a new client
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = DefaultMaxPolls
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeaders(cfg.Headers)

	return &Client{
		http:         rc,
		pollInterval: cfg.PollInterval,
		maxPolls:     cfg.MaxPolls,
		maxWait:      cfg.MaxWait,
	}
}

// SubmitResult is the answer to a workflow submission
type SubmitResult struct {
	JobID  string          `json:"jobId"`
	Status model.JobStatus `json:"status"`
}

// BacktestResult is the answer to a backtest request. Either Backtest is set
// (served from cache) or JobID names the job computing it.
type BacktestResult struct {
	Success  bool                  `json:"success"`
	Backtest *model.BacktestResult `json:"backtest,omitempty"`
	Cached   bool                  `json:"cached,omitempty"`
	JobID    string                `json:"jobId,omitempty"`
}

// Submit posts a requirement and returns the new job id
func (c *Client) Submit(ctx context.Context, req model.Requirement) (string, error) {
	var out SubmitResult
	if err := c.do(ctx, http.MethodPost, "/workflow", req, &out, http.StatusAccepted); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Status fetches the current job snapshot
func (c *Client) Status(ctx context.Context, jobID string) (model.JobView, error) {
	var view model.JobView
	err := c.do(ctx, http.MethodGet, "/workflow/"+jobID, nil, &view, http.StatusOK)
	return view, err
}

// Cancel requests cancellation and reports whether it was recorded
func (c *Client) Cancel(ctx context.Context, jobID string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/workflow/"+jobID+"/cancel", nil, &out, http.StatusOK)
	return out.Cancelled, err
}

// Backtest starts a backtest of a stored strategy
func (c *Client) Backtest(ctx context.Context, strategyID string, params model.BacktestParams) (BacktestResult, error) {
	body := map[string]any{"strategyId": strategyID, "params": params}
	var out BacktestResult
	err := c.do(ctx, http.MethodPost, "/backtest", body, &out, http.StatusOK, http.StatusAccepted)
	return out, err
}

// Wait polls the job at a fixed interval until it reaches a terminal status.
// It gives up with ErrPollLimit after MaxPolls reads or MaxWait elapsed.
// onUpdate, when non-nil, sees every snapshot.
func (c *Client) Wait(parent context.Context, jobID string, onUpdate func(model.JobView)) (model.JobView, error) {
	ctx, cancel := context.WithTimeout(parent, c.maxWait)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	var last model.JobView
	for polls := 0; polls < c.maxPolls; polls++ {
		if err := limiter.Wait(ctx); err != nil {
			if parent.Err() != nil {
				return last, parent.Err()
			}
			return last, fmt.Errorf("%w: waited %s", ErrPollLimit, c.maxWait)
		}

		view, err := c.Status(ctx, jobID)
		if err != nil {
			if parent.Err() == nil && ctx.Err() != nil {
				return last, fmt.Errorf("%w: waited %s", ErrPollLimit, c.maxWait)
			}
			return last, err
		}
		last = view
		if onUpdate != nil {
			onUpdate(view)
		}
		if view.Status.IsTerminal() {
			return view, nil
		}
	}
	return last, fmt.Errorf("%w: %d polls", ErrPollLimit, c.maxPolls)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any, expected ...int) error {
	var apiErr ErrorBody
	req := c.http.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	for _, code := range expected {
		if resp.StatusCode() == code {
			return nil
		}
	}
	if apiErr.Error == "" {
		apiErr.Message = strings.TrimSpace(resp.String())
	}
	return &APIError{StatusCode: resp.StatusCode(), Body: apiErr}
}
