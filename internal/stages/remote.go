package stages

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

	"github.com/dandantas/quantflow/internal/evaluator"
	"github.com/dandantas/quantflow/internal/model"
	"github.com/dandantas/quantflow/internal/pipeline"
	"github.com/dandantas/quantflow/internal/resilience"
	"github.com/oliveagle/jsonpath"
)

const maxRemoteBody = 4 << 20

// RemoteAuth represents authentication for a remote stage
type RemoteAuth struct {
	Type     string `yaml:"type"` // "basic" | "bearer" | "none"
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`
}

// Validate validates auth configuration
func (a *RemoteAuth) Validate() error {
	a.Type = strings.ToLower(a.Type)
	switch a.Type {
	case "basic":
		if a.Username == "" || a.Password == "" {
			return errors.New("username and password required for basic auth")
		}
	case "bearer":
		if a.Token == "" {
			return errors.New("token required for bearer auth")
		}
	case "none", "":
	default:
		return fmt.Errorf("invalid auth type: %s (must be 'basic', 'bearer', or 'none')", a.Type)
	}
	return nil
}

func (a RemoteAuth) apply(req *http.Request) {
	switch a.Type {
	case "basic":
		req.SetBasicAuth(a.Username, a.Password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
}

// RemoteConfig binds a stage to an HTTP endpoint
type RemoteConfig struct {
	URL        string                   `yaml:"url"`
	ResultPath string                   `yaml:"result_path"`
	Headers    map[string]string        `yaml:"headers"`
	Auth       RemoteAuth               `yaml:"auth"`
	Checks     []evaluator.Check        `yaml:"checks"`
	Retry      resilience.RetryConfig   `yaml:"retry"`
	Breaker    resilience.BreakerConfig `yaml:"-"`
}

// Validate checks the endpoint, auth and response checks
func (c *RemoteConfig) Validate() error {
	if c.URL == "" {
		return errors.New("remote url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("URL must start with http:// or https://")
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}
	for i := range c.Checks {
		if err := c.Checks[i].Validate(); err != nil {
			return fmt.Errorf("check %d: %w", i, err)
		}
	}
	return nil
}

// NewHTTPClient creates an HTTP client with connection pooling
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Remote returns a stage implementation that POSTs the stage input as JSON
// and decodes the value found at ResultPath into the expected output type.
// The response must satisfy every configured check. Unknown fields in the
// extracted value are rejected.
func Remote(name string, produces model.OutputKind, cfg RemoteConfig, client *http.Client) pipeline.Func {
	if cfg.ResultPath == "" {
		cfg.ResultPath = "$"
	}
	retry := resilience.NewRetryStrategy(cfg.Retry)
	breaker := resilience.NewCircuitBreaker(cfg.Breaker)

	return func(ctx context.Context, in *pipeline.Input) (model.StageOutput, error) {
		body, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stage input: %w", err)
		}

		var out model.StageOutput
		err = resilience.Do(ctx, "stage "+name, retry, breaker, func(ctx context.Context) (int, error) {
			status, payload, err := post(ctx, client, cfg, body)
			if err != nil {
				return status, err
			}
			decoded, err := extract(payload, cfg.ResultPath, cfg.Checks, produces)
			if err != nil {
				return status, resilience.Permanent(err)
			}
			out = decoded
			return status, nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func post(ctx context.Context, client *http.Client, cfg RemoteConfig, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	cfg.Auth.apply(req)

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, nil, fmt.Errorf("remote returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, payload, nil
}

// extract pulls the output object out of a response document
func extract(payload []byte, path string, checks []evaluator.Check, produces model.OutputKind) (model.StageOutput, error) {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if err := evaluator.EvaluateAll(doc, checks); err != nil {
		return nil, fmt.Errorf("response rejected: %w", err)
	}

	value := doc
	if path != "$" {
		v, err := jsonpath.JsonPathLookup(doc, path)
		if err != nil {
			return nil, fmt.Errorf("result path %s: %w", path, err)
		}
		value = v
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode result: %w", err)
	}

	out, err := model.NewOutput(produces)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", produces, err)
	}
	return out, nil
}
