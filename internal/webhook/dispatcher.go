package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dandantas/quantflow/internal/metrics"
	"github.com/dandantas/quantflow/internal/model"
	"github.com/dandantas/quantflow/internal/resilience"
)

// Config configures job notifications
type Config struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Breaker resilience.BreakerConfig
}

// Dispatcher posts job summaries to a webhook with retry logic
type Dispatcher struct {
	cfg            Config
	httpClient     *http.Client
	retryStrategy  *resilience.RetryStrategy
	circuitBreaker *resilience.CircuitBreaker
	metrics        *metrics.Metrics

	wg sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(cfg Config, m *metrics.Metrics) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retryStrategy:  resilience.NewRetryStrategy(cfg.Retry),
		circuitBreaker: resilience.NewCircuitBreaker(cfg.Breaker),
		metrics:        m,
	}
}

// JobFinished delivers the job summary in the background
func (d *Dispatcher) JobFinished(job *model.Job) {
	payload := FormatJobPayload(job)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		budget := d.cfg.Timeout * time.Duration(d.retryStrategy.MaxAttempts()+1)
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		_ = d.Send(ctx, payload)
	}()
}

// Send posts a payload, retrying transient failures
func (d *Dispatcher) Send(ctx context.Context, payload JobPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	err = resilience.Do(ctx, "webhook", d.retryStrategy, d.circuitBreaker, func(ctx context.Context) (int, error) {
		return d.deliver(ctx, body)
	})

	result := "delivered"
	if err != nil {
		result = "failed"
		slog.Error("Webhook delivery failed",
			"job_id", payload.JobID,
			"correlation_id", payload.CorrelationID,
			"webhook_url", d.cfg.URL,
			"circuit_state", d.circuitBreaker.StateName(),
			"error", err,
		)
	} else {
		slog.Info("Webhook delivered",
			"job_id", payload.JobID,
			"correlation_id", payload.CorrelationID,
			"status", payload.Status,
		)
	}
	if d.metrics != nil {
		d.metrics.Webhooks.WithLabelValues(result).Inc()
	}
	return err
}

// deliver performs a single delivery attempt
func (d *Dispatcher) deliver(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range d.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain a little of the body so the connection can be reused
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)); err != nil {
		slog.Warn("Failed to read webhook response body", "error", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// CircuitBreakerState returns the current circuit breaker state
func (d *Dispatcher) CircuitBreakerState() string {
	return d.circuitBreaker.StateName()
}

// Wait blocks until in-flight deliveries finish or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
