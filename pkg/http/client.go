// Package http provides the resilient client the live broker binding
// talks through: bounded retries, a circuit breaker, request signing,
// and OTel instrumentation.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"order_pipeline/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError carries a non-2xx response back to the caller with the body
// intact so broker reject reasons survive the transport.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer mutates an outbound request with auth material.
type Signer interface {
	SignRequest(req *http.Request) error
}

// Client wraps http.Client with the failsafe pipeline.
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new HTTP client with default resilience policies.
// Transport-level retries cover only connection errors and 429; 5xx
// passes through so the caller's own retry ladder governs attempt counts.
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		Build()

	// Open circuit on sustained 5xx so a dead broker fails fast
	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	meter := telemetry.GetMeter("http-client")
	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		signer:      signer,
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		tracer:      telemetry.GetTracer("http-client"),
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// newRequest builds a request against the base URL, encoding params
// into the query string and marshalling body (when non-nil) as JSON.
func (c *Client) newRequest(ctx context.Context, method, path string, params map[string]string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	return req, nil
}

func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, path, params, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) routeAttrs(req *http.Request) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(req.Context(), fmt.Sprintf("%s %s", req.Method, req.URL.Path),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	// Each attempt gets a fresh clone; GetBody rewinds bodied requests
	// so a retried POST does not resend a drained reader.
	resp, err := c.pipeline.GetWithExecution(func(_ failsafe.Execution[*http.Response]) (*http.Response, error) {
		attempt := req.Clone(ctx)
		if req.GetBody != nil {
			rewound, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, bodyErr
			}
			attempt.Body = rewound
		}
		return c.client.Do(attempt)
	})

	c.reqCounter.Add(ctx, 1, c.routeAttrs(req))
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), c.routeAttrs(req))

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, c.routeAttrs(req))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, c.routeAttrs(req))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
