// Package callback delivers notifications to participant callback endpoints.
package callback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/switch-adapter/internal/fault"
	"github.com/example/switch-adapter/internal/metrics"
	"github.com/example/switch-adapter/internal/util"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 16 * 1024
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option customises the behaviour of the callback client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout bounds every delivery.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBodyLimit adjusts how many bytes are retained from the response body.
func WithBodyLimit(limit int64) Option {
	return func(c *Client) {
		if limit > 0 {
			c.maxBodyBytes = limit
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = metrics.OrNop(m)
	}
}

// Request is a single outbound callback.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	// Action labels the delivery in metrics and logs.
	Action string
}

// Response summarises what the participant answered.
type Response struct {
	StatusCode int
	Body       string
}

// Client performs callback deliveries with a per-call timeout.
type Client struct {
	logger       zerolog.Logger
	httpClient   HTTPClient
	timeout      time.Duration
	maxBodyBytes int64
	metrics      metrics.Recorder
}

// New constructs a callback client.
func New(logger zerolog.Logger, opts ...Option) *Client {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	c := &Client{
		logger:       logger,
		timeout:      defaultTimeout,
		maxBodyBytes: defaultMaxBodyBytes,
		metrics:      metrics.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return c
}

// Deliver sends req and succeeds only on a 2xx answer. An unusable URL is a
// permanent failure; transport errors and non-2xx answers are transient.
func (c *Client) Deliver(ctx context.Context, req Request) (Response, error) {
	target, err := util.ValidateHTTPURL(req.URL)
	if err != nil {
		c.metrics.CallbackDelivered(req.Action, false)
		return Response{}, fault.WrapPermanent(fmt.Errorf("%w: callback: %w", fault.ErrDelivery, err))
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		return Response{}, fault.WrapPermanent(fmt.Errorf("%w: callback: method is required", fault.ErrDelivery))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{}, fault.WrapPermanent(fmt.Errorf("%w: callback: new request: %w", fault.ErrDelivery, err))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	timer := c.metrics.CallbackDuration(req.Action)
	resp, err := c.httpClient.Do(httpReq)
	timer.ObserveDuration()
	if err != nil {
		c.metrics.CallbackDelivered(req.Action, false)
		return Response{}, fault.WrapTransient(fmt.Errorf("%w: callback: %s %s: %w", fault.ErrDelivery, method, target, err))
	}
	defer resp.Body.Close()

	respBody, readErr := c.readBody(resp.Body)
	out := Response{StatusCode: resp.StatusCode, Body: respBody}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.CallbackDelivered(req.Action, false)
		message := strings.TrimSpace(respBody)
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return out, fault.WrapTransient(fmt.Errorf("%w: callback: %s %s: http %d: %s", fault.ErrDelivery, method, target, resp.StatusCode, message))
	}

	c.metrics.CallbackDelivered(req.Action, true)
	if readErr != nil {
		c.logger.Debug().Err(readErr).Str("url", target).Msg("callback response body unreadable")
	}
	return out, nil
}

func (c *Client) readBody(rc io.ReadCloser) (string, error) {
	if rc == nil {
		return "", nil
	}
	data, err := io.ReadAll(io.LimitReader(rc, c.maxBodyBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return string(data), fmt.Errorf("callback: read body: %w", err)
	}
	return string(data), nil
}
