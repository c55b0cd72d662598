package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	defaultBaseURL     = "https://openrouter.ai/api/v1"
	defaultCallTimeout = 120 * time.Second
	defaultMaxRetries  = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultTitle       = "consensus"
)

// Client talks to the gateway's chat completions API. It retries rate
// limits with exponential backoff + jitter, enforces a per-call timeout,
// and keeps one circuit breaker per model.
type Client struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	referer     string
	title       string
	callTimeout time.Duration
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
	sleepFn     func(context.Context, time.Duration) // for testing

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*Completion]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithBaseURL overrides the default gateway base URL.
func WithBaseURL(url string) Option {
	return func(cl *Client) {
		cl.baseURL = url
	}
}

// WithAppInfo sets the HTTP-Referer and X-Title attribution headers.
func WithAppInfo(referer, title string) Option {
	return func(cl *Client) {
		cl.referer = referer
		if title != "" {
			cl.title = title
		}
	}
}

// WithCallTimeout sets the per-call deadline. A call that exceeds it fails
// with ErrTimeout and its partial output is discarded.
func WithCallTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.callTimeout = d
		}
	}
}

// WithRetryPolicy sets how rate-limited calls are retried.
func WithRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(cl *Client) {
		cl.maxRetries = maxRetries
		if baseDelay > 0 {
			cl.baseDelay = baseDelay
		}
		if maxDelay > 0 {
			cl.maxDelay = maxDelay
		}
	}
}

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// WithSleepFunc overrides the retry sleep function (for testing).
func WithSleepFunc(fn func(context.Context, time.Duration)) Option {
	return func(cl *Client) {
		cl.sleepFn = fn
	}
}

// defaultSleep is the production sleep function; it respects context cancellation.
func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// NewClient creates a gateway client with the given API key and options.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		// No client-wide timeout: streams are bounded by the per-call deadline.
		httpClient:  &http.Client{},
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		title:       defaultTitle,
		callTimeout: defaultCallTimeout,
		maxRetries:  defaultMaxRetries,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		logger:      slog.Default(),
		sleepFn:     defaultSleep,
		breakers:    make(map[string]*gobreaker.CircuitBreaker[*Completion]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete makes a single non-streaming chat completion request. It is the
// fallback for models that do not support streaming.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*Completion, error) {
	req.Stream = false
	return c.execute(ctx, req.Model, func(ctx context.Context) (*Completion, error) {
		return c.doComplete(ctx, req)
	})
}

// execute runs fn through the model's circuit breaker and the rate-limit
// retry loop.
func (c *Client) execute(ctx context.Context, model string, fn func(context.Context) (*Completion, error)) (*Completion, error) {
	cb := c.getOrCreateBreaker(model)

	resp, err := cb.Execute(func() (*Completion, error) {
		return c.withRetry(ctx, model, fn)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, &ClassifiedError{
				Type:    ErrProviderOverloaded,
				Message: fmt.Sprintf("circuit breaker open for model %s", model),
			}
		}
		if errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ClassifiedError{
				Type:    ErrProviderOverloaded,
				Message: fmt.Sprintf("circuit breaker half-open, too many trial requests for model %s", model),
			}
		}
		return nil, err
	}
	return resp, nil
}

// withRetry repeats fn while it fails with a retryable classified error.
func (c *Client) withRetry(ctx context.Context, model string, fn func(context.Context) (*Completion, error)) (*Completion, error) {
	for attempt := 0; ; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}

		classified, ok := err.(*ClassifiedError)
		if !ok {
			// Cancellation or a caller abort.
			return nil, err
		}

		if !classified.Retryable() || attempt >= c.maxRetries {
			return nil, classified
		}

		delay := c.retryDelay(classified, attempt)

		c.logger.Warn("retrying gateway request",
			"model", model,
			"error_type", classified.Type.String(),
			"attempt", attempt+1,
			"delay", delay,
		)

		c.sleepFn(ctx, delay)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// newRequest builds an authenticated request against the gateway.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}
	return req, nil
}

// doComplete performs a single non-streaming HTTP request.
func (c *Client) doComplete(ctx context.Context, req ChatRequest) (*Completion, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	httpReq, err := c.newRequest(callCtx, http.MethodPost, "/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(ctx, callCtx, err)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, &ClassifiedError{
			Type:    ErrMalformedResponse,
			Message: fmt.Sprintf("parse response JSON: %v", err),
		}
	}

	if len(chatResp.Choices) == 0 {
		return nil, &ClassifiedError{
			Type:    ErrMalformedResponse,
			Message: "response contains no choices",
		}
	}

	model := chatResp.Model
	if model == "" {
		model = req.Model
	}
	return &Completion{
		Model:        model,
		Text:         chatResp.Choices[0].Message.Content,
		FinishReason: chatResp.Choices[0].FinishReason,
		Usage:        chatResp.Usage,
	}, nil
}

// transportError converts a network error into caller cancellation, a
// per-call timeout, or a hard failure.
func (c *Client) transportError(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return &ClassifiedError{
			Type:    ErrTimeout,
			Message: fmt.Sprintf("call exceeded %s", c.callTimeout),
		}
	}
	return &ClassifiedError{
		Type:    ErrStreamInterrupted,
		Message: err.Error(),
	}
}

// retryDelay calculates the delay before the next retry attempt.
// Uses exponential backoff + jitter and respects Retry-After.
func (c *Client) retryDelay(err *ClassifiedError, attempt int) time.Duration {
	if err.RetryAfter > 0 {
		d := err.RetryAfter
		if d > c.maxDelay {
			d = c.maxDelay
		}
		return jitter(d)
	}

	base := c.baseDelay * time.Duration(1<<uint(attempt))
	if base > c.maxDelay || base <= 0 {
		base = c.maxDelay
	}
	return jitter(base)
}

// jitter applies random jitter: delay * (0.5 + rand.Float64()).
func jitter(d time.Duration) time.Duration {
	factor := 0.5 + rand.Float64() // [0.5, 1.5)
	return time.Duration(float64(d) * factor)
}

// getOrCreateBreaker returns the circuit breaker for the given model,
// creating one if it doesn't exist.
func (c *Client) getOrCreateBreaker(model string) *gobreaker.CircuitBreaker[*Completion] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[model]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[*Completion](gobreaker.Settings{
		Name:        "gateway-" + model,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: isBreakerSuccess,
	})

	c.breakers[model] = cb
	return cb
}

// BreakerState reports the current breaker state for a model.
func (c *Client) BreakerState(model string) gobreaker.State {
	return c.getOrCreateBreaker(model).State()
}

// isBreakerSuccess decides which errors count against a model's breaker.
// Client-side problems and caller aborts are not provider failures.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ae *abortError
	if errors.As(err, &ae) {
		return true
	}
	classified, ok := err.(*ClassifiedError)
	if !ok {
		return false
	}
	switch classified.Type {
	case ErrAuth, ErrContentFiltered, ErrContextTooLong:
		return true
	default:
		return false
	}
}
