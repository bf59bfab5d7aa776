// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package httpx provides the HTTP client side of the harness: a client
// tuned for issuing real network calls against a freshly booted hosted
// process, with request retries and an optional circuit breaker.
package httpx

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type clientOptions struct {
	timeout    time.Duration
	transport  http.RoundTripper
	logger     *zap.Logger
	waitMin    time.Duration
	waitMax    time.Duration
	maxRetries int
	breaker    *breakerOptions
}

// ClientOption configures the client returned by [NewClient].
type ClientOption func(*clientOptions)

// Timeout bounds every request issued through the client.
func Timeout(d time.Duration) ClientOption {
	return func(co *clientOptions) {
		co.timeout = d
	}
}

// Transport sets the base [http.RoundTripper].
func Transport(rt http.RoundTripper) ClientOption {
	return func(co *clientOptions) {
		co.transport = rt
	}
}

// Logger sets the logger used for retry and breaker state logging.
func Logger(logger *zap.Logger) ClientOption {
	return func(co *clientOptions) {
		co.logger = logger
	}
}

// MinWait sets the minimum back off between retry attempts.
//
// Default: 10ms, tuned for in-process servers rather than remote APIs.
func MinWait(d time.Duration) ClientOption {
	return func(co *clientOptions) {
		co.waitMin = d
	}
}

// MaxWait sets the maximum back off between retry attempts.
//
// Default: 250ms.
func MaxWait(d time.Duration) ClientOption {
	return func(co *clientOptions) {
		co.waitMax = d
	}
}

// MaxRetries caps retry attempts per request.
//
// Default: 5.
func MaxRetries(n int) ClientOption {
	return func(co *clientOptions) {
		co.maxRetries = n
	}
}

type breakerOptions struct {
	name      string
	tripCount uint32
	timeout   time.Duration
}

// BreakerOption configures the circuit breaker installed by [Breaker].
type BreakerOption func(*breakerOptions)

// BreakerName names the breaker in logs.
func BreakerName(name string) BreakerOption {
	return func(bo *breakerOptions) {
		bo.name = name
	}
}

// BreakerTripCount sets how many consecutive failures open the circuit.
//
// Default: 5.
func BreakerTripCount(n uint32) BreakerOption {
	return func(bo *breakerOptions) {
		bo.tripCount = n
	}
}

// BreakerTimeout sets how long the circuit stays open before probing.
//
// Default: 1s.
func BreakerTimeout(d time.Duration) BreakerOption {
	return func(bo *breakerOptions) {
		bo.timeout = d
	}
}

// Breaker wraps the client's transport in a circuit breaker so a wedged
// hosted process fails calls fast instead of eating the full retry
// budget on every request.
func Breaker(opts ...BreakerOption) ClientOption {
	return func(co *clientOptions) {
		bo := &breakerOptions{
			name:      "harness",
			tripCount: 5,
			timeout:   time.Second,
		}
		for _, opt := range opts {
			opt(bo)
		}
		co.breaker = bo
	}
}

// NewClient returns an [http.Client] for driving a hosted process over
// real network connections. Connection failures are retried with back
// off, which absorbs the window between a listener being bound and the
// accept loop running.
func NewClient(opts ...ClientOption) *http.Client {
	co := &clientOptions{
		transport:  http.DefaultTransport,
		logger:     zap.NewNop(),
		waitMin:    10 * time.Millisecond,
		waitMax:    250 * time.Millisecond,
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(co)
	}

	transport := co.transport
	if co.breaker != nil {
		transport = newBreakerRoundTripper(transport, co.breaker, co.logger)
	}

	log := co.logger
	rc := retryablehttp.Client{
		HTTPClient: &http.Client{
			Timeout:   co.timeout,
			Transport: transport,
		},
		Logger:       nil,
		RetryWaitMin: co.waitMin,
		RetryWaitMax: co.waitMax,
		RetryMax:     co.maxRetries,
		RequestLogHook: func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt == 0 {
				return
			}
			log.Debug("retrying http request",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt),
			)
		},
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return rc.StandardClient()
}

type breakerRoundTripper struct {
	base http.RoundTripper
	cb   *gobreaker.CircuitBreaker
}

func newBreakerRoundTripper(base http.RoundTripper, bo *breakerOptions, logger *zap.Logger) *breakerRoundTripper {
	log := logger.Named(bo.name)
	return &breakerRoundTripper{
		base: base,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        bo.name,
			MaxRequests: 1,
			Timeout:     bo.timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= bo.tripCount
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

func (rt *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	v, err := rt.cb.Execute(func() (any, error) {
		return rt.base.RoundTrip(req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*http.Response), nil
}

// WaitReady polls baseURL with client until any HTTP response comes
// back, or ctx expires. The status code does not matter; a response
// proves the process is accepting connections.
func WaitReady(ctx context.Context, client *http.Client, baseURL string) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("httpx: process never became ready: %w", ctx.Err())
		case <-tick.C:
		}
	}
}
