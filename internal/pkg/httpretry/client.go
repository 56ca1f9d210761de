// Package httpretry provides retrying HTTP plumbing with exponential
// backoff and jitter for calls to external providers.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/brightsend/campaign-engine/internal/pkg/logger"
)

// Transport is an http.RoundTripper that retries transient failures:
// network errors and 429/5xx responses. Client errors (4xx other than 429)
// pass through untouched, as does the response of the final attempt.
type Transport struct {
	base       http.RoundTripper
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewTransport(base http.RoundTripper, maxRetries int) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Transport{
		base:       base,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
}

// Client wraps a Transport in a ready-to-use http.Client.
func Client(maxRetries int, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: NewTransport(nil, maxRetries),
		Timeout:   timeout,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}

			delay := t.delay(attempt)
			logger.Debug("retrying http request",
				"attempt", attempt, "host", req.URL.Host, "delay_ms", int(delay/time.Millisecond))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := t.base.RoundTrip(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		// Final attempt hands the response back so the caller can read the
		// provider's error body.
		if attempt == t.maxRetries {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// delay is exponential backoff with full jitter, floored so retries never
// busy-loop.
func (t *Transport) delay(attempt int) time.Duration {
	exp := float64(t.baseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(t.maxDelay) {
		exp = float64(t.maxDelay)
	}
	jittered := time.Duration(rand.Float64() * exp)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
