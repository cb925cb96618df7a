package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

const maxErrorBody = 512

// classifyTransportError maps a failed HTTP round trip onto the domain taxonomy.
// Caller cancellation is returned unchanged so it is never retried.
func classifyTransportError(ctx context.Context, service string, err error) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %v", service, domain.ErrTimeout, err)
	}
	return &domain.UpstreamError{Service: service, Err: err}
}

// checkResponse turns non-2xx responses into UpstreamError carrying a body excerpt.
func checkResponse(service string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &domain.UpstreamError{
		Service:    service,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%s", string(body)),
	}
}

// retryable reports whether a failed call should be attempted again. Client
// errors other than 408 and 429 are permanent.
func retryable(err error) bool {
	var up *domain.UpstreamError
	if errors.As(err, &up) && up.StatusCode >= 400 && up.StatusCode < 500 &&
		up.StatusCode != http.StatusRequestTimeout && up.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return domain.IsRetryable(err)
}

// withRetry calls fn up to attempts times with a fixed backoff between retryable failures.
func withRetry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func() (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return zero, lastErr
}
