/**
 * HTTP clients for the external collaborators: figure detector, text
 * reader, page renderer.
 *
 * All calls are bounded: a fixed number of attempts with exponential
 * backoff, then a typed EXTERNAL_SERVICE error for the caller to surface.
 */

package clients

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 8 * time.Second
)

// withRetries runs attempt up to maxAttempts times with exponential
// backoff between failures, returning the last error when all fail.
func withRetries(ctx context.Context, maxAttempts int, attempt func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for i := 1; i <= maxAttempts; i++ {
		lastErr = attempt()
		if lastErr == nil {
			return nil
		}
		if i == maxAttempts {
			break
		}

		backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(i-1)))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("context done during retry backoff: %w", ctx.Err())
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

// healthCheck issues GET baseURL/health and expects a 2xx.
func healthCheck(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
