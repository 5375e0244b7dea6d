// Package provider implements the external context sources used by the
// context gatherer: weather, geocoding and traffic.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashureev/itinera/internal/retry"
	"github.com/bytedance/sonic"
)

const (
	defaultTimeout = 8 * time.Second
	maxBodyBytes   = 1 << 20
	userAgent      = "itinera/1.0"
)

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Service, e.Code, e.Body)
}

func newClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// getJSON performs a GET and decodes the JSON body into out. Client errors
// (4xx other than 429) are marked permanent so callers stop retrying.
func getJSON(ctx context.Context, client *http.Client, service, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create %s request: %w", service, err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", service, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Service: service, Code: resp.StatusCode, Body: truncate(string(body), 200)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(serr)
		}
		return serr
	}

	if err := sonic.Unmarshal(body, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s response: %w", service, err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
