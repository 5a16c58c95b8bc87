// Package exchange
package exchange

import (
	"context"
	"fmt"
	"net/url"
)

// Client is the authenticated brokerage transport. Every call returns the
// decoded JSON envelope of the response.
type Client interface {
	Get(ctx context.Context, path string, query url.Values) (map[string]any, error)
	Post(ctx context.Context, path string, form url.Values) (map[string]any, error)
	Put(ctx context.Context, path string, form url.Values) (map[string]any, error)
	Delete(ctx context.Context, path string) (map[string]any, error)
}

// HTTPError is returned for every non-2xx brokerage response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	ErrorType  string
	Message    string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s: %s", e.Method, e.Path, e.StatusCode, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
