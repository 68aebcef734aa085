package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrModelNotConfigured means the model name is absent from the catalog.
	ErrModelNotConfigured = errors.New("model not configured")
	// ErrProviderNotConfigured means a model references a missing provider.
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrUnsupportedProvider means the caller cannot hold a credential for the
	// provider.
	ErrUnsupportedProvider = errors.New("provider not supported")
)

// Request is one upstream call. Body is forwarded verbatim to BaseURL+Path.
type Request struct {
	Provider   string
	Model      string
	Method     string
	Path       string
	BaseURL    string
	APIVersion string
	Credential string
	Body       []byte
}

// Response is a non-failing upstream reply (status below 400).
type Response struct {
	Status int
	Body   []byte
}

// DispatchError describes one failed upstream attempt: either a transport
// error (Err set, Status 0) or an HTTP status of 400 or above.
type DispatchError struct {
	Provider string
	Model    string
	Status   int
	Body     []byte
	Err      error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request to %s (%s) failed: %v", e.Provider, e.Model, e.Err)
	}
	return fmt.Sprintf("request to %s (%s) failed with status %d: %s", e.Provider, e.Model, e.Status, truncate(e.Body, 512))
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Attempt records the outcome of one primary or fallback dispatch.
type Attempt struct {
	Model    string
	Provider string
	Duration time.Duration
	Err      error
}

// Dispatcher sends a request upstream. Any status of 400 or above is returned
// as a *DispatchError.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (*Response, error)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
