package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPDispatcher forwards requests to provider HTTP APIs with bearer auth.
type HTTPDispatcher struct {
	httpClient *http.Client
}

// NewHTTPDispatcher creates a dispatcher whose calls are bounded by timeout.
func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Dispatch sends req.Body to BaseURL+Path using req.Method.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	fail := func(status int, body []byte, err error) error {
		return &DispatchError{Provider: req.Provider, Model: req.Model, Status: status, Body: body, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.BaseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fail(0, nil, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIVersion != "" {
		httpReq.Header.Set("api-version", req.APIVersion)
	}

	httpResp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, fail(0, nil, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fail(httpResp.StatusCode, nil, fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		return nil, fail(httpResp.StatusCode, respBody, nil)
	}

	return &Response{Status: httpResp.StatusCode, Body: respBody}, nil
}
