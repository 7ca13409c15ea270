package circuitbreaker

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPDoer is satisfied by *http.Client and *HTTPWrapper.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPWrapper sends requests through a breaker. Transport errors and 5xx
// responses count as failures; 4xx responses do not.
type HTTPWrapper struct {
	client     *http.Client
	cb         *CircuitBreaker
	dependency string
	logger     *zap.Logger
}

// NewHTTPWrapper wraps client with a breaker named name.
func NewHTTPWrapper(client *http.Client, name, dependency string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(name, HTTPSettings(), logger)
	instrument(cb, dependency)
	return &HTTPWrapper{client: client, cb: cb, dependency: dependency, logger: logger}
}

// Breaker exposes the underlying breaker for health reporting.
func (hw *HTTPWrapper) Breaker() *CircuitBreaker { return hw.cb }

// Do executes req. A 5xx response is still returned to the caller with a nil
// error once it has been counted against the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
	recordRequest(hw.cb, hw.dependency, err)

	if _, ok := err.(*statusError); ok {
		return resp, nil
	}
	if err != nil {
		hw.logger.Debug("HTTP request failed",
			zap.String("breaker", hw.cb.Name()),
			zap.String("url", req.URL.Redacted()),
			zap.Error(err),
		)
	}
	return resp, err
}

// RoundTrip lets the wrapper serve as an http.RoundTripper for SDK clients
// that only accept an *http.Client.
func (hw *HTTPWrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	return hw.Do(req)
}

// Client returns an *http.Client whose transport is the wrapper.
func (hw *HTTPWrapper) Client() *http.Client {
	return &http.Client{Transport: hw, Timeout: hw.client.Timeout}
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream status %d %s", e.code, http.StatusText(e.code))
}
