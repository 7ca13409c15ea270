package circuitbreaker

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestHTTPWrapperTripsOn5xx(t *testing.T) {
	t.Setenv("CB_HTTP_FAILURE_THRESHOLD", "2")
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "test-http", "unit", zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := hw.Do(req)
		if err != nil {
			t.Fatalf("5xx should be returned as a response, got %v", err)
		}
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
		resp.Body.Close()
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := hw.Do(req); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("Expected open breaker, got %v", err)
	}
}

func TestHTTPWrapper4xxDoesNotTrip(t *testing.T) {
	t.Setenv("CB_HTTP_FAILURE_THRESHOLD", "1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "test-http-4xx", "unit", zaptest.NewLogger(t))
	client := hw.Client()
	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}
	if hw.Breaker().State() != StateClosed {
		t.Fatalf("4xx must not open the breaker, got %s", hw.Breaker().State())
	}
}
