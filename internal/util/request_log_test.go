package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWithRequestLogReportsMatchedRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/books/borrow", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	var gotMethod, gotRoute string
	var gotStatus int
	h := WithRequestID(WithRequestLog("test", func(method, route string, status int, _ time.Duration) {
		gotMethod, gotRoute, gotStatus = method, route, status
	}, mux))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/books/borrow", nil))

	if gotMethod != http.MethodPost || gotRoute != "POST /api/books/borrow" || gotStatus != http.StatusConflict {
		t.Fatalf("unexpected observation: %s %q %d", gotMethod, gotRoute, gotStatus)
	}
}

func TestWithRequestLogDefaultsStatusAndRoute(t *testing.T) {
	var gotRoute string
	var gotStatus int
	h := WithRequestLog("", func(_, route string, status int, _ time.Duration) {
		gotRoute, gotStatus = route, status
	}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	if gotRoute != "unmatched" || gotStatus != http.StatusOK {
		t.Fatalf("unexpected observation: %q %d", gotRoute, gotStatus)
	}
}
