package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doGet(t *testing.T, h http.Handler, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWrapSkipsNil(t *testing.T) {
	h := Wrap(okHandler(), nil, APIKeyAuth(""), nil)
	if rec := doGet(t, h, nil); rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestAPIKeyAuthHeaders(t *testing.T) {
	h := Wrap(okHandler(), APIKeyAuth("sekret"))

	if rec := doGet(t, h, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: code = %d", rec.Code)
	}
	if rec := doGet(t, h, func(r *http.Request) { r.Header.Set("X-API-Key", "wrong") }); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: code = %d", rec.Code)
	}
	if rec := doGet(t, h, func(r *http.Request) { r.Header.Set("X-API-Key", "sekret") }); rec.Code != http.StatusOK {
		t.Fatalf("header key: code = %d", rec.Code)
	}
	if rec := doGet(t, h, func(r *http.Request) { r.Header.Set("Authorization", "Bearer sekret") }); rec.Code != http.StatusOK {
		t.Fatalf("bearer key: code = %d", rec.Code)
	}
}

func TestRateLimitRefills(t *testing.T) {
	clock := time.Unix(0, 0)
	h := Wrap(okHandler(), RateLimit(RateLimitOptions{
		Requests: 2,
		Window:   time.Second,
		Now:      func() time.Time { return clock },
	}))

	for i := 0; i < 2; i++ {
		if rec := doGet(t, h, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: code = %d", i, rec.Code)
		}
	}
	if rec := doGet(t, h, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: code = %d", rec.Code)
	}

	clock = clock.Add(time.Second)
	if rec := doGet(t, h, nil); rec.Code != http.StatusOK {
		t.Fatalf("after refill: code = %d", rec.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	if RateLimit(RateLimitOptions{}) != nil {
		t.Fatalf("zero options should disable the limiter")
	}
}

func TestCORSHeadersAndPreflight(t *testing.T) {
	h := Wrap(okHandler(), CORS())

	rec := doGet(t, h, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("code = %d, headers = %v", rec.Code, rec.Header())
	}

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	pre := httptest.NewRecorder()
	h.ServeHTTP(pre, req)
	if pre.Code != http.StatusNoContent {
		t.Fatalf("preflight code = %d", pre.Code)
	}
}
