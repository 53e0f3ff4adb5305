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

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"pool": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("pool")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/pools/STX", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}

	now = now.Add(time.Second)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected token refill after one second, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"pool":  {RequestsPerMinute: 60, Burst: 1},
		"flash": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	pool := limiter.Middleware("pool")(okHandler())
	flash := limiter.Middleware("flash")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/pools/STX", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")
	res := httptest.NewRecorder()
	pool.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected pool request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	flash.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first flash request to succeed, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	flash.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second flash request to hit limit, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"pool": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	handler := limiter.Middleware("pool")(okHandler())

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/pools/STX", nil)
		req.Header.Set("X-Forwarded-For", ip+", 192.168.0.1")
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected %s to succeed, got %d", ip, res.Code)
		}
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"pool": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("pool")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/v1/pools/STX", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected one tracked visitor, got %d", len(limiter.visitors))
	}

	now = now.Add(10 * time.Minute)
	other := httptest.NewRequest(http.MethodGet, "/v1/pools/STX", nil)
	other.Header.Set("X-Real-IP", "10.9.9.9")
	handler.ServeHTTP(httptest.NewRecorder(), other)
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected idle visitor to be swept, got %d", len(limiter.visitors))
	}
}

func TestUnlimitedRoutePassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("pool")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, res.Code)
		}
	}
}
