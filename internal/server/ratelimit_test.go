package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watzon/funcbox/internal/auth"
	"github.com/watzon/funcbox/internal/config"
)

func allowed(rl *RateLimiter, key string) bool {
	ok, _ := rl.Allow(key)
	return ok
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, Max: 3, Window: time.Second})
	defer rl.Stop()

	key := "test-key"

	for i := 0; i < 3; i++ {
		if !allowed(rl, key) {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}

	ok, retry := rl.Allow(key)
	if ok {
		t.Error("4th request should be blocked")
	}
	if retry <= 0 || retry > time.Second {
		t.Errorf("unexpected retry delay %s", retry)
	}

	time.Sleep(1100 * time.Millisecond)

	if !allowed(rl, key) {
		t.Error("Request after window should be allowed")
	}
}

func TestRateLimiter_MultipleKeys(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, Max: 2, Window: time.Second})
	defer rl.Stop()

	if !allowed(rl, "key1") || !allowed(rl, "key1") {
		t.Error("key1 should allow 2 requests")
	}
	if !allowed(rl, "key2") || !allowed(rl, "key2") {
		t.Error("key2 should allow 2 requests")
	}
	if allowed(rl, "key1") {
		t.Error("key1 should be blocked")
	}
	if allowed(rl, "key2") {
		t.Error("key2 should be blocked")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, Max: 5, Window: 100 * time.Millisecond})
	defer rl.Stop()

	rl.Allow("key1")
	rl.Allow("key2")
	rl.Allow("key3")

	rl.mu.RLock()
	initialCount := len(rl.buckets)
	rl.mu.RUnlock()
	require.Equal(t, 3, initialCount)

	require.Eventually(t, func() bool {
		rl.mu.RLock()
		defer rl.mu.RUnlock()
		return len(rl.buckets) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, Max: 100, Window: time.Second})
	defer rl.Stop()

	done := make(chan bool)
	key := "concurrent-key"

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 10; j++ {
				rl.Allow(key)
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	rl.mu.RLock()
	b := rl.buckets[key]
	rl.mu.RUnlock()
	if b == nil {
		t.Fatal("Bucket should exist")
	}

	b.mu.Lock()
	tokens := b.tokens
	b.mu.Unlock()
	if tokens != 0 {
		t.Errorf("Expected 0 tokens remaining, got %d", tokens)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, Max: 1, Window: time.Minute})
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string, claims *auth.Claims) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/functions/hello/invoke", nil)
		req.RemoteAddr = remote
		if claims != nil {
			req = req.WithContext(auth.ContextWithClaims(req.Context(), claims))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send("10.0.0.1:1234", nil).Code)
	// Same IP on another port shares the bucket.
	limited := send("10.0.0.1:5678", nil)
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.NotEmpty(t, limited.Header().Get("Retry-After"))

	require.Equal(t, http.StatusOK, send("10.0.0.2:1234", nil).Code)

	// Authenticated clients are keyed by subject, not address.
	alice := &auth.Claims{Subject: "alice", Scopes: []string{auth.ScopeInvoke}}
	require.Equal(t, http.StatusOK, send("10.0.0.1:1234", alice).Code)
	require.Equal(t, http.StatusTooManyRequests, send("10.0.0.3:1234", alice).Code)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	require.Equal(t, "ip:192.0.2.1", clientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	require.Equal(t, "ip:203.0.113.5", clientKey(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	require.Equal(t, "ip:198.51.100.7", clientKey(req))
}

func TestRateLimiter_Stop(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, Max: 5, Window: time.Second})
	rl.Allow("test-key")
	rl.Stop()

	select {
	case <-rl.stopCh:
	default:
		t.Error("Stop channel should be closed")
	}
}
