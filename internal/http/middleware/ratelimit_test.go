package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestKeyByTenantOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	c, _ := gin.CreateTestContext(w)
	c.Request = req

	if key := KeyByTenantOrIP()(c); !strings.HasPrefix(key, "ip:") || !strings.Contains(key, "203.0.113.9") {
		t.Fatalf("expected ip-based key; got %q", key)
	}

	req.Header.Set(HeaderTenantID, " t-1 ")
	if key := KeyByTenantOrIP()(c); key != "tenant:t-1" {
		t.Fatalf("expected tenant key from header; got %q", key)
	}

	c.Set(ctxKeyTenantID, "t-ctx")
	if key := KeyByTenantOrIP()(c); key != "tenant:t-ctx" {
		t.Fatalf("context tenant should win; got %q", key)
	}
}

func TestNewRateLimiter_BurstCoercion_AndGetVisitorReuse(t *testing.T) {
	rl := NewRateLimiter(2.0, 0, KeyByTenantOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed, got %d", rl.burst)
	}
	lim := rl.getVisitor("k1")
	if lim == nil {
		t.Fatalf("expected limiter")
	}
	if got := rl.getVisitor("k1"); got != lim {
		t.Fatalf("expected same limiter instance to be reused")
	}
}

func TestRateLimiter_getVisitor_GC(t *testing.T) {
	rl := NewRateLimiter(1.0, 1, KeyByTenantOrIP())
	rl.ttl = time.Nanosecond

	rl.mu.Lock()
	rl.visitors["old"] = &visitor{
		limiter:  rate.NewLimiter(1, 1),
		lastSeen: time.Now().Add(-time.Hour),
	}
	rl.cleanupN = 4999
	rl.mu.Unlock()

	_ = rl.getVisitor("new")

	rl.mu.Lock()
	_, existsOld := rl.visitors["old"]
	_, existsNew := rl.visitors["new"]
	rl.mu.Unlock()

	if existsOld {
		t.Fatalf("expected 'old' visitor to be evicted")
	}
	if !existsNew {
		t.Fatalf("expected 'new' visitor to be created")
	}
}

func TestIsRateBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if IsRateBypass(c) {
		t.Fatalf("expected IsRateBypass=false by default")
	}
	c.Set(ctxKeyRateBypass, true)
	if !IsRateBypass(c) {
		t.Fatalf("expected IsRateBypass=true when set")
	}
	c.Set(ctxKeyRateBypass, "yes")
	if IsRateBypass(c) {
		t.Fatalf("expected IsRateBypass=false when non-bool stored")
	}
}

func TestRateLimiter_TenantsHaveSeparateBuckets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1.0, 1, KeyByTenantOrIP())

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header("X-Request-ID", "rid-1"); c.Next() })
	r.Use(rl.Handler())
	r.POST("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	send := func(tenant string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/ok", nil)
		req.Header.Set(HeaderTenantID, tenant)
		r.ServeHTTP(w, req)
		return w
	}

	if w := send("a"); w.Code != http.StatusOK {
		t.Fatalf("first request for a should pass, got %d", w.Code)
	}
	w := send("a")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request for a should be limited, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After=1, got %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "too_many_requests" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected JSON body: %v", body)
	}

	if w := send("b"); w.Code != http.StatusOK {
		t.Fatalf("tenant b must not share a's bucket, got %d", w.Code)
	}

	rBypass := gin.New()
	rBypass.Use(func(c *gin.Context) { c.Set(ctxKeyRateBypass, true); c.Next() })
	rBypass.Use(rl.Handler())
	rBypass.POST("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	w3 := httptest.NewRecorder()
	req3 := httptest.NewRequest(http.MethodPost, "/ok", nil)
	req3.Header.Set(HeaderTenantID, "a")
	rBypass.ServeHTTP(w3, req3)
	if w3.Code != http.StatusOK {
		t.Fatalf("bypass request should be allowed, got %d", w3.Code)
	}
}

func TestRateLimiter_RetryAfterReflectsRefillAndExemptPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	// One token every four seconds.
	rl := NewRateLimiter(0.25, 1, KeyByTenantOrIP()).Exempt("/health")

	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/commands/:name", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	send := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set(HeaderTenantID, "t-1")
		r.ServeHTTP(w, req)
		return w
	}

	if w := send(http.MethodPost, "/commands/x"); w.Code != http.StatusAccepted {
		t.Fatalf("first command should pass, got %d", w.Code)
	}
	w := send(http.MethodPost, "/commands/x")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second command should be limited, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "4" {
		t.Fatalf("expected Retry-After=4, got %q", got)
	}
	for i := 0; i < 3; i++ {
		if w := send(http.MethodGet, "/health"); w.Code != http.StatusOK {
			t.Fatalf("exempt path limited on call %d: %d", i, w.Code)
		}
	}
}
