package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/command-relay/internal/circuitbreaker"
	"github.com/tbourn/command-relay/internal/commands"
	"github.com/tbourn/command-relay/internal/config"
	"github.com/tbourn/command-relay/internal/http/middleware"
	"github.com/tbourn/command-relay/internal/repo"
	"github.com/tbourn/command-relay/internal/services"
)

const taskBody = `{"payload":{"taskId":"task-9","roomId":"204","assigneeId":"u-3"}}`

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newDeps(t *testing.T, cfg config.Config) Deps {
	t.Helper()
	db := newTestDB(t)
	reg, err := services.NewStaticRegistry(services.RegistryFile{
		DefaultTopic: "commands",
		Routes: []services.Route{
			{CommandName: commands.NameHousekeepingTaskAssign, TargetService: "housekeeping"},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	svc := &services.CommandService{
		DB:           db,
		Registry:     reg,
		Codec:        commands.NewCodec(),
		Log:          zerolog.Nop(),
		DefaultTopic: "commands",
		MaxRetries:   3,
	}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), zerolog.Nop())
	return Deps{DB: db, Commands: svc, Breakers: breakers, Config: cfg}
}

func baseConfig(prefix string) config.Config {
	return config.Config{
		APIBasePath:  prefix,
		RateRPS:      100,
		RateBurst:    10,
		MaxBodyBytes: 1 << 20,
		OTEL:         config.OTELConfig{ServiceName: "test-svc"},
	}
}

func serve(r *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newDeps(t, baseConfig("/api/v1")))

	w := serve(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	w = serve(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	if w = serve(r, http.MethodGet, "/nope", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}
	if w = serve(r, http.MethodPost, "/health", "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}

	// Swagger is off unless enabled.
	if w = serve(r, http.MethodGet, "/swagger/doc.json", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("swagger should be unmounted, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := baseConfig("/api/v2")
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	RegisterRoutes(r, newDeps(t, cfg))

	w := serve(r, http.MethodGet, "/health", "", map[string]string{"Origin": "http://example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRegisterRoutes_SubmitAndReplayThroughPipeline(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newDeps(t, baseConfig("/api/v1")))

	hdr := map[string]string{
		middleware.HeaderTenantID:       "t-1",
		middleware.HeaderIdempotencyKey: "assign-task-9",
	}
	path := "/api/v1/commands/" + commands.NameHousekeepingTaskAssign

	w := serve(r, http.MethodPost, path, taskBody, hdr)
	if w.Code != http.StatusAccepted {
		t.Fatalf("first submit = %d body=%s", w.Code, w.Body.String())
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	var first map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = serve(r, http.MethodPost, path, taskBody, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("replay = %d body=%s", w.Code, w.Body.String())
	}
	var second map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &second)
	if second["command_id"] != first["command_id"] || second["replayed"] != true {
		t.Fatalf("replay mismatch: first=%v second=%v", first, second)
	}

	w = serve(r, http.MethodGet, fmt.Sprintf("/api/v1/commands/%v", first["command_id"]), "", map[string]string{middleware.HeaderTenantID: "t-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}

	w = serve(r, http.MethodGet, "/api/v1/commands", "", map[string]string{middleware.HeaderTenantID: "t-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}

	for _, p := range []string{"/api/v1/outbox/stats", "/api/v1/breakers"} {
		if w = serve(r, http.MethodGet, p, "", nil); w.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", p, w.Code)
		}
	}
}

func TestRegisterRoutes_BadIdempotencyKeyRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newDeps(t, baseConfig("/api/v1")))

	w := serve(r, http.MethodPost, "/api/v1/commands/"+commands.NameHousekeepingTaskAssign, taskBody, map[string]string{
		middleware.HeaderTenantID:       "t-1",
		middleware.HeaderIdempotencyKey: "has spaces",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRegisterRoutes_BodyLimitFromConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := baseConfig("/api/v1")
	cfg.MaxBodyBytes = 16
	RegisterRoutes(r, newDeps(t, cfg))

	w := serve(r, http.MethodPost, "/api/v1/commands/"+commands.NameHousekeepingTaskAssign, taskBody, map[string]string{
		middleware.HeaderTenantID: "t-1",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized body expected 400, got %d", w.Code)
	}
}

func TestRegisterRoutes_SwaggerEnabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := baseConfig("/api/v1")
	cfg.SwaggerEnabled = true
	RegisterRoutes(r, newDeps(t, cfg))

	w := serve(r, http.MethodGet, "/swagger/doc.json", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /swagger/doc.json = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("/commands/{name}")) {
		t.Fatalf("doc.json missing command path: %s", w.Body.String())
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deps := newDeps(t, baseConfig("/api/v1"))
	RegisterRoutes(r, deps)

	sqlDB, err := deps.DB.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	w := serve(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}
