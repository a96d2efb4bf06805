package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jmehdipour/subsync/internal/config"
	"github.com/jmehdipour/subsync/internal/util"
	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEcho(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.GET("/", func(c echo.Context) error {
		client, _ := ClientFromCtx(c)
		return c.String(http.StatusOK, client)
	}, mw...)
	return e
}

func do(e *echo.Echo, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyMiddleware(t *testing.T) {
	e := newEcho(APIKeyMiddleware([]config.APIKeyConfig{
		{Name: "ops", Key: "k-ops"},
		{Key: "k-anon", RPS: 3},
	}))

	rec := do(e, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing api key")

	rec = do(e, "nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid api key")

	rec = do(e, "k-ops")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", rec.Body.String())

	rec = do(e, " k-anon ")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unnamed", rec.Body.String())
}

func TestAPIKeyMiddleware_NoKeysRejectsAll(t *testing.T) {
	e := newEcho(APIKeyMiddleware(nil))
	assert.Equal(t, http.StatusUnauthorized, do(e, "anything").Code)
}

func TestRateLimit_WithoutRedisAllows(t *testing.T) {
	e := newEcho(
		APIKeyMiddleware([]config.APIKeyConfig{{Name: "ops", Key: "k"}}),
		RateLimitMiddleware(RateLimitConfig{DefaultRPS: 1}),
	)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(e, "k").Code)
	}
}

func TestRateLimit_Redis(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("SUBSYNC_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set SUBSYNC_TEST_REDIS_ADDR to run Redis integration tests")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	e := newEcho(
		APIKeyMiddleware([]config.APIKeyConfig{{Name: "ops", Key: "k", RPS: 2}}),
		RateLimitMiddleware(RateLimitConfig{
			Redis:          rdb,
			DefaultRPS:     100,
			KeyPrefix:      "subsync:test:" + util.New() + ":",
			Window:         time.Minute,
			RetryAfterHint: true,
		}),
	)

	require.Equal(t, http.StatusOK, do(e, "k").Code)
	require.Equal(t, http.StatusOK, do(e, "k").Code)
	rec := do(e, "k")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
