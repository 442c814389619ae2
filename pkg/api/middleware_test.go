package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dispatch/pkg/config"
)

func okHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.GET("/", okHandler, securityHeaders())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRequestID(t *testing.T) {
	e := echo.New()
	e.GET("/", okHandler, requestID())

	t.Run("generated when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	})

	t.Run("echoed when supplied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-Id", "req-42")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
	})
}

func TestAPIKeyAuth(t *testing.T) {
	newEcho := func(keys []string) *echo.Echo {
		e := echo.New()
		e.GET("/", okHandler, apiKeyAuth(keys))
		return e
	}

	t.Run("empty key set disables auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		newEcho(nil).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing key is AuthRequired", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		newEcho([]string{"secret"}).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, kindAuthRequired, decodeErrorBody(t, rec).ErrorKind)
	})

	t.Run("unknown key is AuthInvalid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Api-Key", "wrong")
		rec := httptest.NewRecorder()
		newEcho([]string{"secret"}).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, kindAuthInvalid, decodeErrorBody(t, rec).ErrorKind)
	})

	t.Run("any configured key passes", func(t *testing.T) {
		for _, key := range []string{"secret", "second"} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Api-Key", key)
			rec := httptest.NewRecorder()
			newEcho([]string{"secret", "second"}).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})
}

func TestRateLimitPerKey(t *testing.T) {
	e := echo.New()
	e.GET("/", okHandler, rateLimit(config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}))

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Api-Key", key)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("key-a"))
	assert.Equal(t, http.StatusOK, send("key-a"))
	assert.Equal(t, http.StatusTooManyRequests, send("key-a"))

	// Another key has its own bucket.
	assert.Equal(t, http.StatusOK, send("key-b"))
}

func TestRateLimitErrorKind(t *testing.T) {
	e := echo.New()
	e.GET("/", okHandler, rateLimit(config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, kindRateLimited, decodeErrorBody(t, rec).ErrorKind)
}
