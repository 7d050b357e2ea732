package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/myysophia/coursevm-backend/internal/auth"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJWTConfig() *config.JWTConfig {
	return &config.JWTConfig{SecretKey: "middleware-test-secret", ExpiresIn: 3600, Issuer: "coursevm"}
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": utils.GetUID(c), "role": utils.GetRole(c)})
	})
	return r
}

func get(r http.Handler, authHeader string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testJWTConfig()
	r := newRouter(AuthMiddleware(cfg))

	t.Run("Valid Token", func(t *testing.T) {
		token, err := auth.GenerateToken("jasata", auth.RoleTeacher, cfg)
		require.NoError(t, err)

		w := get(r, "Bearer "+token)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"uid":"jasata","role":"teacher"}`, w.Body.String())
	})

	t.Run("Invalid Token", func(t *testing.T) {
		w := get(r, "Bearer invalid-token")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Missing Token", func(t *testing.T) {
		w := get(r, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Invalid Format", func(t *testing.T) {
		w := get(r, "Token abc")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Foreign Secret", func(t *testing.T) {
		other := *cfg
		other.SecretKey = "another-secret"
		token, err := auth.GenerateToken("jasata", auth.RoleTeacher, &other)
		require.NoError(t, err)

		w := get(r, "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestOptionalAuthMiddleware(t *testing.T) {
	cfg := testJWTConfig()
	r := newRouter(OptionalAuthMiddleware(cfg))

	token, err := auth.GenerateToken("student1", auth.RoleStudent, cfg)
	require.NoError(t, err)

	w := get(r, "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid":"student1","role":"student"}`, w.Body.String())

	// 无效令牌按匿名处理
	w = get(r, "Bearer invalid-token")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid":"","role":""}`, w.Body.String())

	w = get(r, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTeacherOnly(t *testing.T) {
	cfg := testJWTConfig()
	r := newRouter(AuthMiddleware(cfg), TeacherOnly())

	student, err := auth.GenerateToken("student1", auth.RoleStudent, cfg)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, get(r, "Bearer "+student).Code)

	teacher, err := auth.GenerateToken("jasata", auth.RoleTeacher, cfg)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get(r, "Bearer "+teacher).Code)
}

func TestSSEMiddlewareHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SSEMiddleware())
	r.GET("/flow/:id/stream", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/flow/:id/progress", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/flow/x/stream", nil))
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/flow/x/progress", nil))
	assert.Empty(t, w.Header().Get("X-Accel-Buffering"))
}

func TestCorsMiddleware(t *testing.T) {
	r := newRouter(CorsMiddleware([]string{"https://vm.example.edu"}))

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://vm.example.edu")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://vm.example.edu", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
