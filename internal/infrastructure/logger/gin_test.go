package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestRouter(l *zap.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), "req-123"))
		c.Next()
	})
	router.Use(Recovery(l), GinMiddleware(l))
	return router
}

func httpEntry(t *testing.T, recorded *observer.ObservedLogs) observer.LoggedEntry {
	t.Helper()
	entries := recorded.FilterMessage("HTTP Request").All()
	require.Len(t, entries, 1)
	return entries[0]
}

func TestGinMiddleware(t *testing.T) {
	t.Run("logs successful requests at info with route and request id", func(t *testing.T) {
		core, recorded := observer.New(zapcore.InfoLevel)
		router := newTestRouter(zap.New(core))
		router.GET("/reconciliations/:id", func(c *gin.Context) {
			GetGinLogger(c).Info("inside handler")
			c.JSON(http.StatusOK, gin.H{})
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reconciliations/abc?verbose=1", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		entry := httpEntry(t, recorded)
		assert.Equal(t, zapcore.InfoLevel, entry.Level)
		fields := entry.ContextMap()
		assert.Equal(t, "req-123", fields["request_id"])
		assert.Equal(t, "/reconciliations/:id", fields["route"])
		assert.Equal(t, "verbose=1", fields["query"])
		assert.Equal(t, 1, recorded.FilterMessage("inside handler").Len())
	})

	t.Run("logs client errors at warn", func(t *testing.T) {
		core, recorded := observer.New(zapcore.InfoLevel)
		router := newTestRouter(zap.New(core))
		router.POST("/reconciliations", func(c *gin.Context) {
			c.Status(http.StatusBadRequest)
		})

		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/reconciliations", nil))
		assert.Equal(t, zapcore.WarnLevel, httpEntry(t, recorded).Level)
	})

	t.Run("logs server errors at error", func(t *testing.T) {
		core, recorded := observer.New(zapcore.InfoLevel)
		router := newTestRouter(zap.New(core))
		router.GET("/boom", func(c *gin.Context) {
			c.Status(http.StatusServiceUnavailable)
		})

		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
		assert.Equal(t, zapcore.ErrorLevel, httpEntry(t, recorded).Level)
	})
}

func TestRecovery(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	router := newTestRouter(zap.New(core))
	router.GET("/panic", func(c *gin.Context) {
		panic("matcher exploded")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"success":false,"error":{"code":"INTERNAL_ERROR","message":"An internal error occurred","request_id":"req-123"}}`, w.Body.String())
	entries := recorded.FilterMessage("Panic recovered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "matcher exploded", entries[0].ContextMap()["error"])
}

func TestGetGinLogger_Missing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.NotNil(t, GetGinLogger(c))
}
