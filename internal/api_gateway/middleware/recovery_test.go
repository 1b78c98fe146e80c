package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("Panic", func(t *testing.T) {
		var logBuffer bytes.Buffer
		router := gin.New()
		router.Use(CorrelationID())
		router.Use(Recovery(slog.New(slog.NewJSONHandler(&logBuffer, nil))))
		router.GET("/boom", func(c *gin.Context) {
			panic("gateway exploded")
		})

		req := httptest.NewRequest(http.MethodGet, "/boom", nil)
		req.Header.Set(CorrelationIDHeader, "corr-panic")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		errField, ok := body["error"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "INTERNAL_SERVER_ERROR", errField["code"])
		assert.Equal(t, "corr-panic", body["correlation_id"])

		out := logBuffer.String()
		assert.Contains(t, out, `"msg":"Panic recovered"`)
		assert.Contains(t, out, `"error":"gateway exploded"`)
		assert.Contains(t, out, `"stack":`)
	})

	t.Run("NoPanic", func(t *testing.T) {
		var logBuffer bytes.Buffer
		router := gin.New()
		router.Use(Recovery(slog.New(slog.NewJSONHandler(&logBuffer, nil))))
		router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ok", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, logBuffer.String())
	})
}
