package response_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/intent-classifier/pkg/response"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) response.Resp {
	t.Helper()
	var resp response.Resp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestResponses(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("OK", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		response.OK(c, map[string]string{"intent": "fees"})

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decode(t, w)
		assert.Zero(t, resp.ErrorCode)
		assert.Equal(t, response.MessageSuccess, resp.Message)
		assert.Equal(t, map[string]any{"intent": "fees"}, resp.Data)
	})

	t.Run("Error", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		response.Error(c, errors.New("utterance is required"), nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode(t, w)
		assert.Equal(t, response.BadRequestErrorCode, resp.ErrorCode)
		assert.Equal(t, "utterance is required", resp.Message)
	})

	t.Run("InternalError", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		response.InternalError(c, errors.New("disk on fire"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, response.DefaultErrorMessage, decode(t, w).Message)
	})

	t.Run("TooManyRequests", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		response.TooManyRequests(c)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.True(t, c.IsAborted())
	})
}
