package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createRequest struct {
	Name string `json:"name" binding:"required,max=10"`
	Type string `json:"type" binding:"required,oneof=BANK ACCOUNTS_RECEIVABLE"`
}

func bindErr(t *testing.T, body string) error {
	t.Helper()
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	var req createRequest
	return c.ShouldBindJSON(&req)
}

func TestValidationDetails(t *testing.T) {
	SetupValidator()

	t.Run("names fields by json tag", func(t *testing.T) {
		details := ValidationDetails(bindErr(t, `{"type":"CASH"}`))

		require.Len(t, details, 2)
		assert.Equal(t, "name", details[0].Field)
		assert.Equal(t, "This field is required", details[0].Message)
		assert.Equal(t, "type", details[1].Field)
		assert.Equal(t, "Must be one of: BANK ACCOUNTS_RECEIVABLE", details[1].Message)
	})

	t.Run("reports string length limits", func(t *testing.T) {
		details := ValidationDetails(bindErr(t, `{"name":"a very long name","type":"BANK"}`))

		require.Len(t, details, 1)
		assert.Equal(t, "Must be at most 10 characters", details[0].Message)
	})

	t.Run("returns nil for non-validation errors", func(t *testing.T) {
		assert.Nil(t, ValidationDetails(errors.New("unexpected EOF")))
		assert.Nil(t, ValidationDetails(bindErr(t, `{`)))
	})
}
