package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndExtract(t *testing.T) {
	secret := "test-secret"
	signed, expiresAt, err := GenerateToken("admin", secret, time.Hour)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	token, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("user", token)

	userID, err := UserIDFromContext(c)
	require.NoError(t, err)
	assert.Equal(t, "admin", userID)
}

func TestGenerateTokenValidation(t *testing.T) {
	_, _, err := GenerateToken("", "secret", time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateToken("admin", "", time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateToken("admin", "secret", 0)
	assert.Error(t, err)
}

func TestUserIDFromContextMissingToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	_, err := UserIDFromContext(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}
