package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/chatloom/chatloom/internal/auth"
	"github.com/chatloom/chatloom/internal/config"
)

// AuthHandler exchanges the configured admin credentials for a JWT.
type AuthHandler struct {
	logger *slog.Logger
	cfg    config.ServerConfig
}

func NewAuthHandler(log *slog.Logger, cfg config.ServerConfig) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{
		logger: log.With(slog.String("handler", "auth")),
		cfg:    cfg,
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/auth/login", h.Login)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if h.cfg.AdminPassword == "" {
		return echo.NewHTTPError(http.StatusForbidden, "admin login disabled")
	}
	if req.Username != h.cfg.AdminUsername || !passwordMatches(h.cfg.AdminPassword, req.Password) {
		h.logger.Warn("login rejected", slog.String("username", req.Username))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	token, expiresAt, err := auth.GenerateToken(req.Username, h.cfg.JWTSecret, h.cfg.ExpiresIn())
	if err != nil {
		h.logger.Error("token generation failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "token generation failed")
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

// passwordMatches accepts either a bcrypt hash or, for local setups, the
// literal password.
func passwordMatches(stored, given string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}
