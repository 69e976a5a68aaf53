package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chatloom/chatloom/internal/engine"
	"github.com/chatloom/chatloom/internal/history"
	"github.com/chatloom/chatloom/internal/queue"
)

// AdminHandler exposes the engine and queue to operators: store stats,
// queue introspection, thread resets, and the full-history wipe.
type AdminHandler struct {
	logger *slog.Logger
	engine *engine.Engine
	queue  *queue.Queue
}

func NewAdminHandler(log *slog.Logger, eng *engine.Engine, q *queue.Queue) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{
		logger: log.With(slog.String("handler", "admin")),
		engine: eng,
		queue:  q,
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	e.GET("/api/stats", h.Stats)
	e.GET("/api/queues", h.Queues)
	e.POST("/api/queues/:key/abort", h.AbortQueue)
	e.POST("/api/threads/:id/reset", h.ResetThread)
	e.DELETE("/api/history", h.ClearHistory)
}

type statsResponse struct {
	Store       history.Stats `json:"store"`
	HotChannels int           `json:"hot_channels"`
	ActiveKeys  int           `json:"active_keys"`
}

func (h *AdminHandler) Stats(c echo.Context) error {
	st, hot, err := h.engine.Stats(c.Request().Context())
	if err != nil {
		h.logger.Error("stats failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "stats unavailable")
	}
	return c.JSON(http.StatusOK, statsResponse{
		Store:       st,
		HotChannels: hot,
		ActiveKeys:  len(h.queue.Status()),
	})
}

func (h *AdminHandler) Queues(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"queues": h.queue.Status()})
}

func (h *AdminHandler) AbortQueue(c echo.Context) error {
	key := c.Param("key")
	if !h.queue.Abort(key) {
		return echo.NewHTTPError(http.StatusNotFound, "no running job for key")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "aborted", "key": key})
}

type resetRequest struct {
	BotID string `json:"bot_id"`
}

func (h *AdminHandler) ResetThread(c echo.Context) error {
	threadID := c.Param("id")
	var req resetRequest
	// Body is optional; an empty bot id means a global reset.
	_ = c.Bind(&req)

	if err := h.engine.ResetThread(c.Request().Context(), threadID, req.BotID); err != nil {
		h.logger.Error("thread reset failed",
			slog.String("thread_id", threadID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reset failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reset", "thread_id": threadID})
}

func (h *AdminHandler) ClearHistory(c echo.Context) error {
	if err := h.engine.ClearAll(c.Request().Context()); err != nil {
		h.logger.Error("history wipe failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "wipe failed")
	}
	h.logger.Warn("history wiped by operator")
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}
