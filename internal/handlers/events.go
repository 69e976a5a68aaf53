package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/chatloom/chatloom/internal/engine"
)

// EventsHandler tails engine events over a websocket. Clients pass the
// JWT as a token query parameter since browsers cannot set headers on
// websocket upgrades.
type EventsHandler struct {
	logger   *slog.Logger
	hub      *engine.Hub
	upgrader websocket.Upgrader
}

func NewEventsHandler(log *slog.Logger, hub *engine.Hub) *EventsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &EventsHandler{
		logger: log.With(slog.String("handler", "events")),
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *EventsHandler) Register(e *echo.Echo) {
	e.GET("/api/events", h.Tail)
}

func (h *EventsHandler) Tail(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	events, cancel := h.hub.Subscribe()
	defer cancel()

	// Reader goroutine notices the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		case <-closed:
			return nil
		}
	}
}
