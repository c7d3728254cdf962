package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/transport"
)

const storePingTimeout = 2 * time.Second

// HealthHandler serves liveness and store-connectivity checks.
type HealthHandler struct {
	store  store.Store
	hub    *transport.Hub
	logger *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(log *slog.Logger, st store.Store, hub *transport.Hub) *HealthHandler {
	return &HealthHandler{
		store:  st,
		hub:    hub,
		logger: log.With(slog.String("handler", "health")),
	}
}

// Register mounts GET /ping and GET /health on the Echo instance.
func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.GET("/health", h.Health)
	e.HEAD("/health", h.PingHead)
}

// Ping returns 200 JSON {"status":"ok"}.
func (h *HealthHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// PingHead returns 200 No Content for health checks.
func (h *HealthHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Health reports process liveness, store connectivity, and the live
// connection count.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), storePingTimeout)
	defer cancel()

	status := http.StatusOK
	storeState := "connected"
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("store ping failed", slog.Any("error", err))
		status = http.StatusServiceUnavailable
		storeState = "unreachable"
	}

	return c.JSON(status, map[string]any{
		"status":      statusWord(status),
		"store":       storeState,
		"connections": h.hub.ConnCount(),
	})
}

func statusWord(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "degraded"
}
