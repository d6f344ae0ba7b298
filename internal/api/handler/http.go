package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Healthz reports liveness of the shared state store.
func (h *Handler) Healthz(c *gin.Context) {
	if err := h.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.Hub.SessionCount()})
}

// GetStats exposes the matcher snapshot for ops dashboards.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.Matcher.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
