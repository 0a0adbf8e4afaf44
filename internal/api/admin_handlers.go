package api

import (
	"errors"
	"net/http"

	"kakiokoshi/internal/modelmanager"

	"github.com/gin-gonic/gin"
)

// AdminStats reports queue statistics, job counts by status, and the
// model slot snapshot.
func (h *Handler) AdminStats(c *gin.Context) {
	counts, err := h.store.CountByStatus(c.Request.Context())
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queue": gin.H{
			"depth":    h.proc.QueueDepth(),
			"capacity": h.proc.QueueCapacity(),
			"current":  h.proc.CurrentJob(),
		},
		"jobs":  counts,
		"model": h.manager.Status(),
	})
}

// AdminLoadModel warm-loads the model.
func (h *Handler) AdminLoadModel(c *gin.Context) {
	if err := h.manager.Load(c.Request.Context()); err != nil {
		apiError(c, http.StatusInternalServerError, "model_unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, h.manager.Status())
}

// AdminUnloadModel releases the model's VRAM. Returns a conflict while
// an inference is in flight.
func (h *Handler) AdminUnloadModel(c *gin.Context) {
	if err := h.manager.Unload(); err != nil {
		if errors.Is(err, modelmanager.ErrBusy) {
			apiError(c, http.StatusConflict, "model_busy", "an inference is in flight")
			return
		}
		apiError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, h.manager.Status())
}

// AdminCleanup runs one retention sweep immediately.
func (h *Handler) AdminCleanup(c *gin.Context) {
	removed := h.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
