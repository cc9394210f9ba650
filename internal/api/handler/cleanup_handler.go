package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/dto"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
)

type CleanupHandler struct {
	cleanupService *service.CleanupService
	retentionDays  int
}

func NewCleanupHandler(cleanupService *service.CleanupService, retentionDays int) *CleanupHandler {
	return &CleanupHandler{
		cleanupService: cleanupService,
		retentionDays:  retentionDays,
	}
}

// Cleanup handles POST /cleanup
func (h *CleanupHandler) Cleanup(c *gin.Context) {
	var req dto.CleanupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	opts := service.CleanupOptions{RetentionDays: h.retentionDays, DryRun: req.DryRun}
	if req.RetentionDays != nil {
		opts.RetentionDays = *req.RetentionDays
	}

	report, err := h.cleanupService.Cleanup(c.Request.Context(), opts)
	if err != nil {
		c.Error(err)
		return
	}

	response := dto.CleanupResponse{
		Cutoff:     report.Cutoff,
		DryRun:     report.DryRun,
		Backfilled: report.Backfilled,
		Runs:       make([]dto.CleanupRunResponse, len(report.Runs)),
		Snapshots:  report.Snapshots,
	}
	for i, r := range report.Runs {
		response.Runs[i] = dto.CleanupRunResponse{
			RunID:       r.RunID,
			CompletedAt: r.CompletedAt,
			Snapshots:   r.Snapshots,
		}
	}
	c.JSON(http.StatusOK, response)
}
