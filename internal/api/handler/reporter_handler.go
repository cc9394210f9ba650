package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/dto"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/reporter"
)

const (
	defaultStopTimeout = 30 * time.Second
	maxStopTimeout     = 120 * time.Second
	stopPollInterval   = 500 * time.Millisecond
)

type ReporterHandler struct {
	queryService *service.QueryService
	reporters    repository.ReporterRepository
	pollEvery    time.Duration
}

func NewReporterHandler(queryService *service.QueryService, reporters repository.ReporterRepository) *ReporterHandler {
	return &ReporterHandler{
		queryService: queryService,
		reporters:    reporters,
		pollEvery:    stopPollInterval,
	}
}

// ListReporters handles GET /reporters
func (h *ReporterHandler) ListReporters(c *gin.Context) {
	infos, err := h.queryService.ListReporters(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	response := dto.ReporterListResponse{Items: make([]dto.ReporterResponse, len(infos))}
	for i, info := range infos {
		response.Items[i] = toReporterResponse(info)
	}
	c.JSON(http.StatusOK, response)
}

// GetReporter handles GET /reporters/:hostname
func (h *ReporterHandler) GetReporter(c *gin.Context) {
	info, err := h.queryService.GetReporter(c.Request.Context(), c.Param("hostname"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toReporterResponse(*info))
}

// StopReporter handles POST /reporters/:hostname/stop. It sets the shutdown
// flag and waits for the reporter to deregister.
func (h *ReporterHandler) StopReporter(c *gin.Context) {
	var req dto.StopReporterRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	timeout := defaultStopTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout > maxStopTimeout {
		badRequest(c, "timeout_seconds must not exceed 120")
		return
	}

	hostname := c.Param("hostname")
	stopped, err := reporter.RequestStop(c.Request.Context(), h.reporters, hostname, timeout, h.pollEvery)
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusOK
	if !stopped {
		status = http.StatusAccepted
	}
	c.JSON(status, dto.StopReporterResponse{Hostname: hostname, Stopped: stopped})
}

func toReporterResponse(info service.ReporterInfo) dto.ReporterResponse {
	return dto.ReporterResponse{
		Hostname:            info.Hostname,
		PID:                 info.PID,
		StartedAt:           info.StartedAt,
		LastHeartbeat:       info.LastHeartbeat,
		Version:             info.Version,
		ShutdownRequested:   info.ShutdownRequested,
		Alive:               info.Alive,
		HeartbeatAgeSeconds: info.HeartbeatAge.Seconds(),
	}
}
