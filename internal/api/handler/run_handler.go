package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/dto"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/util"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
)

const (
	defaultPerPage   = 25
	maxPerPage       = 500
	maxMetricsPoints = 5000
)

type RunHandler struct {
	queryService *service.QueryService
}

func NewRunHandler(queryService *service.QueryService) *RunHandler {
	return &RunHandler{
		queryService: queryService,
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Error:   "Bad Request",
		Message: message,
		Code:    http.StatusBadRequest,
	})
}

// ListRuns handles GET /runs
func (h *RunHandler) ListRuns(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		badRequest(c, "page must be a positive integer")
		return
	}
	perPage, err := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if err != nil || perPage < 1 || perPage > maxPerPage {
		badRequest(c, "per_page must be between 1 and 500")
		return
	}

	listFilter, err := util.NewListFilter(repository.RunViewSchema, c.Query("query"), c.Query("order"), page, perPage)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	filter := repository.RunViewFilter{ListFilter: listFilter}

	views, count, err := h.queryService.ListRuns(c.Request.Context(), filter)
	if err != nil {
		c.Error(err)
		return
	}

	response := dto.RunListResponse{
		Items: make([]dto.RunResponse, len(views)),
		Pagination: dto.PaginationInfo{
			Total:      count,
			Page:       page,
			PerPage:    perPage,
			TotalPages: listFilter.TotalPages(count),
		},
	}
	for i, v := range views {
		response.Items[i] = toRunResponse(v)
	}

	c.JSON(http.StatusOK, response)
}

// GetRun handles GET /runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	detail, err := h.queryService.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.RunDetailResponse{
		RunResponse: toRunResponse(&detail.RunView),
		Subtasks:    toSubtaskResponses(detail.Subtasks),
	})
}

// ListSubtasks handles GET /runs/:id/subtasks
func (h *RunHandler) ListSubtasks(c *gin.Context) {
	subtasks, err := h.queryService.ListSubtasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.SubtaskListResponse{Items: toSubtaskResponses(subtasks)})
}

// RunMetrics handles GET /runs/:id/metrics?since=RFC3339&limit=N
func (h *RunHandler) RunMetrics(c *gin.Context) {
	var filter repository.MetricsFilter
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			badRequest(c, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &t
	}
	filter.Limit = maxMetricsPoints
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > maxMetricsPoints {
			badRequest(c, "limit must be between 1 and 5000")
			return
		}
		filter.Limit = n
	}

	runID := c.Param("id")
	snapshots, err := h.queryService.RunMetrics(c.Request.Context(), runID, filter)
	if err != nil {
		c.Error(err)
		return
	}

	response := dto.MetricsListResponse{
		RunID: runID,
		Items: make([]dto.SnapshotResponse, len(snapshots)),
	}
	for i, s := range snapshots {
		response.Items[i] = toSnapshotResponse(s)
	}
	c.JSON(http.StatusOK, response)
}

// ListTasks handles GET /tasks
func (h *RunHandler) ListTasks(c *gin.Context) {
	tasks, err := h.queryService.ListTasks(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	response := dto.TaskListResponse{Items: make([]dto.TaskResponse, len(tasks))}
	for i, t := range tasks {
		response.Items[i] = dto.TaskResponse{
			TaskID:         t.ID,
			StageName:      t.StageName,
			Name:           t.Name,
			Type:           t.Type,
			Order:          t.Order,
			Description:    t.Description,
			ScriptLocation: t.ScriptLocation,
			LogLocation:    t.LogLocation,
			UpdatedAt:      t.UpdatedAt,
		}
	}
	c.JSON(http.StatusOK, response)
}

func toRunResponse(v *domain.RunView) dto.RunResponse {
	resp := dto.RunResponse{
		RunID:               v.RunID,
		TaskID:              v.TaskID,
		TaskName:            v.TaskName,
		TaskType:            v.TaskType,
		StageName:           v.StageName,
		Hostname:            v.Hostname,
		PID:                 v.PID,
		Status:              string(v.Status),
		StartTime:           v.StartTime,
		EndTime:             v.EndTime,
		LastUpdate:          v.LastUpdate,
		OverallPercent:      v.OverallPercent,
		OverallMessage:      v.OverallMessage,
		CurrentSubtask:      v.CurrentSubtask,
		TotalSubtasks:       v.TotalSubtasks,
		ErrorMessage:        v.ErrorMessage,
		MetricsTime:         v.MetricsTime,
		CPUPercent:          v.CPUPercent,
		MemoryRSSMB:         v.MemoryRSSMB,
		ChildCount:          v.ChildCount,
		ChildCPUTotal:       v.ChildCPUTotal,
		ChildMemTotalMB:     v.ChildMemTotalMB,
		IsAlive:             v.IsAlive,
		MetricsErrorMessage: v.MetricsErrorMsg,
		SnapshotAgeSeconds:  v.SnapshotAgeSeconds,
		MetricsStale:        v.MetricsStale,
	}
	if v.MetricsErrorType != nil {
		t := string(*v.MetricsErrorType)
		resp.MetricsErrorType = &t
	}
	return resp
}

func toSubtaskResponses(subtasks []*domain.SubtaskProgress) []dto.SubtaskResponse {
	out := make([]dto.SubtaskResponse, len(subtasks))
	for i, s := range subtasks {
		out[i] = dto.SubtaskResponse{
			Number:        s.Number,
			Name:          s.Name,
			Status:        string(s.Status),
			StartTime:     s.StartTime,
			EndTime:       s.EndTime,
			LastUpdate:    s.LastUpdate,
			Percent:       s.PercentComplete(),
			ItemsTotal:    s.ItemsTotal,
			ItemsComplete: s.ItemsComplete,
			Message:       s.Message,
			ErrorMessage:  s.ErrorMessage,
		}
	}
	return out
}

func toSnapshotResponse(s *domain.ProcessMetricSnapshot) dto.SnapshotResponse {
	resp := dto.SnapshotResponse{
		Timestamp:              s.Timestamp,
		PID:                    s.PID,
		Hostname:               s.Hostname,
		IsAlive:                s.IsAlive,
		ProcessStartTime:       s.ProcessStartTime,
		CPUPercent:             s.CPUPercent,
		MemoryRSSMB:            s.MemoryRSSMB,
		MemoryVMSMB:            s.MemoryVMSMB,
		MemorySwapMB:           s.MemorySwapMB,
		MemoryPercent:          s.MemoryPercent,
		IOReadBytes:            s.IOReadBytes,
		IOWriteBytes:           s.IOWriteBytes,
		IOReadCount:            s.IOReadCount,
		IOWriteCount:           s.IOWriteCount,
		NumFDs:                 s.NumFDs,
		NumThreads:             s.NumThreads,
		PageFaultsMinor:        s.PageFaultsMinor,
		PageFaultsMajor:        s.PageFaultsMajor,
		CtxSwitchesVoluntary:   s.CtxSwitchesVoluntary,
		CtxSwitchesInvoluntary: s.CtxSwitchesInvoluntary,
		ChildCount:             s.ChildCount,
		ChildCPUTotal:          s.ChildCPUTotal,
		ChildMemTotalMB:        s.ChildMemTotalMB,
		CollectionError:        s.CollectionError,
		ErrorMessage:           s.ErrorMessage,
	}
	if s.ErrorType != nil {
		t := string(*s.ErrorType)
		resp.ErrorType = &t
	}
	return resp
}
