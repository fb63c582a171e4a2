package handler

import (
	"net/http"
	"strconv"

	"github.com/CryptoLens/lensgate/internal/jobs"
	"github.com/CryptoLens/lensgate/internal/middleware"
	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/orchestrator"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
	"github.com/CryptoLens/lensgate/internal/repository"
	"github.com/gin-gonic/gin"
)

type AnalysisHandler struct {
	engine  *orchestrator.Engine
	pool    *jobs.Pool
	history repository.HistoryRepo
}

func NewAnalysisHandler(engine *orchestrator.Engine, pool *jobs.Pool, history repository.HistoryRepo) *AnalysisHandler {
	return &AnalysisHandler{engine: engine, pool: pool, history: history}
}

// PlaceAnalysis 处理 POST /v1/analyze：
// 立即路径返回 200 + 聚合结果，排队路径返回 202 + 任务确认。
func (h *AnalysisHandler) PlaceAnalysis(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		c.Error(apperrors.NewAuthFailed("missing principal context"))
		c.Abort()
		return
	}

	var req model.AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		c.Abort()
		return
	}
	middleware.AddAuditContext(c, "project_id", req.ProjectID)
	middleware.AddAuditContext(c, "analysis_type", string(req.AnalysisType))

	outcome, err := h.engine.Orchestrate(c.Request.Context(), req, principal)
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(err)
		c.Abort()
		return
	}

	if outcome.Queued != nil {
		middleware.AddAuditContext(c, "analysis_id", outcome.Queued.AnalysisID)
		middleware.AddAuditContext(c, "outcome", "queued")
		c.JSON(http.StatusAccepted, outcome.Queued)
		return
	}

	middleware.AddAuditContext(c, "correlation_id", outcome.Result.CorrelationID)
	middleware.AddAuditContext(c, "outcome", "immediate")
	middleware.AddAuditContext(c, "cached", outcome.Result.Cached)
	c.JSON(http.StatusOK, outcome.Result)
}

// Status 处理 GET /v1/analyze/:id/status
func (h *AnalysisHandler) Status(c *gin.Context) {
	job, err := h.engine.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, job)
}

// Cancel 处理 DELETE /v1/analyze/:id：尽力取消排队/执行中的任务
func (h *AnalysisHandler) Cancel(c *gin.Context) {
	analysisID := c.Param("id")
	if err := h.pool.Cancel(c.Request.Context(), analysisID); err != nil {
		c.Error(err)
		c.Abort()
		return
	}
	middleware.AddAuditContext(c, "analysis_id", analysisID)
	c.JSON(http.StatusOK, gin.H{
		"analysis_id": analysisID,
		"status":      string(model.JobCancelled),
	})
}

// History 处理 GET /v1/analyze/history，只能看到自己的记录
func (h *AnalysisHandler) History(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		c.Error(apperrors.NewAuthFailed("missing principal context"))
		c.Abort()
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	projectID := c.Query("project_id")

	records, err := h.history.List(c.Request.Context(), principal.ID, projectID, limit, offset)
	if err != nil {
		c.Error(apperrors.Wrap(err))
		c.Abort()
		return
	}
	if records == nil {
		records = []*model.AnalysisRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"limit":   limit,
		"offset":  offset,
	})
}

// Popular 处理 GET /v1/analyze/popular：最常被分析的项目排行
func (h *AnalysisHandler) Popular(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	entries, err := h.history.Popular(c.Request.Context(), limit)
	if err != nil {
		c.Error(apperrors.Wrap(err))
		c.Abort()
		return
	}
	if entries == nil {
		entries = []*model.ProjectPopularity{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": entries})
}
