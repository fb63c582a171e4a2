package handler

import (
	"net/http"
	"time"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/orchestrator"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
	"github.com/CryptoLens/lensgate/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 网关对外只走服务端-服务端调用，放开 Origin 检查
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamHandler pushes job progress over a websocket so callers don't
// have to poll the status endpoint.
type StreamHandler struct {
	engine       *orchestrator.Engine
	pollInterval time.Duration
}

func NewStreamHandler(engine *orchestrator.Engine) *StreamHandler {
	return &StreamHandler{engine: engine, pollInterval: 500 * time.Millisecond}
}

// progressFrame 推送给客户端的单帧
type progressFrame struct {
	AnalysisID    string                          `json:"analysis_id"`
	Status        model.JobStatus                 `json:"status"`
	Progress      int                             `json:"progress"`
	CurrentStage  string                          `json:"current_stage,omitempty"`
	StageProgress map[string]*model.StageProgress `json:"stage_progress,omitempty"`
	Result        *model.AnalysisResult           `json:"result,omitempty"`
	Error         string                          `json:"error,omitempty"`
}

// Stream 处理 GET /v1/analyze/:id/stream
func (h *StreamHandler) Stream(c *gin.Context) {
	analysisID := c.Param("id")

	// 升级前先确认任务存在，404 还能走正常的错误链路
	if _, err := h.engine.Status(c.Request.Context(), analysisID); err != nil {
		c.Error(err)
		c.Abort()
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.Error(apperrors.Wrap(err))
		c.Abort()
		return
	}
	defer conn.Close()

	// 读泵：只为感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var lastProgress = -1
	var lastStatus model.JobStatus
	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}

		job, err := h.engine.Status(c.Request.Context(), analysisID)
		if err != nil {
			_ = conn.WriteJSON(progressFrame{AnalysisID: analysisID, Error: err.Error()})
			return
		}

		// 无变化不推帧
		if job.Progress == lastProgress && job.Status == lastStatus && !job.Status.Terminal() {
			continue
		}
		lastProgress, lastStatus = job.Progress, job.Status

		frame := progressFrame{
			AnalysisID:    job.AnalysisID,
			Status:        job.Status,
			Progress:      job.Progress,
			CurrentStage:  job.CurrentStage,
			StageProgress: job.StageProgress,
		}
		if job.Status.Terminal() {
			frame.Result = job.Result
			frame.Error = job.Error
		}
		if err := conn.WriteJSON(frame); err != nil {
			logger.Debug("stream write failed", "analysis_id", analysisID, "error", err)
			return
		}
		if job.Status.Terminal() {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)))
			return
		}
	}
}
